// Package sandbox runs agent invocations inside disposable docker
// containers instead of host processes. It registers as the "sandbox"
// spawn protocol; kinds configured with it get filesystem and network
// isolation while speaking the same stream-json contract as the host
// claude runner.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	goarchive "github.com/moby/go-archive"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/orchestrator"
)

const (
	labelPrefix        = "angelia"
	defaultNetworkName = "angelia-net"
)

type Runner struct {
	docker  *client.Client
	cfg     config.SandboxConfig
	mu      sync.Mutex
	network string
}

func NewRunner(cfg config.SandboxConfig) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{docker: docker, cfg: cfg}, nil
}

func (r *Runner) ensureNetwork(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.network != "" {
		return r.network, nil
	}

	name := r.cfg.NetworkName
	if name == "" {
		name = defaultNetworkName
	}

	if _, err := r.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err != nil {
		if _, err := r.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
			return "", fmt.Errorf("create network %s: %w", name, err)
		}
		slog.Info("created docker network", "network", name)
	}
	r.network = name
	return name, nil
}

// kindDir is the per-kind persistent directory bound into every
// container of that kind. Its .claude subdirectory holds session state
// so resume tokens stay valid across invocations.
func (r *Runner) kindDir(kind string) (string, error) {
	dir := filepath.Join(r.cfg.Workspace, kind)
	if err := os.MkdirAll(filepath.Join(dir, ".claude"), 0o755); err != nil {
		return "", fmt.Errorf("create sandbox workspace: %w", err)
	}
	return dir, nil
}

func (r *Runner) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	netName, err := r.ensureNetwork(ctx)
	if err != nil {
		return nil, err
	}

	workDir, err := r.kindDir(req.Kind)
	if err != nil {
		return nil, err
	}
	absWork, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	containerName := fmt.Sprintf("angelia-run-%s", uuid.NewString()[:8])

	containerCfg := &dockercontainer.Config{
		Image:      r.cfg.Image,
		Cmd:        buildCommand(req),
		Env:        append([]string{}, req.Env...),
		WorkingDir: "/workspace",
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".kind":    req.Kind,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: []string{
			absWork + ":/workspace",
			filepath.Join(absWork, ".claude") + ":/root/.claude",
		},
		NetworkMode: dockercontainer.NetworkMode(netName),
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = r.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := r.copyAttachments(ctx, resp.ID, req.Attachments); err != nil {
		return nil, err
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	slog.Debug("sandbox container started", "kind", req.Kind, "container", resp.ID[:12])

	statusCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)

	var exitCode int64
	select {
	case <-ctx.Done():
		timeout := 5
		_ = r.docker.ContainerStop(context.WithoutCancel(ctx), resp.ID, dockercontainer.StopOptions{Timeout: &timeout})
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	stdout, stderr, err := r.collectLogs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		return nil, &orchestrator.ProcessError{
			Kind:   req.Kind,
			Stderr: truncate(stderr, 500),
			Err:    fmt.Errorf("container exited with status %d", exitCode),
		}
	}

	res, err := parseStream(req, stdout)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// buildCommand assembles the in-container agent CLI invocation. The
// prompt rides as the positional argument since there is no stdin
// attach on a detached container.
func buildCommand(req orchestrator.RunRequest) []string {
	command := req.Command
	if command == "" {
		command = "claude"
	}

	args := []string{command, "-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	} else if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	prompt := req.Prompt
	if len(req.Attachments) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nAttached files:")
		for _, path := range req.Attachments {
			b.WriteString("\n- /workspace/attachments/")
			b.WriteString(filepath.Base(path))
		}
		prompt = b.String()
	}

	return append(args, prompt)
}

// copyAttachments tars each attachment from the host and lands it
// under /workspace/attachments before the container starts.
func (r *Runner) copyAttachments(ctx context.Context, containerID string, attachments []string) error {
	for _, path := range attachments {
		tar, err := goarchive.TarWithOptions(filepath.Dir(path), &goarchive.TarOptions{
			IncludeFiles: []string{filepath.Base(path)},
		})
		if err != nil {
			return fmt.Errorf("tar attachment %s: %w", path, err)
		}
		err = r.docker.CopyToContainer(ctx, containerID, "/workspace/attachments", tar, dockercontainer.CopyToContainerOptions{})
		tar.Close()
		if err != nil {
			return fmt.Errorf("copy attachment %s: %w", path, err)
		}
	}
	return nil
}

func (r *Runner) collectLogs(ctx context.Context, containerID string) (string, string, error) {
	logs, err := r.docker.ContainerLogs(ctx, containerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// parseStream reads the claude stream-json events out of the container
// output. The session id from any event is the resume token; the
// result event carries the final reply.
func parseStream(req orchestrator.RunRequest, stdout string) (*orchestrator.RunResult, error) {
	res := &orchestrator.RunResult{ResumeToken: req.ResumeToken}

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lastAssistant string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		event, ok := decodeEvent(line)
		if !ok {
			continue
		}
		if event.SessionID != "" {
			res.ResumeToken = event.SessionID
		}
		switch event.Type {
		case "assistant":
			if text := event.assistantText(); text != "" {
				lastAssistant = text
			}
		case "result":
			if event.Result != "" {
				res.Reply = event.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &orchestrator.ProcessError{Kind: req.Kind, Err: fmt.Errorf("read stream: %w", err)}
	}

	if res.Reply == "" {
		res.Reply = lastAssistant
	}
	if res.Reply == "" {
		return nil, &orchestrator.ProcessError{Kind: req.Kind, Err: fmt.Errorf("stream ended without a result message")}
	}
	return res, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
