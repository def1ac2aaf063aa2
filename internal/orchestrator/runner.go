package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// RunRequest describes one invocation of an external agent CLI. A fresh
// invocation carries SystemPrompt; a resumed one carries ResumeToken.
type RunRequest struct {
	Kind         string
	Command      string
	Model        string
	Prompt       string
	SystemPrompt string
	ResumeToken  string
	Attachments  []string
	WorkDir      string
	Env          []string
}

// RunResult is the parsed outcome of an agent run: the final assistant
// message plus any continuation token the process issued.
type RunResult struct {
	Reply       string
	ResumeToken string
}

// Runner spawns one agent process, parses its event stream, and
// returns the final message. Implementations differ only in CLI
// protocol.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ProcessError reports an agent process that exited non-zero or
// produced an unusable stream.
type ProcessError struct {
	Kind   string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent process %s: %v: %s", e.Kind, e.Err, e.Stderr)
	}
	return fmt.Sprintf("agent process %s: %v", e.Kind, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Runners maps a spawn protocol name to its runner. The sandboxed
// protocol registers itself at wiring time so this package stays free
// of container dependencies.
type Runners map[string]Runner

func NewRunners() Runners {
	return Runners{
		"claude": &ClaudeRunner{},
		"codex":  &CodexRunner{},
	}
}

func (r Runners) Register(protocol string, runner Runner) {
	r[protocol] = runner
}

func (r Runners) For(protocol string) (Runner, bool) {
	runner, ok := r[protocol]
	return runner, ok
}

// agent streams can carry large single-line JSON events
const streamBufSize = 4 * 1024 * 1024

// ClaudeRunner drives the claude CLI in non-interactive stream-json
// mode. The session id from the result event is the resume token.
type ClaudeRunner struct{}

func (r *ClaudeRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	} else if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, command(req, "claude"), args...)
	cmd.Dir = req.WorkDir
	cmd.Env = req.Env
	cmd.Stdin = strings.NewReader(promptWithAttachments(req))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	res := &RunResult{ResumeToken: req.ResumeToken}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), streamBufSize)

	var lastAssistant string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event struct {
			Type      string `json:"type"`
			Subtype   string `json:"subtype"`
			SessionID string `json:"session_id"`
			Result    string `json:"result"`
			Message   struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		if event.SessionID != "" {
			res.ResumeToken = event.SessionID
		}
		switch event.Type {
		case "assistant":
			var parts []string
			for _, c := range event.Message.Content {
				if c.Type == "text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				lastAssistant = strings.Join(parts, "\n")
			}
		case "result":
			if event.Result != "" {
				res.Reply = event.Result
			}
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{Kind: req.Kind, Stderr: truncateStderr(stderr.String()), Err: err}
	}
	if scanErr != nil {
		return nil, &ProcessError{Kind: req.Kind, Err: fmt.Errorf("read stream: %w", scanErr)}
	}

	if res.Reply == "" {
		res.Reply = lastAssistant
	}
	if res.Reply == "" {
		return nil, &ProcessError{Kind: req.Kind, Err: fmt.Errorf("stream ended without a result message")}
	}
	return res, nil
}

// CodexRunner drives the codex CLI in exec --json mode. The thread id
// from the thread.started event is the resume token; resumed runs use
// the exec resume subcommand.
type CodexRunner struct{}

func (r *CodexRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if req.ResumeToken != "" {
		args = []string{"exec", "resume", req.ResumeToken, "--json", "--skip-git-repo-check"}
	}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}

	prompt := promptWithAttachments(req)
	if req.ResumeToken == "" && req.SystemPrompt != "" {
		// codex exec has no system-prompt flag; prepend it.
		prompt = req.SystemPrompt + "\n\n" + prompt
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, command(req, "codex"), args...)
	cmd.Dir = req.WorkDir
	cmd.Env = req.Env
	cmd.Stdin = strings.NewReader(prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	res := &RunResult{ResumeToken: req.ResumeToken}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), streamBufSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event struct {
			Type     string `json:"type"`
			ThreadID string `json:"thread_id"`
			Item     struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "thread.started":
			if event.ThreadID != "" {
				res.ResumeToken = event.ThreadID
			}
		case "item.completed":
			if event.Item.Type == "agent_message" && event.Item.Text != "" {
				res.Reply = event.Item.Text
			}
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{Kind: req.Kind, Stderr: truncateStderr(stderr.String()), Err: err}
	}
	if scanErr != nil {
		return nil, &ProcessError{Kind: req.Kind, Err: fmt.Errorf("read stream: %w", scanErr)}
	}
	if res.Reply == "" {
		return nil, &ProcessError{Kind: req.Kind, Err: fmt.Errorf("stream ended without an agent message")}
	}
	return res, nil
}

func command(req RunRequest, fallback string) string {
	if req.Command != "" {
		return req.Command
	}
	return fallback
}

func promptWithAttachments(req RunRequest) string {
	if len(req.Attachments) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nAttached files:")
	for _, path := range req.Attachments {
		b.WriteString("\n- ")
		b.WriteString(path)
	}
	return b.String()
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
