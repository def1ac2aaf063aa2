package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the sandbox agent image from Dockerfile.agent in
// contextDir.
func (r *Runner) BuildImage(ctx context.Context, contextDir string) error {
	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := r.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{r.cfg.Image},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("sandbox image built", "image", r.cfg.Image)
	return nil
}

// CleanupStale force-removes leftover sandbox containers from a
// previous run. Every run container is ephemeral, so anything carrying
// the managed label at startup is stale.
func (r *Runner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	for _, c := range containers {
		slog.Info("removing stale sandbox container", "container", c.ID[:12])
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}
