package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/sandbox"
)

// runSandbox manages the docker side of the sandboxed orchestrator
// kind: building the agent image and sweeping leftover containers.
func runSandbox(args []string) error {
	if len(args) == 0 {
		printSandboxUsage()
		return nil
	}

	switch args[0] {
	case "build":
		return sandboxBuild(parseFlags(args[1:]))
	case "cleanup":
		return sandboxCleanup()
	default:
		printSandboxUsage()
		return fmt.Errorf("unknown sandbox command: %s", args[0])
	}
}

func printSandboxUsage() {
	fmt.Fprintf(os.Stderr, `Usage: angelia sandbox <command>

Commands:
  build [--context <dir>]  Build the agent image from Dockerfile.agent
  cleanup                  Remove leftover sandbox containers

The build context defaults to the current directory and must contain
Dockerfile.agent.
`)
}

func sandboxBuild(flags map[string]string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runner, err := sandbox.NewRunner(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox runner: %w", err)
	}

	contextDir := flags["context"]
	if contextDir == "" {
		contextDir = "."
	}
	if _, err := os.Stat(contextDir); err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	if err := runner.BuildImage(context.Background(), contextDir); err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	fmt.Printf("Image built: %s\n", cfg.Sandbox.Image)
	return nil
}

func sandboxCleanup() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runner, err := sandbox.NewRunner(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox runner: %w", err)
	}
	return runner.CleanupStale(context.Background())
}
