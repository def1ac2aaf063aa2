package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/dispatch"
	"github.com/mkosti/angelia/internal/media"
	"github.com/mkosti/angelia/internal/natsbus"
	"github.com/mkosti/angelia/internal/orchestrator"
	"github.com/mkosti/angelia/internal/outbox"
	"github.com/mkosti/angelia/internal/pool"
	"github.com/mkosti/angelia/internal/sandbox"
	"github.com/mkosti/angelia/internal/scheduler"
	"github.com/mkosti/angelia/internal/store"
	"github.com/mkosti/angelia/internal/tasks"
	"github.com/mkosti/angelia/internal/telegram"
	"github.com/mkosti/angelia/internal/terminal"
	"github.com/mkosti/angelia/internal/vault"
	"github.com/mkosti/angelia/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("angelia %s\n", version)
	case "gateway":
		err = runGateway()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "secret":
		err = runSecret(os.Args[2:])
	case "task":
		err = runTask(os.Args[2:])
	case "sandbox":
		err = runSandbox(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: angelia <command>

Commands:
  gateway    Start the chat gateway service
  backup     Archive the data directory to a tar.zst file
  restore    Restore a data directory from a tar.zst archive
  secret     Manage vault secrets
  task       Manage scheduled tasks
  sandbox    Build the sandbox agent image and clean up containers
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting angelia gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	resume, err := orchestrator.NewResumeStore(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("init resume store: %w", err)
	}

	terminals, err := terminal.NewRegistry(
		filepath.Join(cfg.State.Dir, "registry.json"),
		cfg.Orchestrator.DefaultKind,
		resume,
	)
	if err != nil {
		return fmt.Errorf("init terminal registry: %w", err)
	}

	ob, err := outbox.NewStore(cfg.Outbox.Dir)
	if err != nil {
		return fmt.Errorf("init outbox: %w", err)
	}
	if n, err := ob.RecoverProcessing(); err != nil {
		slog.Error("outbox recovery failed", "error", err)
	} else if n > 0 {
		slog.Warn("requeued stranded outbox envelopes", "count", n)
	}

	runners := orchestrator.NewRunners()
	if kindsUseProtocol(cfg.Orchestrator, "sandbox") {
		sb, err := sandbox.NewRunner(cfg.Sandbox)
		if err != nil {
			return fmt.Errorf("init sandbox runner: %w", err)
		}
		runners.Register("sandbox", sb)
		if err := sb.CleanupStale(ctx); err != nil {
			slog.Warn("sandbox cleanup failed", "error", err)
		}
	}

	env := os.Environ()
	if cfg.Vault.Passphrase != "" {
		secrets, err := vault.NewSecretStore(vault.New(cfg.Vault.Passphrase), cfg.Vault.Path)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		env = append(env, secrets.Env()...)
		slog.Info("vault secrets loaded", "count", len(secrets.List()))
	}

	factory := dispatch.NewSessionFactory(
		cfg.Orchestrator, terminals, runners, resume,
		orchestrator.DefaultRetryPolicy(), cfg.State.Dir, env,
	)
	sessions := pool.New(cfg.Pool, factory)
	go sessions.Run(ctx)

	tm := tasks.NewManager(db, runners, cfg.Orchestrator, cfg.Tasks)
	tm.SetEnv(env)
	if _, err := tm.Recover(); err != nil {
		slog.Error("task recovery failed", "error", err)
	}

	mediaStore, err := media.NewStore(cfg.State.MediaDir)
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}

	d := dispatch.NewDispatcher(cfg.Orchestrator, sessions, terminals, resume, tm, ob, db, nil)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		slog.Error("nats client failed, events disabled", "error", err)
	} else {
		defer events.Close()
		d.SetEvents(events)
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required for the gateway")
	}
	bot, err := telegram.NewBot(cfg.Telegram, d, mediaStore, db)
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}
	d.SetTransport(bot)
	go func() {
		if err := bot.Start(ctx); err != nil {
			slog.Error("telegram bot error", "error", err)
		}
	}()
	slog.Info("telegram bot started")

	od := outbox.NewDispatcher(ob, bot, cfg.Outbox.PollInterval, cfg.Outbox.MaxRetries)
	od.OnDelivered(func(e *outbox.Envelope) {
		if e.Text != "" {
			if err := db.Append(e.ChatID, e.Text, store.DirectionOutgoing); err != nil {
				slog.Error("append delivered envelope failed", "chat", e.ChatID, "error", err)
			}
		}
		if events != nil {
			_ = events.PublishJSON("events.outbox."+e.ID, map[string]any{
				"type": "delivered", "chat": e.ChatID, "envelope": e.ID,
			})
		}
	})
	go od.Run(ctx)

	sched := scheduler.New(db, tm, ob, cfg.Scheduler)
	if events != nil {
		sched.SetEvents(events)
	}
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, sessions, terminals, ob, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	bot.Stop()
	return nil
}

func kindsUseProtocol(cfg config.OrchestratorConfig, protocol string) bool {
	for _, kc := range cfg.Kinds {
		if kc.Protocol == protocol {
			return true
		}
	}
	return false
}
