package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/mkosti/angelia/internal/config"
	"github.com/mkosti/angelia/internal/schedule"
	"github.com/mkosti/angelia/internal/store"
)

// runTask manages scheduled tasks against the store directly. The
// gateway's scheduler picks changes up on its next poll, so no IPC is
// needed while it runs.
func runTask(args []string) error {
	if len(args) == 0 {
		printTaskUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "create":
		return taskCreate(db, cfg, parseFlags(args[1:]))
	case "list":
		return taskList(db)
	case "delete":
		return taskDelete(db, parseFlags(args[1:]))
	case "pause":
		return taskSetStatus(db, parseFlags(args[1:]), "paused")
	case "resume":
		return taskSetStatus(db, parseFlags(args[1:]), "active")
	default:
		printTaskUsage()
		return fmt.Errorf("unknown task command: %s", args[0])
	}
}

func printTaskUsage() {
	fmt.Fprintf(os.Stderr, `Usage: angelia task <command>

Commands:
  create --owner <chat> --name <name> --schedule <expr> --prompt <text> [--kind <kind>]
  list
  delete --id <id>
  pause --id <id>
  resume --id <id>

Schedules accept a cron expression ("0 9 * * *") or a JSON object
({"kind":"interval","interval_ms":3600000}). Results are delivered to
the owner chat through the outbox.
`)
}

func taskCreate(db *store.Store, cfg *config.Config, flags map[string]string) error {
	for _, required := range []string{"owner", "name", "schedule", "prompt"} {
		if flags[required] == "" {
			return fmt.Errorf("--%s is required", required)
		}
	}

	normalized, err := schedule.Normalize(flags["schedule"])
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	next := schedule.NextRun(normalized)
	if next == nil {
		return fmt.Errorf("schedule %q never fires", flags["schedule"])
	}

	kind := flags["kind"]
	if kind == "" {
		kind = cfg.Orchestrator.DefaultKind
	}
	if _, ok := cfg.Orchestrator.Kinds[kind]; !ok {
		return fmt.Errorf("unknown orchestrator kind: %s", kind)
	}

	task := &store.ScheduledTask{
		ID:        uuid.NewString(),
		Owner:     flags["owner"],
		Name:      flags["name"],
		Schedule:  normalized,
		Prompt:    flags["prompt"],
		Kind:      kind,
		Status:    "active",
		NextRunAt: next,
	}
	if err := db.SaveScheduledTask(task); err != nil {
		return fmt.Errorf("save scheduled task: %w", err)
	}

	fmt.Printf("Task created: %s (next run %s)\n", task.ID, next.Format(time.RFC3339))
	return nil
}

func taskList(db *store.Store) error {
	list, err := db.ListScheduledTasks()
	if err != nil {
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tOWNER\tNAME\tSCHEDULE\tNEXT RUN")
	for _, t := range list {
		next := "-"
		if t.NextRunAt != nil {
			next = t.NextRunAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Owner, t.Name, schedule.Format(t.Schedule), next)
	}
	return w.Flush()
}

func taskDelete(db *store.Store, flags map[string]string) error {
	if flags["id"] == "" {
		return fmt.Errorf("--id is required")
	}
	if err := db.DeleteScheduledTask(flags["id"]); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	fmt.Println("Task deleted.")
	return nil
}

func taskSetStatus(db *store.Store, flags map[string]string, status string) error {
	if flags["id"] == "" {
		return fmt.Errorf("--id is required")
	}
	if _, err := db.GetScheduledTask(flags["id"]); err != nil {
		return err
	}
	if err := db.UpdateScheduledTaskStatus(flags["id"], status); err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	fmt.Printf("Task %s.\n", status)
	return nil
}

// parseFlags reads "--key value" pairs; anything else is ignored.
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			flags[args[i][2:]] = args[i+1]
			i++
		}
	}
	return flags
}
