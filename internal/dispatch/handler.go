package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mkosti/angelia/internal/commands"
	"github.com/mkosti/angelia/internal/store"
	"github.com/mkosti/angelia/internal/terminal"
)

const handoffMessages = 5

// HandleCommand executes a control command immediately, bypassing the
// queue. Commands only mutate registries; a busy session is never
// touched, so they are safe to run while a job is in flight.
func (d *Dispatcher) HandleCommand(chatID string, cmd commands.Command) string {
	if !cmd.Known() {
		return "Unknown command. " + d.helpText()
	}

	switch cmd.Name {
	case "help":
		return d.helpText()
	case "new":
		return d.cmdNew(chatID, cmd.Arg(0))
	case "list":
		return d.cmdList(chatID)
	case "change":
		return d.cmdChange(chatID, cmd.Arg(0))
	case "rename":
		return d.cmdRename(chatID, cmd.Arg(0), cmd.Rest(1))
	case "delete":
		return d.cmdDelete(chatID, cmd.Arg(0))
	case "switch":
		return d.cmdSwitch(chatID, cmd.Arg(0))
	case "kinds":
		return d.cmdKinds()
	case "reset":
		return d.cmdReset(chatID)
	case "status":
		return d.cmdStatus(chatID)
	case "history":
		return d.cmdHistory(chatID)
	case "tasks":
		return d.cmdTasks(chatID)
	}
	return d.helpText()
}

func (d *Dispatcher) helpText() string {
	return strings.Join([]string{
		"Commands:",
		"!!new [kind] - create a terminal",
		"!!list - list terminals",
		"!!change <key> - switch terminal",
		"!!rename <key> <label> - label a terminal",
		"!!delete <key> - delete a terminal",
		"!!switch [kind] - switch orchestrator",
		"!!kinds - list orchestrator kinds",
		"!!reset - start a fresh conversation",
		"!!status - session status",
		"!!history - recent messages",
		"!!tasks - background tasks",
	}, "\n")
}

func (d *Dispatcher) cmdNew(chatID, kind string) string {
	if kind != "" {
		if _, ok := d.cfg.Kinds[strings.ToLower(kind)]; !ok {
			return fmt.Sprintf("Unknown kind %q. %s", kind, d.cmdKinds())
		}
		kind = strings.ToLower(kind)
	}
	key, err := d.terminals.New(chatID, kind)
	if err != nil {
		slog.Error("create terminal failed", "chat", chatID, "error", err)
		return "Could not create the terminal."
	}
	_, activeKind := d.terminals.Active(chatID)
	return fmt.Sprintf("Created terminal %s (%s). It becomes live with your next message.", key, activeKind)
}

func (d *Dispatcher) cmdList(chatID string) string {
	entries := d.terminals.List(chatID)
	var b strings.Builder
	b.WriteString("Terminals:")
	for _, e := range entries {
		marker := " "
		if e.Active {
			marker = "*"
		}
		label := e.Terminal.Label
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Fprintf(&b, "\n%s %s  %s  %s", marker, e.Key, e.Terminal.Orchestrator, label)
	}
	return b.String()
}

func (d *Dispatcher) cmdChange(chatID, key string) string {
	if key == "" {
		return "Usage: !!change <key>"
	}
	if err := d.terminals.Change(chatID, key); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			return fmt.Sprintf("No terminal %q. Use !!list.", key)
		}
		slog.Error("change terminal failed", "chat", chatID, "error", err)
		return "Could not switch terminals."
	}
	return fmt.Sprintf("Active terminal is now %s. It becomes live with your next message.", key)
}

func (d *Dispatcher) cmdRename(chatID, key, label string) string {
	if key == "" || label == "" {
		return "Usage: !!rename <key> <label>"
	}
	if err := d.terminals.Rename(chatID, key, label); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			return fmt.Sprintf("No terminal %q. Use !!list.", key)
		}
		return "Could not rename the terminal."
	}
	return fmt.Sprintf("Renamed %s to %q.", key, label)
}

func (d *Dispatcher) cmdDelete(chatID, key string) string {
	if key == "" {
		return "Usage: !!delete <key>"
	}
	err := d.terminals.Delete(chatID, key)
	switch {
	case err == nil:
		return fmt.Sprintf("Deleted terminal %s.", key)
	case errors.Is(err, terminal.ErrActiveTerminal):
		return "Cannot delete the active terminal. Switch away first with !!change."
	case errors.Is(err, terminal.ErrNotFound):
		return fmt.Sprintf("No terminal %q. Use !!list.", key)
	default:
		return "Could not delete the terminal."
	}
}

// cmdSwitch performs the orchestrator handoff: end the live session,
// start the target kind clean, and stage a handoff note built from the
// most recent user messages so the new backend has continuity.
func (d *Dispatcher) cmdSwitch(chatID, kind string) string {
	_, current := d.terminals.Active(chatID)

	target := strings.ToLower(kind)
	if target == "" {
		target = d.nextKind(current)
	}
	if _, ok := d.cfg.Kinds[target]; !ok {
		return fmt.Sprintf("Unknown kind %q. %s", kind, d.cmdKinds())
	}
	if target == current {
		return fmt.Sprintf("Already on %s.", current)
	}

	d.pool.End(chatID)

	// A clean start: never silently resume the target kind's stale
	// unrelated history.
	if err := d.resume.Clear(target, chatID); err != nil {
		slog.Error("clear resume token failed", "chat", chatID, "kind", target, "error", err)
	}

	if note := d.handoffNote(chatID); note != "" {
		d.terminals.SetPendingNote(chatID, note)
	}
	if err := d.terminals.SetKind(chatID, target); err != nil {
		slog.Error("set terminal kind failed", "chat", chatID, "error", err)
		return "Could not switch orchestrators."
	}

	return fmt.Sprintf("Switched from %s to %s. Your next message starts the new agent with a summary of recent context.", current, target)
}

// handoffNote builds a bounded chronological excerpt of the user's
// most recent messages for the incoming backend.
func (d *Dispatcher) handoffNote(chatID string) string {
	msgs, err := d.store.GetRecentIncoming(chatID, handoffMessages)
	if err != nil {
		slog.Warn("build handoff note failed", "chat", chatID, "error", err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("[Handoff from a previous assistant. Recent user messages, oldest first:]")
	for _, m := range msgs {
		b.WriteString("\n- ")
		b.WriteString(truncate(m.Content, 300))
	}
	return b.String()
}

func (d *Dispatcher) nextKind(current string) string {
	kinds := d.kindNames()
	for i, k := range kinds {
		if k == current {
			return kinds[(i+1)%len(kinds)]
		}
	}
	return d.cfg.DefaultKind
}

func (d *Dispatcher) kindNames() []string {
	kinds := make([]string, 0, len(d.cfg.Kinds))
	for k := range d.cfg.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (d *Dispatcher) cmdKinds() string {
	return "Available kinds: " + strings.Join(d.kindNames(), ", ")
}

func (d *Dispatcher) cmdReset(chatID string) string {
	_, kind := d.terminals.Active(chatID)
	d.pool.End(chatID)
	if err := d.resume.Clear(kind, chatID); err != nil {
		slog.Error("clear resume token failed", "chat", chatID, "kind", kind, "error", err)
		return "Could not reset the conversation."
	}
	return "Conversation reset. Your next message starts fresh."
}

func (d *Dispatcher) cmdStatus(chatID string) string {
	key, kind := d.terminals.Active(chatID)
	running, err := d.store.CountRunningTasks(chatID)
	if err != nil {
		running = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Terminal: %s (%s)", key, kind)
	if s := d.pool.Get(chatID); s != nil {
		fmt.Fprintf(&b, "\nSession: %s, %d messages, last active %s", s.State(), s.MessageCount(), s.LastActivity().Format("15:04:05"))
	} else {
		b.WriteString("\nSession: none (starts with your next message)")
	}
	fmt.Fprintf(&b, "\nQueued jobs: %d", d.QueueLen(chatID))
	fmt.Fprintf(&b, "\nRunning background tasks: %d", running)
	return b.String()
}

func (d *Dispatcher) cmdHistory(chatID string) string {
	msgs, err := d.store.GetRecent(chatID, 10)
	if err != nil || len(msgs) == 0 {
		return "No recent messages."
	}

	var b strings.Builder
	b.WriteString("Recent messages:")
	for _, m := range msgs {
		who := "you"
		if m.Direction == store.DirectionOutgoing {
			who = "agent"
		}
		fmt.Fprintf(&b, "\n[%s] %s: %s", m.CreatedAt.Format("15:04"), who, truncate(m.Content, 80))
	}
	return b.String()
}

func (d *Dispatcher) cmdTasks(chatID string) string {
	list, err := d.tasks.List(chatID, 10)
	if err != nil {
		return "Could not list tasks."
	}
	if len(list) == 0 {
		return "No background tasks."
	}

	var b strings.Builder
	b.WriteString("Background tasks:")
	for _, t := range list {
		desc := t.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "\n%s  %s  %s", t.CreatedAt.Format("Jan 2 15:04"), t.Status, desc)
	}
	return b.String()
}

// truncate cuts s to at most n runes, never splitting a multi-byte
// character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
