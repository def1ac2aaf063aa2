// Package commands parses the !!-prefixed control surface. Control
// commands bypass the dispatch queue: they only mutate registries and
// never touch a busy session.
package commands

import "strings"

const prefix = "!!"

// Command is a parsed control command. Name is canonical lowercase.
type Command struct {
	Name string
	Args []string
}

// known command names; anything else parses but is rejected upstream
// with a help reply.
var known = map[string]bool{
	"new":     true,
	"list":    true,
	"change":  true,
	"rename":  true,
	"delete":  true,
	"switch":  true,
	"kinds":   true,
	"reset":   true,
	"status":  true,
	"history": true,
	"tasks":   true,
	"help":    true,
}

// Parse returns the command in text, or ok=false for ordinary
// messages. Matching is case-insensitive.
func Parse(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, prefix) {
		return Command{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(trimmed, prefix))
	if len(fields) == 0 {
		return Command{Name: "help"}, true
	}

	return Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
	}, true
}

// Known reports whether the command name is part of the control
// surface.
func (c Command) Known() bool {
	return known[c.Name]
}

// Arg returns the i-th argument or empty.
func (c Command) Arg(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Rest joins the arguments from i on, for free-text values like
// terminal labels.
func (c Command) Rest(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[i:], " ")
}
