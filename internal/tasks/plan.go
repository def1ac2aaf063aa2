package tasks

import (
	"encoding/json"
	"strings"
)

const (
	planOpen  = "<task>"
	planClose = "</task>"
)

// Plan is the structured block an agent embeds in a reply to request a
// background run. A non-empty Schedule makes it recurring instead of
// immediate.
type Plan struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Kind        string `json:"kind,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
}

// ExtractPlan pulls the first well-formed task block out of an agent
// reply. Returns the plan, the reply with the block removed, and
// whether a plan was found. A malformed block is left in place and
// ignored.
func ExtractPlan(reply string) (*Plan, string, bool) {
	start := strings.Index(reply, planOpen)
	if start < 0 {
		return nil, reply, false
	}
	end := strings.Index(reply[start:], planClose)
	if end < 0 {
		return nil, reply, false
	}
	end += start

	body := reply[start+len(planOpen) : end]
	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &plan); err != nil {
		return nil, reply, false
	}
	if plan.Prompt == "" {
		return nil, reply, false
	}
	if plan.Description == "" {
		plan.Description = firstLine(plan.Prompt)
	}

	remaining := strings.TrimSpace(reply[:start] + reply[end+len(planClose):])
	return &plan, remaining, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.TrimSpace(s)
}
