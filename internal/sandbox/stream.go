package sandbox

import (
	"encoding/json"
	"strings"
)

type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func decodeEvent(line []byte) (*streamEvent, bool) {
	var e streamEvent
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (e *streamEvent) assistantText() string {
	var parts []string
	for _, c := range e.Message.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
