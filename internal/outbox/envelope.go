package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const envelopeVersion = 1

// Envelope types. A "final" envelope carries the answer to a request; the
// others are progress or side-channel traffic.
const (
	TypeStart    = "start"
	TypeProgress = "progress"
	TypeFinal    = "final"
	TypeError    = "error"
	TypeInfo     = "info"
	TypeMedia    = "media"
)

// Envelope is one message destined for a chat. Producers include the
// foreground pipeline, detached background tasks and the agent process
// itself; none of them hold a transport handle, so the envelope is the
// only path back to the user.
type Envelope struct {
	Version   int            `json:"version"`
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	ChatID    string         `json:"chatId"`
	RequestID string         `json:"requestId,omitempty"`
	Kind      string         `json:"orchestratorKind"`
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	FilePath  string         `json:"filePath,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func validTypes() map[string]bool {
	return map[string]bool{
		TypeStart:    true,
		TypeProgress: true,
		TypeFinal:    true,
		TypeError:    true,
		TypeInfo:     true,
		TypeMedia:    true,
	}
}

// Validate checks the required fields. A media envelope needs a file path;
// every other type needs text.
func (e *Envelope) Validate() error {
	if e.ChatID == "" {
		return fmt.Errorf("envelope missing chatId")
	}
	if !validTypes()[e.Type] {
		return fmt.Errorf("envelope has unknown type %q", e.Type)
	}
	if e.Type == TypeMedia {
		if e.FilePath == "" {
			return fmt.Errorf("media envelope missing filePath")
		}
	} else if e.Text == "" {
		return fmt.Errorf("envelope missing text")
	}
	return nil
}

// Attempt reads the delivery attempt count from meta.
func (e *Envelope) Attempt() int {
	if e.Meta == nil {
		return 0
	}
	switch v := e.Meta["attempt"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// NextAttemptAt reads the earliest delivery time for a retried envelope.
// Zero time means deliver immediately.
func (e *Envelope) NextAttemptAt() time.Time {
	if e.Meta == nil {
		return time.Time{}
	}
	s, ok := e.Meta["nextAttemptAt"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// requestToken derives the filename token for a request id: the first 8
// characters with anything filename-hostile stripped.
func requestToken(requestID string) string {
	if requestID == "" {
		return "noreq"
	}
	var b strings.Builder
	for _, r := range requestID {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		if b.Len() >= 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "noreq"
	}
	return b.String()
}
