// Package media stores chat attachments on disk so agent processes
// can reference them by path.
package media

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes an attachment under the chat's media dir and returns the
// path and sniffed mime type. Filenames are prefixed with a timestamp
// and short id so repeated uploads never collide.
func (s *Store) Save(chatID, name string, data []byte) (string, string, error) {
	dir := filepath.Join(s.dir, sanitize(chatID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create chat media dir: %w", err)
	}

	mime := http.DetectContentType(data)
	filename := fmt.Sprintf("%s-%s-%s", time.Now().Format("20060102-150405"), uuid.New().String()[:8], sanitize(name))
	path := filepath.Join(dir, filename)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write attachment: %w", err)
	}
	return path, mime, nil
}

// sanitize keeps filenames shell and path safe.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, "._") == "" {
		return "file"
	}
	return out
}
