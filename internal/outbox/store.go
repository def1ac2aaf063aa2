package outbox

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	dirPending    = "pending"
	dirProcessing = "processing"
	dirProcessed  = "processed"
	dirFailed     = "failed"
)

// Store is the durable at-least-once queue backing all asynchronous
// delivery. Every envelope lives in exactly one of pending, processing,
// processed or failed; atomic rename is the only state transition, so a
// rename that fails because the source vanished means another claimant
// won, never a corrupt state.
type Store struct {
	root string
	seq  atomic.Uint64
}

func NewStore(root string) (*Store, error) {
	for _, d := range []string{dirPending, dirProcessing, dirProcessed, dirFailed} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir %s: %w", d, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) PendingDir() string {
	return filepath.Join(s.root, dirPending)
}

// Write validates the envelope, fills defaults and persists it to pending
// via temp-file-then-rename. Returns the pending path.
func (s *Store) Write(e *Envelope) (string, error) {
	if e.Version == 0 {
		e.Version = envelopeVersion
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	name := s.filename(e)
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, dirPending), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp envelope: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write envelope: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close envelope: %w", err)
	}

	dst := filepath.Join(s.root, dirPending, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish envelope: %w", err)
	}
	return dst, nil
}

// filename builds a monotonically ordered name so lexicographic listing
// approximates causal order: epochMs, sequence, request token, type, random.
func (s *Store) filename(e *Envelope) string {
	seq := s.seq.Add(1) % 100000
	var rnd [2]byte
	_, _ = rand.Read(rnd[:])
	return fmt.Sprintf("%013d-%05d-%s-%s-%s.json",
		e.CreatedAt.UnixMilli(), seq, requestToken(e.RequestID), e.Type, hex.EncodeToString(rnd[:]))
}

// ListPending returns pending envelope filenames in name order, skipping
// in-flight temp files.
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Claim moves a pending envelope into processing under a claimant-scoped
// name. The rename is the lock: if the source is already gone another run
// claimed it and ok is false.
func (s *Store) Claim(name, claimant string) (string, bool, error) {
	src := filepath.Join(s.root, dirPending, name)
	dst := filepath.Join(s.root, dirProcessing, claimant+"-"+name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("claim envelope: %w", err)
	}
	return dst, true, nil
}

// MarkProcessed archives a claimed envelope.
func (s *Store) MarkProcessed(claimedPath, name string) error {
	dst := filepath.Join(s.root, dirProcessed, fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), name))
	if err := os.Rename(claimedPath, dst); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Requeue writes a retry copy with an incremented attempt count and a
// not-before time, then discards the claimed file.
func (s *Store) Requeue(claimedPath string, e *Envelope, nextAttemptAt time.Time) error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta["attempt"] = e.Attempt() + 1
	e.Meta["nextAttemptAt"] = nextAttemptAt.UTC().Format(time.RFC3339)

	if _, err := s.Write(e); err != nil {
		return fmt.Errorf("requeue envelope: %w", err)
	}
	if err := os.Remove(claimedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claimed envelope: %w", err)
	}
	return nil
}

// Release puts a claimed envelope back into pending without touching its
// attempt count. Used when a retried envelope is claimed before it is due.
func (s *Store) Release(claimedPath string, e *Envelope) error {
	if _, err := s.Write(e); err != nil {
		return fmt.Errorf("release envelope: %w", err)
	}
	if err := os.Remove(claimedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claimed envelope: %w", err)
	}
	return nil
}

// FailureRecord wraps a quarantined envelope with its failure metadata.
type FailureRecord struct {
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
	Error    string    `json:"error"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Raw      string    `json:"raw,omitempty"`
}

// Quarantine moves a claimed envelope to failed, wrapping it in a failure
// record. Poison messages end here; they are never retried.
func (s *Store) Quarantine(claimedPath, name, reason string, cause error, e *Envelope, raw []byte) error {
	rec := FailureRecord{
		FailedAt: time.Now().UTC(),
		Reason:   reason,
		Envelope: e,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if e == nil && len(raw) > 0 {
		rec.Raw = string(raw)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}

	dst := filepath.Join(s.root, dirFailed, fmt.Sprintf("%013d-%s.failed.json", time.Now().UnixMilli(), name))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write failure record: %w", err)
	}
	if err := os.Remove(claimedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claimed envelope: %w", err)
	}
	return nil
}

// Counts reports how many envelopes sit in each state.
func (s *Store) Counts() (pending, processed, failed int, err error) {
	count := func(dir string) (int, error) {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return 0, err
		}
		n := 0
		for _, entry := range entries {
			if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				n++
			}
		}
		return n, nil
	}
	if pending, err = count(dirPending); err != nil {
		return 0, 0, 0, fmt.Errorf("count pending: %w", err)
	}
	if processed, err = count(dirProcessed); err != nil {
		return 0, 0, 0, fmt.Errorf("count processed: %w", err)
	}
	if failed, err = count(dirFailed); err != nil {
		return 0, 0, 0, fmt.Errorf("count failed: %w", err)
	}
	return pending, processed, failed, nil
}

// RecoverProcessing requeues orphaned processing files left behind by a
// crashed run. Called once on startup before the dispatcher starts.
func (s *Store) RecoverProcessing() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dirProcessing))
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(s.root, dirProcessing, entry.Name())
		// Strip the claimant prefix: <claimant>-<original name>.
		name := entry.Name()
		if idx := strings.Index(name, "-"); idx >= 0 && idx+1 < len(name) {
			name = name[idx+1:]
		}
		dst := filepath.Join(s.root, dirPending, name)
		if err := os.Rename(src, dst); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", entry.Name(), err)
		}
		recovered++
	}
	return recovered, nil
}
