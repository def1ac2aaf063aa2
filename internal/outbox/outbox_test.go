package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeTransport struct {
	failures  int
	permanent bool
	delivered []Envelope
	calls     int
}

type fakeSendError struct {
	retryable bool
}

func (e *fakeSendError) Error() string   { return "send failed" }
func (e *fakeSendError) Retryable() bool { return e.retryable }

func (f *fakeTransport) Deliver(_ context.Context, chatID, text string) error {
	f.calls++
	if f.permanent {
		return &fakeSendError{retryable: false}
	}
	if f.failures > 0 {
		f.failures--
		return &fakeSendError{retryable: true}
	}
	f.delivered = append(f.delivered, Envelope{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTransport) DeliverFile(_ context.Context, chatID, filePath, caption string) error {
	f.calls++
	f.delivered = append(f.delivered, Envelope{ChatID: chatID, FilePath: filePath, Text: caption})
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

// drain runs pending passes until the store is quiet, skipping past
// retry backoff by rewriting nextAttemptAt.
func drain(t *testing.T, s *Store, d *Dispatcher, passes int) {
	t.Helper()
	for i := 0; i < passes; i++ {
		clearBackoff(t, s)
		if err := d.ProcessPending(context.Background()); err != nil {
			t.Fatalf("process pending: %v", err)
		}
	}
}

func clearBackoff(t *testing.T, s *Store) {
	t.Helper()
	names, err := s.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, name := range names {
		path := filepath.Join(s.PendingDir(), name)
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read pending: %v", err)
		}
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.Meta == nil {
			continue
		}
		delete(e.Meta, "nextAttemptAt")
		data, _ := json.Marshal(&e)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("rewrite pending: %v", err)
		}
	}
}

func TestWriteValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"valid final", Envelope{ChatID: "c1", Type: TypeFinal, Text: "done"}, false},
		{"missing chat", Envelope{Type: TypeFinal, Text: "done"}, true},
		{"missing text", Envelope{ChatID: "c1", Type: TypeInfo}, true},
		{"unknown type", Envelope{ChatID: "c1", Type: "bogus", Text: "x"}, true},
		{"media needs path", Envelope{ChatID: "c1", Type: TypeMedia, Text: "caption"}, true},
		{"media with path", Envelope{ChatID: "c1", Type: TypeMedia, FilePath: "/tmp/x.jpg"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env
			_, err := s.Write(&env)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteFillsDefaults(t *testing.T) {
	s := newTestStore(t)

	env := &Envelope{ChatID: "c1", Type: TypeFinal, Text: "hello"}
	path, err := s.Write(env)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if env.ID == "" {
		t.Error("expected id to be assigned")
	}
	if env.Version != envelopeVersion {
		t.Errorf("expected version %d, got %d", envelopeVersion, env.Version)
	}
	if env.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected pending file to exist: %v", err)
	}
}

func TestFilenameOrdering(t *testing.T) {
	s := newTestStore(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		env := &Envelope{
			ChatID:    "c1",
			Type:      TypeProgress,
			Text:      fmt.Sprintf("step %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			RequestID: "req-42",
		}
		if _, err := s.Write(env); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	names, err := s.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(names) != 5 {
		t.Fatalf("expected 5 pending, got %d", len(names))
	}
	for i, name := range names {
		path := filepath.Join(s.PendingDir(), name)
		raw, _ := os.ReadFile(path)
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if want := fmt.Sprintf("step %d", i); e.Text != want {
			t.Errorf("position %d: expected %q, got %q", i, want, e.Text)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{}
	d := NewDispatcher(s, tr, time.Second, 3)

	if _, err := s.Write(&Envelope{ChatID: "c1", Type: TypeFinal, Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := d.ProcessPending(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(tr.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(tr.delivered))
	}
	if tr.delivered[0].ChatID != "c1" || tr.delivered[0].Text != "hello" {
		t.Errorf("unexpected delivery: %+v", tr.delivered[0])
	}

	pending, processed, failed, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 0 || processed != 1 || failed != 0 {
		t.Errorf("expected 0/1/0, got %d/%d/%d", pending, processed, failed)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{failures: 2} // maxRetries-1 failures
	d := NewDispatcher(s, tr, time.Second, 3)

	if _, err := s.Write(&Envelope{ChatID: "c1", Type: TypeFinal, Text: "eventually"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	drain(t, s, d, 4)

	pending, processed, failed, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 0 || processed != 1 || failed != 0 {
		t.Errorf("expected 0/1/0, got %d/%d/%d", pending, processed, failed)
	}
	if len(tr.delivered) != 1 {
		t.Errorf("expected 1 delivery, got %d", len(tr.delivered))
	}
}

func TestRetryExhaustion(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{failures: 100}
	d := NewDispatcher(s, tr, time.Second, 3)

	if _, err := s.Write(&Envelope{ChatID: "c1", Type: TypeFinal, Text: "doomed"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	drain(t, s, d, 5)

	pending, processed, failed, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if pending != 0 || processed != 0 || failed != 1 {
		t.Errorf("expected 0/0/1, got %d/%d/%d", pending, processed, failed)
	}

	// Failure record must carry the delivery error.
	entries, _ := os.ReadDir(filepath.Join(s.Root(), dirFailed))
	if len(entries) != 1 {
		t.Fatalf("expected 1 failed file, got %d", len(entries))
	}
	raw, _ := os.ReadFile(filepath.Join(s.Root(), dirFailed, entries[0].Name()))
	var rec FailureRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("parse failure record: %v", err)
	}
	if rec.Reason != quarantineMaxRetries {
		t.Errorf("expected reason %q, got %q", quarantineMaxRetries, rec.Reason)
	}
	if rec.Error == "" {
		t.Error("expected error to be populated")
	}
	if rec.Envelope == nil || rec.Envelope.Text != "doomed" {
		t.Error("expected wrapped envelope")
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{permanent: true}
	d := NewDispatcher(s, tr, time.Second, 3)

	if _, err := s.Write(&Envelope{ChatID: "gone", Type: TypeFinal, Text: "no such chat"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := d.ProcessPending(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if tr.calls != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", tr.calls)
	}
	_, _, failed, _ := s.Counts()
	if failed != 1 {
		t.Errorf("expected 1 failed, got %d", failed)
	}
}

func TestMalformedQuarantinedWithoutRetry(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{}
	d := NewDispatcher(s, tr, time.Second, 3)

	bad := filepath.Join(s.PendingDir(), "0000000000000-00001-noreq-final-dead.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.ProcessPending(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if tr.calls != 0 {
		t.Errorf("expected no delivery attempts, got %d", tr.calls)
	}
	pending, _, failed, _ := s.Counts()
	if pending != 0 || failed != 1 {
		t.Errorf("expected 0 pending / 1 failed, got %d/%d", pending, failed)
	}

	entries, _ := os.ReadDir(filepath.Join(s.Root(), dirFailed))
	raw, _ := os.ReadFile(filepath.Join(s.Root(), dirFailed, entries[0].Name()))
	var rec FailureRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("parse failure record: %v", err)
	}
	if rec.Raw == "" {
		t.Error("expected raw payload preserved for malformed envelope")
	}
}

func TestClaimConflictIsNoOp(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Write(&Envelope{ChatID: "c1", Type: TypeFinal, Text: "x"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	name := filepath.Base(path)

	if _, ok, err := s.Claim(name, "aaaa"); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	// Second claim loses the rename race: no error, not claimed.
	if _, ok, err := s.Claim(name, "bbbb"); err != nil {
		t.Fatalf("second claim errored: %v", err)
	} else if ok {
		t.Error("expected second claim to lose")
	}
}

func TestMediaDelivery(t *testing.T) {
	s := newTestStore(t)
	tr := &fakeTransport{}
	d := NewDispatcher(s, tr, time.Second, 3)

	if _, err := s.Write(&Envelope{ChatID: "c1", Type: TypeMedia, FilePath: "/data/media/pic.jpg", Text: "a picture"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.ProcessPending(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(tr.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(tr.delivered))
	}
	if tr.delivered[0].FilePath != "/data/media/pic.jpg" {
		t.Errorf("unexpected file path %q", tr.delivered[0].FilePath)
	}
}

func TestRecoverProcessing(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Write(&Envelope{ChatID: "c1", Type: TypeFinal, Text: "orphan"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	name := filepath.Base(path)
	if _, ok, err := s.Claim(name, "deadbeef"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Simulate a crashed run: processing file left behind.
	n, err := s.RecoverProcessing()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered, got %d", n)
	}

	names, _ := s.ListPending()
	if len(names) != 1 {
		t.Fatalf("expected 1 pending after recovery, got %d", len(names))
	}
	if names[0] != name {
		t.Errorf("expected original name %q restored, got %q", name, names[0])
	}
}

func TestRetryableClassification(t *testing.T) {
	if !isRetryable(errors.New("plain")) {
		t.Error("unclassified errors should be retryable")
	}
	if isRetryable(&fakeSendError{retryable: false}) {
		t.Error("non-retryable classified error should not retry")
	}
	if !isRetryable(fmt.Errorf("wrapped: %w", &fakeSendError{retryable: true})) {
		t.Error("wrapped retryable error should retry")
	}
}
