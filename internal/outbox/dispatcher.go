package outbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"time"
)

// Transport delivers envelope content to a chat. Implemented by the
// telegram bot; tests use fakes.
type Transport interface {
	Deliver(ctx context.Context, chatID, text string) error
	DeliverFile(ctx context.Context, chatID, filePath, caption string) error
}

// retryabler is implemented by transport errors that know whether a
// later attempt may succeed. Unclassified errors are retried.
type retryabler interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	// Unclassified errors get the benefit of the doubt.
	return true
}

const (
	quarantineMalformed  = "malformed"
	quarantineMaxRetries = "max_retries"
	quarantinePermanent  = "permanent"

	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// Dispatcher polls the store and forwards pending envelopes through the
// transport, retrying with backoff up to the configured bound.
type Dispatcher struct {
	store        *Store
	transport    Transport
	claimant     string
	pollInterval time.Duration
	maxRetries   int
	onDelivered  func(e *Envelope)
}

func NewDispatcher(store *Store, transport Transport, pollInterval time.Duration, maxRetries int) *Dispatcher {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return &Dispatcher{
		store:        store,
		transport:    transport,
		claimant:     hex.EncodeToString(b[:]),
		pollInterval: pollInterval,
		maxRetries:   maxRetries,
	}
}

// OnDelivered registers a hook invoked after each successful delivery.
func (d *Dispatcher) OnDelivered(fn func(e *Envelope)) {
	d.onDelivered = fn
}

func (d *Dispatcher) Run(ctx context.Context) {
	if d.pollInterval == 0 {
		d.pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	slog.Info("outbox dispatcher started", "poll_interval", d.pollInterval, "max_retries", d.maxRetries)

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.ProcessPending(ctx); err != nil {
				slog.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// ProcessPending walks the pending directory once, claiming and delivering
// each due envelope. Claim conflicts are silent no-ops: another run won.
func (d *Dispatcher) ProcessPending(ctx context.Context) error {
	names, err := d.store.ListPending()
	if err != nil {
		return err
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.processOne(ctx, name)
	}
	return nil
}

func (d *Dispatcher) processOne(ctx context.Context, name string) {
	claimedPath, ok, err := d.store.Claim(name, d.claimant)
	if err != nil {
		slog.Error("outbox claim failed", "name", name, "error", err)
		return
	}
	if !ok {
		return
	}

	raw, err := os.ReadFile(claimedPath)
	if err != nil {
		slog.Error("outbox read failed", "name", name, "error", err)
		_ = d.store.Quarantine(claimedPath, name, quarantineMalformed, err, nil, nil)
		return
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		// Retrying a malformed payload cannot succeed.
		slog.Warn("outbox envelope malformed, quarantining", "name", name, "error", err)
		if qerr := d.store.Quarantine(claimedPath, name, quarantineMalformed, err, nil, raw); qerr != nil {
			slog.Error("outbox quarantine failed", "name", name, "error", qerr)
		}
		return
	}

	if next := env.NextAttemptAt(); !next.IsZero() && time.Now().Before(next) {
		// Not due yet; put it back untouched.
		if err := d.store.Release(claimedPath, env); err != nil {
			slog.Error("outbox release failed", "name", name, "error", err)
		}
		return
	}

	if err := d.deliver(ctx, env); err != nil {
		d.handleFailure(claimedPath, name, env, err)
		return
	}

	if err := d.store.MarkProcessed(claimedPath, name); err != nil {
		slog.Error("outbox archive failed", "name", name, "error", err)
		return
	}
	slog.Debug("outbox envelope delivered", "chat", env.ChatID, "type", env.Type, "id", env.ID)
	if d.onDelivered != nil {
		d.onDelivered(env)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env *Envelope) error {
	if env.Type == TypeMedia {
		return d.transport.DeliverFile(ctx, env.ChatID, env.FilePath, env.Text)
	}
	return d.transport.Deliver(ctx, env.ChatID, env.Text)
}

func (d *Dispatcher) handleFailure(claimedPath, name string, env *Envelope, cause error) {
	if !isRetryable(cause) {
		slog.Warn("outbox delivery permanently failed", "chat", env.ChatID, "id", env.ID, "error", cause)
		if err := d.store.Quarantine(claimedPath, name, quarantinePermanent, cause, env, nil); err != nil {
			slog.Error("outbox quarantine failed", "name", name, "error", err)
		}
		return
	}

	attempt := env.Attempt() + 1
	if attempt >= d.maxRetries {
		slog.Warn("outbox retry budget exhausted", "chat", env.ChatID, "id", env.ID, "attempts", attempt, "error", cause)
		if err := d.store.Quarantine(claimedPath, name, quarantineMaxRetries, cause, env, nil); err != nil {
			slog.Error("outbox quarantine failed", "name", name, "error", err)
		}
		return
	}

	delay := backoff(attempt)
	slog.Info("outbox delivery failed, retrying", "chat", env.ChatID, "id", env.ID, "attempt", attempt, "delay", delay, "error", cause)
	if err := d.store.Requeue(claimedPath, env, time.Now().Add(delay)); err != nil {
		slog.Error("outbox requeue failed", "name", name, "error", err)
	}
}

func backoff(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt-1)
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}
