package dispatch

import (
	"sync"
	"time"
)

// ReplyRoute is the explicit, mutually exclusive choice of where a
// job's reply goes, decided when the job is created. Foreground jobs
// answer on the transport; outbox jobs (scheduler-originated) write an
// envelope instead.
type ReplyRoute string

const (
	ReplyForeground ReplyRoute = "foreground"
	ReplyOutbox     ReplyRoute = "outbox"
)

// Job is one unit of per-chat work. Owned exclusively by its chat's
// queue; gone once processed.
type Job struct {
	ID          string
	CreatedAt   time.Time
	ChatID      string
	Text        string
	Attachments []string
	ReplyVia    ReplyRoute
}

// chatQueue holds one chat's pending jobs. TryLock gates the run loop
// so at most one runner drains a chat at a time.
type chatQueue struct {
	chatID  string
	pending []Job
	mu      sync.Mutex
	locked  bool
}

func newChatQueue(chatID string) *chatQueue {
	return &chatQueue{chatID: chatID}
}

func (q *chatQueue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
}

func (q *chatQueue) Dequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Job{}, false
	}

	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, true
}

func (q *chatQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *chatQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

func (q *chatQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
