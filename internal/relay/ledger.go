package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskStatus is the lifecycle state of a dispatched task.
type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusSent    TaskStatus = "sent"
	StatusSuccess TaskStatus = "success"
	StatusError   TaskStatus = "error"
	StatusTimeout TaskStatus = "timeout"
)

// Terminal reports whether s is an absorbing state.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusTimeout
}

// ErrTaskNotFound indicates the task id is unknown to the ledger.
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of work dispatched to a shop agent, tracked end-to-end by
// its id. After the first terminal transition the task is never mutated
// again except by eviction.
type Task struct {
	ID          string
	ShopID      string
	Type        string
	Payload     json.RawMessage
	Status      TaskStatus
	CreatedAt   time.Time
	SentAt      time.Time
	CompletedAt time.Time
	Result      json.RawMessage
	Error       string

	timer *time.Timer   // pending timeout, cleared on terminal transition
	done  chan struct{} // closed exactly once, on the terminal transition
	final *TaskSnapshot // set before done closes; survives eviction for waiters
}

// TaskSnapshot is a read-only copy of a task for API responses.
type TaskSnapshot struct {
	ID          string          `json:"id"`
	ShopID      string          `json:"shopId"`
	Type        string          `json:"type"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Ledger owns all task state. Every transition happens under its mutex so a
// racing result and timeout resolve to first-write-wins.
type Ledger struct {
	log   zerolog.Logger
	limit int

	mu    sync.Mutex
	tasks map[string]*Task
	order []string // creation order, oldest first

	// onTerminal, when set, observes every terminal transition. Used for
	// the audit log and metrics; runs outside the ledger lock.
	onTerminal func(TaskSnapshot)
}

// NewLedger creates a ledger retaining at most limit tasks.
func NewLedger(log zerolog.Logger, limit int) *Ledger {
	return &Ledger{
		log:   log.With().Str("component", "ledger").Logger(),
		limit: limit,
		tasks: make(map[string]*Task),
	}
}

// OnTerminal registers a callback invoked after each terminal transition.
func (l *Ledger) OnTerminal(fn func(TaskSnapshot)) {
	l.onTerminal = fn
}

// Create allocates a new pending task.
func (l *Ledger) Create(shopID, taskType string, payload json.RawMessage) *Task {
	t := &Task{
		ID:        uuid.New().String(),
		ShopID:    shopID,
		Type:      taskType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}

	l.mu.Lock()
	l.tasks[t.ID] = t
	l.order = append(l.order, t.ID)
	l.evictLocked()
	l.mu.Unlock()

	return t
}

// MarkSent transitions pending→sent and schedules the timeout. The timer is
// owned by the ledger entry and cancelled by any terminal transition.
func (l *Ledger) MarkSent(taskID string, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.tasks[taskID]
	if t == nil {
		return ErrTaskNotFound
	}
	if t.Status != StatusPending {
		return nil
	}
	t.Status = StatusSent
	t.SentAt = time.Now()
	t.timer = time.AfterFunc(timeout, func() { l.Timeout(taskID) })
	return nil
}

// Complete transitions a task to success or error. A task already in a
// terminal state is left untouched: late results and duplicate results are
// no-ops.
func (l *Ledger) Complete(taskID string, status TaskStatus, result json.RawMessage, errMsg string) {
	if !status.Terminal() {
		return
	}
	l.finish(taskID, status, result, errMsg)
}

// Timeout transitions sent→timeout; a no-op when the task already resolved.
func (l *Ledger) Timeout(taskID string) {
	l.finish(taskID, StatusTimeout, nil, "task timed out waiting for agent response")
}

func (l *Ledger) finish(taskID string, status TaskStatus, result json.RawMessage, errMsg string) {
	l.mu.Lock()
	t := l.tasks[taskID]
	if t == nil || t.Status.Terminal() {
		l.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.Status = status
	t.CompletedAt = time.Now()
	t.Result = result
	t.Error = errMsg
	snap := snapshotLocked(t)
	t.final = &snap
	close(t.done)
	l.mu.Unlock()

	l.log.Debug().
		Str("task", taskID).
		Str("shop", snap.ShopID).
		Str("status", string(status)).
		Msg("task resolved")

	if l.onTerminal != nil {
		l.onTerminal(snap)
	}
}

// Await blocks until the task reaches a terminal state or ctx expires, then
// returns the final snapshot.
func (l *Ledger) Await(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	l.mu.Lock()
	t := l.tasks[taskID]
	l.mu.Unlock()
	if t == nil {
		return nil, ErrTaskNotFound
	}

	select {
	case <-t.done:
		// t.final is written before done closes and never mutated after, so
		// this read is safe even if the task has been evicted since.
		snap := *t.final
		return &snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a snapshot of the task, or nil if unknown.
func (l *Ledger) Get(taskID string) *TaskSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.tasks[taskID]
	if t == nil {
		return nil
	}
	snap := snapshotLocked(t)
	return &snap
}

// Recent returns up to limit tasks, newest first.
func (l *Ledger) Recent(limit int) []TaskSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.order) {
		limit = len(l.order)
	}
	out := make([]TaskSnapshot, 0, limit)
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		if t := l.tasks[l.order[i]]; t != nil {
			out = append(out, snapshotLocked(t))
		}
	}
	return out
}

// evictLocked drops the oldest terminal tasks beyond the retention cap.
// In-flight tasks are never evicted.
func (l *Ledger) evictLocked() {
	for len(l.order) > l.limit {
		evicted := false
		for i, id := range l.order {
			t := l.tasks[id]
			if t == nil || t.Status.Terminal() {
				delete(l.tasks, id)
				l.order = append(l.order[:i], l.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func snapshotLocked(t *Task) TaskSnapshot {
	snap := TaskSnapshot{
		ID:        t.ID,
		ShopID:    t.ShopID,
		Type:      t.Type,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		Result:    t.Result,
		Error:     t.Error,
	}
	if !t.SentAt.IsZero() {
		ts := t.SentAt
		snap.SentAt = &ts
	}
	if !t.CompletedAt.IsZero() {
		ts := t.CompletedAt
		snap.CompletedAt = &ts
	}
	return snap
}
