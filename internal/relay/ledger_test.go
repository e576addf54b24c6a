package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLedger(limit int) *Ledger {
	return NewLedger(zerolog.Nop(), limit)
}

func TestLedgerLifecycle(t *testing.T) {
	l := testLedger(10)

	task := l.Create("shop-1", "print", json.RawMessage(`{"a":1}`))
	if task.ID == "" {
		t.Fatal("expected task id")
	}

	snap := l.Get(task.ID)
	if snap == nil {
		t.Fatal("task not found")
	}
	if snap.Status != StatusPending {
		t.Errorf("expected pending, got %s", snap.Status)
	}

	if err := l.MarkSent(task.ID, time.Minute); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if got := l.Get(task.ID).Status; got != StatusSent {
		t.Errorf("expected sent, got %s", got)
	}

	l.Complete(task.ID, StatusSuccess, json.RawMessage(`{"ok":true}`), "")
	snap = l.Get(task.ID)
	if snap.Status != StatusSuccess {
		t.Errorf("expected success, got %s", snap.Status)
	}
	if snap.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
}

func TestLedgerFirstResultWins(t *testing.T) {
	l := testLedger(10)

	task := l.Create("shop-1", "print", nil)
	if err := l.MarkSent(task.ID, time.Minute); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	l.Complete(task.ID, StatusSuccess, nil, "")
	l.Complete(task.ID, StatusError, nil, "late duplicate")
	l.Timeout(task.ID)

	snap := l.Get(task.ID)
	if snap.Status != StatusSuccess {
		t.Errorf("expected success to stick, got %s", snap.Status)
	}
	if snap.Error != "" {
		t.Errorf("expected no error, got %q", snap.Error)
	}
}

func TestLedgerTimeout(t *testing.T) {
	l := testLedger(10)

	task := l.Create("shop-1", "print", nil)
	if err := l.MarkSent(task.ID, 20*time.Millisecond); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := l.Await(ctx, task.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if snap.Status != StatusTimeout {
		t.Errorf("expected timeout, got %s", snap.Status)
	}

	// Result after timeout must be ignored
	l.Complete(task.ID, StatusSuccess, nil, "")
	if got := l.Get(task.ID).Status; got != StatusTimeout {
		t.Errorf("expected timeout to stick, got %s", got)
	}
}

func TestLedgerResultCancelsTimeout(t *testing.T) {
	l := testLedger(10)

	task := l.Create("shop-1", "print", nil)
	if err := l.MarkSent(task.ID, 30*time.Millisecond); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	l.Complete(task.ID, StatusSuccess, nil, "")

	time.Sleep(60 * time.Millisecond)
	if got := l.Get(task.ID).Status; got != StatusSuccess {
		t.Errorf("timeout fired after result: got %s", got)
	}
}

func TestLedgerAwait(t *testing.T) {
	l := testLedger(10)

	task := l.Create("shop-1", "print", nil)
	if err := l.MarkSent(task.ID, time.Minute); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Complete(task.ID, StatusSuccess, nil, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := l.Await(ctx, task.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if snap.Status != StatusSuccess {
		t.Errorf("expected success, got %s", snap.Status)
	}

	if _, err := l.Await(ctx, "no-such-task"); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestLedgerAwaitContextCancelled(t *testing.T) {
	l := testLedger(10)
	task := l.Create("shop-1", "print", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Await(ctx, task.ID); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLedgerRecentNewestFirst(t *testing.T) {
	l := testLedger(10)

	first := l.Create("shop-1", "print", nil)
	second := l.Create("shop-1", "ping", nil)

	recent := l.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(recent))
	}
	if recent[0].ID != second.ID || recent[1].ID != first.ID {
		t.Error("expected newest first ordering")
	}

	if got := len(l.Recent(1)); got != 1 {
		t.Errorf("expected limit to apply, got %d", got)
	}
}

func TestLedgerAwaitSurvivesEviction(t *testing.T) {
	l := testLedger(1)
	task := l.Create("shop-1", "print", nil)

	got := make(chan *TaskSnapshot, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		snap, err := l.Await(ctx, task.ID)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		got <- snap
	}()

	time.Sleep(20 * time.Millisecond)
	l.Complete(task.ID, StatusSuccess, nil, "")
	// New tasks push the resolved one out of the ledger while the waiter may
	// still be waking up.
	l.Create("shop-1", "print", nil)
	l.Create("shop-1", "print", nil)

	snap := <-got
	if snap == nil {
		t.Fatal("Await returned nil snapshot for a resolved task")
	}
	if snap.Status != StatusSuccess {
		t.Errorf("expected success, got %s", snap.Status)
	}
}

func TestLedgerEvictionSparesInFlight(t *testing.T) {
	l := testLedger(2)

	inflight := l.Create("shop-1", "print", nil)
	done := l.Create("shop-1", "print", nil)
	l.Complete(done.ID, StatusSuccess, nil, "")

	// Third task pushes the ledger over its cap; the terminal task goes, the
	// in-flight one stays.
	l.Create("shop-1", "print", nil)

	if l.Get(inflight.ID) == nil {
		t.Error("in-flight task was evicted")
	}
	if l.Get(done.ID) != nil {
		t.Error("terminal task was not evicted")
	}
}

func TestLedgerOnTerminalFiresOnce(t *testing.T) {
	l := testLedger(10)

	var mu sync.Mutex
	calls := 0
	l.OnTerminal(func(snap TaskSnapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	task := l.Create("shop-1", "print", nil)
	l.Complete(task.ID, StatusSuccess, nil, "")
	l.Complete(task.ID, StatusError, nil, "dup")
	l.Timeout(task.ID)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 terminal callback, got %d", calls)
	}
}
