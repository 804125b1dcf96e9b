package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(size int) (*Queue, *testClock) {
	clk := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Options{MaxSize: size, MaxRetries: 3, BaseBackoff: time.Minute, MaxBackoff: 5 * time.Minute, Clock: clk.Now}), clk
}

func next(t *testing.T, q *Queue) *Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return item
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(10)

	added, err := q.Enqueue("t1")
	if err != nil || !added {
		t.Fatalf("Enqueue() = %v, %v", added, err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	items := q.List()
	if items[0].TemplateID != "t1" || items[0].Status != StatusPending || items[0].Attempts != 0 {
		t.Errorf("item = %+v", items[0])
	}
}

func TestEnqueue_deduplicates(t *testing.T) {
	q, _ := newTestQueue(10)
	q.Enqueue("t1")

	added, err := q.Enqueue(" t1 ")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if added {
		t.Error("duplicate was added")
	}

	// Still de-duplicated while in progress.
	next(t, q)
	if added, _ := q.Enqueue("t1"); added {
		t.Error("in-progress id was added")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestEnqueue_full(t *testing.T) {
	q, _ := newTestQueue(2)
	q.Enqueue("t1")
	q.Enqueue("t2")

	_, err := q.Enqueue("t3")
	if !errors.Is(err, ErrFull) {
		t.Errorf("error = %v, want ErrFull", err)
	}
}

func TestEnqueue_emptyID(t *testing.T) {
	q, _ := newTestQueue(2)
	_, err := q.Enqueue("")
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("error = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// Next / Done Tests
// =====================================================

func TestNext_fifo(t *testing.T) {
	q, _ := newTestQueue(10)
	q.Enqueue("a")
	q.Enqueue("b")

	first := next(t, q)
	if first.TemplateID != "a" || first.Status != StatusInProgress || first.Attempts != 1 {
		t.Errorf("first = %+v", first)
	}
	q.Done("a")
	if second := next(t, q); second.TemplateID != "b" {
		t.Errorf("second = %s, want b", second.TemplateID)
	}
}

func TestNext_blocksUntilEnqueue(t *testing.T) {
	q, _ := newTestQueue(10)

	got := make(chan string, 1)
	go func() {
		item, err := q.Next(context.Background())
		if err == nil {
			got <- item.TemplateID
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue("late")

	select {
	case id := <-got:
		if id != "late" {
			t.Errorf("id = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestNext_contextCancelled(t *testing.T) {
	q, _ := newTestQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Next(ctx); err != context.Canceled {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDone_removes(t *testing.T) {
	q, _ := newTestQueue(10)
	q.Enqueue("t1")
	next(t, q)
	q.Done("t1")

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	if added, _ := q.Enqueue("t1"); !added {
		t.Error("id not accepted after Done")
	}
}

// =====================================================
// Retry Tests
// =====================================================

func TestFailed_backoffAndRetry(t *testing.T) {
	q, clk := newTestQueue(10)
	q.Enqueue("t1")
	next(t, q)

	if !q.Failed("t1", errors.New("offline")) {
		t.Fatal("Failed() = false on first failure")
	}
	items := q.List()
	if items[0].Status != StatusPending || items[0].LastError != "offline" {
		t.Errorf("item = %+v", items[0])
	}
	if want := clk.Now().Add(time.Minute); !items[0].NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", items[0].NextAttemptAt, want)
	}

	// Not due yet.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); err != context.DeadlineExceeded {
		t.Errorf("Next() error = %v, want deadline", err)
	}

	clk.Advance(time.Minute)
	if item := next(t, q); item.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", item.Attempts)
	}
}

func TestFailed_givesUp(t *testing.T) {
	q, clk := newTestQueue(10)
	q.Enqueue("t1")

	for i := 0; i < 2; i++ {
		next(t, q)
		if !q.Failed("t1", errors.New("offline")) {
			t.Fatalf("attempt %d dropped early", i+1)
		}
		clk.Advance(time.Hour)
	}
	next(t, q)
	if q.Failed("t1", errors.New("offline")) {
		t.Error("Failed() = true after max retries")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestBackoff(t *testing.T) {
	q, _ := newTestQueue(1)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestClear(t *testing.T) {
	q, _ := newTestQueue(10)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	next(t, q)

	if n := q.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 in progress", q.Len())
	}
}
