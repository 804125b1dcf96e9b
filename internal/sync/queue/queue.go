// Package queue holds template ids waiting for a scan-triggered sync.
//
// The queue is bounded and de-duplicated: an id that is already waiting or
// being processed is not added twice. Failed items are retried with
// exponential backoff until MaxRetries is reached.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
)

// ErrFull is returned when the queue holds MaxSize items.
var ErrFull = errors.New("sync queue is full")

// Status of a queued item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
)

// Defaults for Options.
const (
	DefaultMaxSize     = 64
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 10 * time.Minute
)

// Item is one queued template.
type Item struct {
	TemplateID    string
	Status        Status
	Attempts      int
	EnqueuedAt    time.Time
	NextAttemptAt time.Time
	LastError     string
}

// Options configures a Queue.
type Options struct {
	MaxSize     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Clock       func() time.Time
}

// Queue is safe for concurrent use. One consumer calls Next; any number of
// producers call Enqueue.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string // pending ids in arrival order

	maxSize     int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time

	wake   chan struct{}
	logger zerolog.Logger
}

// New creates a queue.
func New(opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Queue{
		items:       make(map[string]*Item),
		maxSize:     opts.MaxSize,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		now:         opts.Clock,
		wake:        make(chan struct{}, 1),
		logger:      logging.Component("queue"),
	}
}

// Enqueue adds templateID. It reports false when the id is already queued.
// It never blocks.
func (q *Queue) Enqueue(templateID string) (bool, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return false, apperrors.New(apperrors.ErrInvalid, "template id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[templateID]; ok {
		return false, nil
	}
	if len(q.items) >= q.maxSize {
		q.logger.Warn().Str("template_id", templateID).Int("max_size", q.maxSize).Msg("sync queue full, dropping request")
		return false, ErrFull
	}

	now := q.now()
	q.items[templateID] = &Item{
		TemplateID:    templateID,
		Status:        StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	q.order = append(q.order, templateID)
	q.signal()

	q.logger.Debug().Str("template_id", templateID).Msg("enqueued")
	return true, nil
}

// Next blocks until an item is due or ctx is done. The returned item is
// marked in progress; the caller reports back with Done or Failed.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		item, wait := q.take()
		if item != nil {
			return item, nil
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// take pops the first due item. When none is due it returns how long until
// the earliest retry, or 0 when nothing is pending.
func (q *Queue) take() (*Item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var wait time.Duration
	for i, id := range q.order {
		item := q.items[id]
		if d := item.NextAttemptAt.Sub(now); d > 0 {
			if wait == 0 || d < wait {
				wait = d
			}
			continue
		}
		q.order = append(q.order[:i:i], q.order[i+1:]...)
		item.Status = StatusInProgress
		item.Attempts++
		copied := *item
		return &copied, 0
	}
	return nil, wait
}

// Done removes a processed item.
func (q *Queue) Done(templateID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, templateID)
}

// Failed reschedules templateID with backoff. It reports false when the
// item has used up its retries and was dropped.
func (q *Queue) Failed(templateID string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[templateID]
	if !ok {
		return false
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.Attempts >= q.maxRetries {
		delete(q.items, templateID)
		q.logger.Warn().Err(cause).Str("template_id", templateID).Int("attempts", item.Attempts).Msg("giving up on queued sync")
		return false
	}

	delay := q.backoff(item.Attempts)
	item.Status = StatusPending
	item.NextAttemptAt = q.now().Add(delay)
	q.order = append(q.order, templateID)
	q.signal()

	q.logger.Debug().Err(cause).Str("template_id", templateID).Dur("retry_in", delay).Msg("queued sync failed, retrying")
	return true
}

// backoff returns base * 2^(attempts-1), capped at the maximum.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if d > q.maxBackoff {
		return q.maxBackoff
	}
	return d
}

// Len returns the number of queued and in-progress items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns copies of all items, pending ones first in arrival order.
func (q *Queue) List() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	seen := make(map[string]bool, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.items[id])
		seen[id] = true
	}
	for id, item := range q.items {
		if !seen[id] {
			out = append(out, *item)
		}
	}
	return out
}

// Clear drops every pending item. In-progress items are kept so their
// Done or Failed call still applies.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for _, id := range q.order {
		delete(q.items, id)
	}
	q.order = nil
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
