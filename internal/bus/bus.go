// Package bus is the in-process event broker for a single swarm: topic
// pub/sub with priority dispatch, bounded replay history and per-handler
// error isolation.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sminos/internal/event"
)

// Handler receives one event. Handlers run on the dispatcher goroutine;
// anything long-running should hand off to its own goroutine.
type Handler func(ctx context.Context, ev *event.Event) error

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published     int64
	Delivered     int64
	Failed        int64
	Expired       int64
	Rejected      int64
	QueueDepth    int
	Subscriptions int
}

type subscription struct {
	id       string
	owner    string
	pattern  string
	matcher  *regexp.Regexp
	handler  Handler
	priority int
}

// queueItem pairs an event with a publish sequence so equal priorities keep
// publish order.
type queueItem struct {
	ev  *event.Event
	seq uint64
}

type eventQueue []queueItem

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].ev.Priority != q[j].ev.Priority {
		return q[i].ev.Priority > q[j].ev.Priority
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)        { *q = append(*q, x.(queueItem)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// Options configures a Bus.
type Options struct {
	// MaxHistory bounds the replay ring buffer. Zero means DefaultMaxHistory.
	MaxHistory int
}

const (
	DefaultMaxHistory = 1000

	// pollTimeout bounds how long the dispatcher sleeps on an empty queue so
	// a stop request is observed promptly.
	pollTimeout = 100 * time.Millisecond
)

type Bus struct {
	maxHistory int

	mu      sync.RWMutex // guards subs, byID
	subs    map[string][]*subscription
	byID    map[string]*subscription

	qmu     sync.Mutex // guards queue, history, metrics, seq
	queue   eventQueue
	history []*event.Event
	metrics Metrics
	seq     uint64

	notify  chan struct{}
	running bool
	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

func New(opts Options) *Bus {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Bus{
		maxHistory: maxHistory,
		subs:       make(map[string][]*subscription),
		byID:       make(map[string]*subscription),
		notify:     make(chan struct{}, 1),
	}
}

// Start launches the dispatcher. Starting a running bus is a no-op.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.running = true
	go b.dispatch()
	slog.Debug("event bus started", "max_history", b.maxHistory)
}

// Stop cancels the dispatcher and waits for it to drain its current event.
func (b *Bus) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.runMu.Unlock()
	<-done
	slog.Debug("event bus stopped")
}

func (b *Bus) isRunning() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// Publish enqueues an event without blocking. It returns false when the bus
// is not running; the event then reaches no subscriber.
func (b *Bus) Publish(ev *event.Event) bool {
	if !b.isRunning() {
		slog.Warn("publish on stopped bus", "type", ev.Type, "id", ev.ID)
		b.qmu.Lock()
		b.metrics.Rejected++
		b.qmu.Unlock()
		return false
	}

	b.qmu.Lock()
	b.seq++
	heap.Push(&b.queue, queueItem{ev: ev, seq: b.seq})
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.metrics.Published++
	b.qmu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Subscribe registers a handler for a pattern. The owner identifies the
// subscriber for targeted delivery: an event with a non-empty Target is
// delivered only to subscriptions whose owner equals it. Patterns compile
// here; invalid ones are rejected up front.
func (b *Bus) Subscribe(pattern, owner string, priority int, h Handler) (string, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return "", fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	sub := &subscription{
		id:       uuid.New().String(),
		owner:    owner,
		pattern:  pattern,
		matcher:  matcher,
		handler:  h,
		priority: priority,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[sub.id] = sub
	list := append(b.subs[pattern], sub)
	// Priority-descending, stable: equal priorities keep subscribe order.
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	b.subs[pattern] = list
	return sub.id, nil
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	list := b.subs[sub.pattern]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.pattern] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.pattern]) == 0 {
		delete(b.subs, sub.pattern)
	}
	return true
}

// History returns up to limit most recent events, optionally filtered by
// exact type and/or correlation id. limit <= 0 means no limit.
func (b *Bus) History(typeFilter, correlationFilter string, limit int) []*event.Event {
	b.qmu.Lock()
	defer b.qmu.Unlock()

	var out []*event.Event
	for _, ev := range b.history {
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		if correlationFilter != "" && ev.CorrelationID != correlationFilter {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.qmu.Lock()
	m := b.metrics
	m.QueueDepth = len(b.queue)
	b.qmu.Unlock()

	b.mu.RLock()
	m.Subscriptions = len(b.byID)
	b.mu.RUnlock()
	return m
}

func (b *Bus) dispatch() {
	defer close(b.done)
	ctx := context.Background()

	for {
		it, ok := b.pop()
		if !ok {
			select {
			case <-b.stop:
				return
			case <-b.notify:
			case <-time.After(pollTimeout):
			}
			continue
		}

		if it.ev.Expired(time.Now().UTC()) {
			b.qmu.Lock()
			b.metrics.Expired++
			b.qmu.Unlock()
			slog.Debug("dropping expired event", "type", it.ev.Type, "id", it.ev.ID)
			continue
		}

		b.deliver(ctx, it.ev)

		select {
		case <-b.stop:
			return
		default:
		}
	}
}

func (b *Bus) pop() (queueItem, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if len(b.queue) == 0 {
		return queueItem{}, false
	}
	return heap.Pop(&b.queue).(queueItem), true
}

// deliver fans an event out to every matching subscription, priority order
// within each pattern. One failing handler never blocks the rest.
func (b *Bus) deliver(ctx context.Context, ev *event.Event) {
	b.mu.RLock()
	var targets []*subscription
	for _, list := range b.subs {
		if len(list) == 0 || !list[0].matcher.MatchString(ev.Type) {
			continue
		}
		for _, sub := range list {
			if ev.Target != "" && sub.owner != ev.Target {
				continue
			}
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := b.invoke(ctx, sub, ev); err != nil {
			b.qmu.Lock()
			b.metrics.Failed++
			b.qmu.Unlock()
			slog.Error("handler failed", "pattern", sub.pattern, "owner", sub.owner,
				"type", ev.Type, "error", err)
			continue
		}
		b.qmu.Lock()
		b.metrics.Delivered++
		b.qmu.Unlock()
	}
}

// invoke is the single error-capture point per delivery: handler errors and
// panics both surface here and nowhere else.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}
