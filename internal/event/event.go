// Package event defines the message envelope exchanged over the swarm bus.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events in the bus queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Event is immutable once published. Type is a hierarchical dot path
// ("task.search"); an empty Target means broadcast. CorrelationID threads a
// trigger and everything produced while resolving it.
type Event struct {
	ID            string
	Type          string
	Source        string
	Target        string
	Payload       map[string]any
	Headers       map[string]string
	Priority      Priority
	Timestamp     time.Time
	CorrelationID string
	ParentID      string
	TTL           time.Duration
	RetryCount    int
	MaxRetries    int
}

// New builds an event with a fresh id and UTC timestamp. The correlation id
// defaults to a fresh identifier when empty.
func New(evType, source string, payload map[string]any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      evType,
		Source:    source,
		Payload:   payload,
		Headers:   map[string]string{},
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	return e
}

// Option customizes an event at construction time.
type Option func(*Event)

func WithPriority(p Priority) Option       { return func(e *Event) { e.Priority = p } }
func WithTarget(target string) Option      { return func(e *Event) { e.Target = target } }
func WithCorrelation(id string) Option     { return func(e *Event) { e.CorrelationID = id } }
func WithParent(id string) Option          { return func(e *Event) { e.ParentID = id } }
func WithTTL(ttl time.Duration) Option     { return func(e *Event) { e.TTL = ttl } }
func WithHeaders(h map[string]string) Option {
	return func(e *Event) {
		for k, v := range h {
			e.Headers[k] = v
		}
	}
}

// Expired reports whether the event's TTL has elapsed relative to now.
// Events without a TTL never expire.
func (e *Event) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.Timestamp) > e.TTL
}

// wireEvent is the JSON form. Priority travels as its integer rank, the
// timestamp as ISO-8601 UTC and the TTL as seconds.
type wireEvent struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Source        string            `json:"source"`
	Target        string            `json:"target,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	Timestamp     string            `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	ParentID      string            `json:"parent_id,omitempty"`
	TTL           float64           `json:"ttl,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:            e.ID,
		Type:          e.Type,
		Source:        e.Source,
		Target:        e.Target,
		Payload:       e.Payload,
		Headers:       e.Headers,
		Priority:      int(e.Priority),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		ParentID:      e.ParentID,
		TTL:           e.TTL.Seconds(),
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	*e = Event{
		ID:            w.ID,
		Type:          w.Type,
		Source:        w.Source,
		Target:        w.Target,
		Payload:       w.Payload,
		Headers:       w.Headers,
		Priority:      Priority(w.Priority),
		Timestamp:     ts.UTC(),
		CorrelationID: w.CorrelationID,
		ParentID:      w.ParentID,
		TTL:           time.Duration(w.TTL * float64(time.Second)),
		RetryCount:    w.RetryCount,
		MaxRetries:    w.MaxRetries,
	}
	if e.Headers == nil {
		e.Headers = map[string]string{}
	}
	return nil
}
