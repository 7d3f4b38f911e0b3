// Package actor implements the master actor: the per-swarm decision loop
// that turns external triggers into bus traffic and tracks task completion
// per correlation id.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sminos/internal/bus"
	"github.com/mtzanidakis/sminos/internal/event"
	"github.com/mtzanidakis/sminos/internal/oracle"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

// TaskStatus is the per-correlation state machine.
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
)

// Result is one agent result folded into a task state.
type Result struct {
	AgentID    string         `json:"agent_id"`
	EventID    string         `json:"event_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// TaskState tracks one correlation from trigger to terminal status.
type TaskState struct {
	CorrelationID string
	TriggerType   string
	TriggerData   map[string]any
	StartTime     time.Time
	Results       []Result
	Status        TaskStatus
	Iterations    int

	done chan struct{} // closed on the first transition out of processing
}

// TriggerResult is returned to whoever fired an external trigger.
type TriggerResult struct {
	Status     string        `json:"status"` // success, failed or timeout
	Results    []Result      `json:"results"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
}

// AgentInfo is one roster entry the master reasons over.
type AgentInfo struct {
	ID           string
	Name         string
	Description  string
	Role         string
	Capabilities []string
}

// DecisionSink receives every decision for out-of-process archival. May be
// nil.
type DecisionSink func(swarmID string, d Decision)

// Master drives the request/response/aggregation loop for one swarm.
type Master struct {
	id      string
	swarmID string
	bus     *bus.Bus
	oracle  oracle.Oracle
	roster  []AgentInfo
	cfg     swarm.MasterConfig
	sink    DecisionSink

	mu        sync.Mutex
	tasks     map[string]*TaskState
	taskOrder []string
	decisions []Decision
	subs      []string
}

func NewMaster(swarmID string, b *bus.Bus, orc oracle.Oracle, roster []AgentInfo, cfg swarm.MasterConfig, sink DecisionSink) *Master {
	return &Master{
		id:      "master-" + swarmID,
		swarmID: swarmID,
		bus:     b,
		oracle:  orc,
		roster:  roster,
		cfg:     cfg,
		sink:    sink,
		tasks:   make(map[string]*TaskState),
	}
}

// ID is the master's bus identity; agents address results to it.
func (m *Master) ID() string { return m.id }

// Start registers the standing subscriptions: results feed task states and
// re-run the decision cycle, agent and control traffic is observed for
// logging only.
func (m *Master) Start() error {
	subs := []struct {
		pattern  string
		priority int
		handler  bus.Handler
	}{
		{"result.#", 10, m.handleResult},
		{"agent.#", 1, m.logObserved},
		{"control.#", 1, m.logObserved},
	}

	for _, s := range subs {
		id, err := m.bus.Subscribe(s.pattern, m.id, s.priority, s.handler)
		if err != nil {
			return fmt.Errorf("master subscribe %s: %w", s.pattern, err)
		}
		m.mu.Lock()
		m.subs = append(m.subs, id)
		m.mu.Unlock()
	}
	return nil
}

// Stop removes the master's subscriptions. In-flight waits are left to their
// aggregation timeouts.
func (m *Master) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, id := range subs {
		m.bus.Unsubscribe(id)
	}
}

// HandleExternalTrigger creates a task state for the correlation, runs the
// first decision cycle and blocks until the task leaves processing or the
// aggregation timeout elapses.
func (m *Master) HandleExternalTrigger(ctx context.Context, triggerType string, data map[string]any, correlationID string) *TriggerResult {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	ts := &TaskState{
		CorrelationID: correlationID,
		TriggerType:   triggerType,
		TriggerData:   data,
		StartTime:     time.Now().UTC(),
		Status:        TaskProcessing,
		done:          make(chan struct{}),
	}
	m.storeTask(ts)

	slog.Info("external trigger", "swarm", m.swarmID, "type", triggerType, "correlation", correlationID)

	trigger := event.New("trigger."+triggerType, m.id, data,
		event.WithPriority(event.PriorityHigh),
		event.WithCorrelation(correlationID),
	)
	m.runCycle(ctx, ts, trigger)

	select {
	case <-ts.done:
	case <-time.After(m.cfg.AggregationTimeout):
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	status := "timeout"
	switch ts.Status {
	case TaskCompleted:
		status = "success"
	case TaskFailed:
		status = "failed"
	case TaskProcessing:
		// Timed out: state is left as-is, not destroyed.
	}
	results := make([]Result, len(ts.Results))
	copy(results, ts.Results)

	return &TriggerResult{
		Status:     status,
		Results:    results,
		Iterations: ts.Iterations,
		Duration:   time.Since(ts.StartTime),
	}
}

// Task returns a snapshot of the task state for a correlation id.
func (m *Master) Task(correlationID string) (TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tasks[correlationID]
	if !ok {
		return TaskState{}, false
	}
	snap := *ts
	snap.Results = append([]Result(nil), ts.Results...)
	return snap, true
}

// DecisionLog returns a copy of the decisions made so far.
func (m *Master) DecisionLog() []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Decision(nil), m.decisions...)
}

func (m *Master) storeTask(ts *TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[ts.CorrelationID]; !exists {
		m.taskOrder = append(m.taskOrder, ts.CorrelationID)
	}
	m.tasks[ts.CorrelationID] = ts

	// Bounded retention: evict the oldest terminal states past the cap.
	// In-flight correlations are never evicted.
	for len(m.tasks) > m.cfg.MaxTaskStates {
		evicted := false
		for i, id := range m.taskOrder {
			if t, ok := m.tasks[id]; ok && t.Status != TaskProcessing {
				delete(m.tasks, id)
				m.taskOrder = append(m.taskOrder[:i:i], m.taskOrder[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}
}

// runCycle makes one decision and executes it. Never panics or propagates
// oracle failures: those become NO_ACTION decisions.
func (m *Master) runCycle(ctx context.Context, ts *TaskState, cause *event.Event) {
	m.mu.Lock()
	terminal := ts.Status != TaskProcessing
	m.mu.Unlock()
	if terminal {
		return
	}

	decision := m.makeDecision(ctx, ts, cause)
	m.recordDecision(decision)
	m.executeDecision(ts, decision, cause)
}

func (m *Master) makeDecision(ctx context.Context, ts *TaskState, cause *event.Event) *Decision {
	m.mu.Lock()
	ts.Iterations++
	iteration := ts.Iterations
	forced := iteration >= m.cfg.MaxIterations
	recent := recentResults(ts.Results, m.cfg.RecentResults)
	m.mu.Unlock()

	base := Decision{
		ID:             uuid.New().String(),
		TriggerEventID: cause.ID,
		Timestamp:      time.Now().UTC(),
	}

	if forced {
		base.Type = DecisionComplete
		base.Reasoning = "max iterations reached"
		return &base
	}

	if m.oracle == nil {
		base.Type = DecisionNoAction
		base.Reasoning = "no decision oracle configured"
		return &base
	}

	prompt := m.buildDecisionPrompt(ts, cause, recent, iteration)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DecisionTimeout)
	defer cancel()

	raw, err := m.oracle.Generate(callCtx, prompt, decisionSystemPrompt, 0.2, 1024)
	if err != nil {
		base.Type = DecisionNoAction
		base.Reasoning = fmt.Sprintf("oracle call failed: %v", err)
		return &base
	}

	parsed, err := parseDecision(raw)
	if err != nil {
		base.Type = DecisionNoAction
		base.Reasoning = fmt.Sprintf("decision parse failed: %v", err)
		return &base
	}

	parsed.ID = base.ID
	parsed.TriggerEventID = base.TriggerEventID
	parsed.Timestamp = base.Timestamp
	return parsed
}

func (m *Master) recordDecision(d *Decision) {
	m.mu.Lock()
	m.decisions = append(m.decisions, *d)
	m.mu.Unlock()

	slog.Info("master decision", "swarm", m.swarmID, "type", d.Type, "reasoning", d.Reasoning)

	if m.sink != nil {
		m.sink(m.swarmID, *d)
	}

	// Mirrored for observability at low priority so it never starves task
	// traffic.
	m.bus.Publish(event.New("master.decision", m.id, map[string]any{
		"decision_id": d.ID,
		"type":        string(d.Type),
		"reasoning":   d.Reasoning,
		"confidence":  d.Confidence,
	}, event.WithPriority(event.PriorityLow), event.WithParent(d.TriggerEventID)))
}

func (m *Master) executeDecision(ts *TaskState, d *Decision, cause *event.Event) {
	switch d.Type {
	case DecisionNoAction, DecisionAggregate:
		// AGGREGATE is handled entirely by the completion wait.

	case DecisionComplete:
		m.finishTask(ts, TaskCompleted)

	case DecisionBroadcast, DecisionDirect:
		evType := d.EventType
		if evType == "" {
			evType = "task.execute"
		}
		opts := []event.Option{
			event.WithCorrelation(ts.CorrelationID),
			event.WithParent(cause.ID),
		}
		if d.Type == DecisionDirect {
			opts = append(opts, event.WithTarget(d.TargetAgents[0]))
		}
		m.bus.Publish(event.New(evType, m.id, d.Payload, opts...))

	case DecisionRetry:
		evType := d.EventType
		if evType == "" {
			evType = cause.Type
		}
		retry := event.New(evType, m.id, d.Payload,
			event.WithPriority(event.PriorityHigh),
			event.WithCorrelation(ts.CorrelationID),
			event.WithParent(cause.ID),
		)
		retry.RetryCount = cause.RetryCount + 1
		retry.MaxRetries = cause.MaxRetries
		m.bus.Publish(retry)

	case DecisionEscalate:
		m.bus.Publish(event.New("escalate.human", m.id, map[string]any{
			"reason":  d.Reasoning,
			"context": ts.TriggerData,
		},
			event.WithPriority(event.PriorityCritical),
			event.WithCorrelation(ts.CorrelationID),
			event.WithParent(cause.ID),
		))
	}
}

func (m *Master) finishTask(ts *TaskState, status TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts.Status != TaskProcessing {
		return
	}
	ts.Status = status
	close(ts.done)
}

// handleResult folds an agent result into its task state and, while the task
// is still processing, runs a fresh decision cycle. The cycle runs on its own
// goroutine so a slow oracle call blocks this correlation, not the bus.
func (m *Master) handleResult(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	ts, ok := m.tasks[ev.CorrelationID]
	if !ok {
		m.mu.Unlock()
		slog.Debug("result for unknown correlation", "swarm", m.swarmID, "correlation", ev.CorrelationID)
		return nil
	}
	ts.Results = append(ts.Results, Result{
		AgentID:    ev.Source,
		EventID:    ev.ID,
		Payload:    ev.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	processing := ts.Status == TaskProcessing
	m.mu.Unlock()

	if processing {
		go m.runCycle(context.Background(), ts, ev)
	}
	return nil
}

func (m *Master) logObserved(_ context.Context, ev *event.Event) error {
	slog.Debug("observed", "swarm", m.swarmID, "type", ev.Type, "source", ev.Source)
	return nil
}

func recentResults(results []Result, n int) []Result {
	if n <= 0 || len(results) <= n {
		return append([]Result(nil), results...)
	}
	return append([]Result(nil), results[len(results)-n:]...)
}

const decisionSystemPrompt = `You are the coordinator of a swarm of agents.
Respond with a single JSON object:
{"type": "BROADCAST|DIRECT|AGGREGATE|COMPLETE|RETRY|ESCALATE|NO_ACTION",
 "event_type": "task.<subtype>", "target_agents": ["agent_id"],
 "payload": {}, "reasoning": "why", "confidence": 0.0}
Use DIRECT with one target agent to address a specific agent, BROADCAST to
address all matching agents, COMPLETE when the task is resolved, RETRY to
re-issue work, ESCALATE for human attention, NO_ACTION otherwise.`

func (m *Master) buildDecisionPrompt(ts *TaskState, cause *event.Event, recent []Result, iteration int) string {
	var sb strings.Builder

	sb.WriteString("## Registered Agents\n\n")
	for _, a := range m.roster {
		fmt.Fprintf(&sb, "- %s (%s): %s", a.ID, a.Role, a.Description)
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(&sb, " [capabilities: %s]", strings.Join(a.Capabilities, ", "))
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "\n## Task\n\ntrigger: %s\niteration: %d of %d\nstatus: %s\nresults so far: %d\n",
		ts.TriggerType, iteration, m.cfg.MaxIterations, ts.Status, len(ts.Results))

	if data, err := json.Marshal(ts.TriggerData); err == nil && len(ts.TriggerData) > 0 {
		fmt.Fprintf(&sb, "trigger data: %s\n", data)
	}

	fmt.Fprintf(&sb, "\n## Latest Event\n\ntype: %s\nsource: %s\n", cause.Type, cause.Source)

	if len(recent) > 0 {
		sb.WriteString("\n## Recent Results\n\n")
		for _, r := range recent {
			payload, _ := json.Marshal(r.Payload)
			fmt.Fprintf(&sb, "- from %s: %s\n", r.AgentID, payload)
		}
	}

	sb.WriteString("\nDecide the next action as JSON.")
	return sb.String()
}
