// Package agent implements event-reactive workers and the auto-scaling pool
// that manages a fleet of them for one swarm membership.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mtzanidakis/sminos/internal/bus"
	"github.com/mtzanidakis/sminos/internal/event"
	"github.com/mtzanidakis/sminos/internal/oracle"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

// Status is the agent lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// Executor performs one task. Implementations may block; the agent bounds
// how many run at once.
type Executor func(ctx context.Context, ev *event.Event, m swarm.Membership) (map[string]any, error)

// EchoExecutor is the fallback when neither a custom executor nor an oracle
// is configured: it reflects the task payload back.
func EchoExecutor(_ context.Context, ev *event.Event, m swarm.Membership) (map[string]any, error) {
	return map[string]any{
		"echo":     ev.Payload,
		"agent_id": m.AgentID,
	}, nil
}

// LLMExecutor answers tasks with a completion from the oracle, prompted with
// the membership's role description.
func LLMExecutor(orc oracle.Oracle) Executor {
	return func(ctx context.Context, ev *event.Event, m swarm.Membership) (map[string]any, error) {
		payload, _ := json.Marshal(ev.Payload)
		prompt := fmt.Sprintf("Task %s:\n%s", ev.Type, payload)
		system := fmt.Sprintf("You are %s, an agent with role %q. %s", m.Name, m.Role, m.Description)

		content, err := orc.Generate(ctx, prompt, system, 0.7, 2048)
		if err != nil {
			return nil, fmt.Errorf("llm executor: %w", err)
		}
		return map[string]any{"content": content}, nil
	}
}

// Agent is one running instance of a membership. All instances of a
// membership share the membership's agent id as their bus identity, so a
// DIRECT event reaches every instance of the addressed agent.
type Agent struct {
	instanceID string
	membership swarm.Membership
	bus        *bus.Bus
	exec       Executor
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	active int
	subs   []string
}

func New(instanceID string, m swarm.Membership, b *bus.Bus, exec Executor) *Agent {
	if exec == nil {
		exec = EchoExecutor
	}
	return &Agent{
		instanceID: instanceID,
		membership: m,
		bus:        b,
		exec:       exec,
		sem:        semaphore.NewWeighted(int64(m.MaxConcurrent)),
		status:     StatusIdle,
	}
}

func (a *Agent) InstanceID() string { return a.instanceID }

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Busy reports whether the agent has at least one task in flight.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active > 0
}

// Start subscribes the agent to every active pattern of its membership and
// advertises readiness on the bus.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	for _, spec := range a.membership.Subscriptions {
		if !spec.Active {
			continue
		}
		id, err := a.bus.Subscribe(spec.Pattern, a.membership.AgentID, spec.Priority, a.handleEvent)
		if err != nil {
			a.mu.Lock()
			a.status = StatusError
			a.mu.Unlock()
			a.unsubscribeAll()
			return fmt.Errorf("agent %s subscribe %q: %w", a.instanceID, spec.Pattern, err)
		}
		a.mu.Lock()
		a.subs = append(a.subs, id)
		a.mu.Unlock()
	}

	a.bus.Publish(event.New("agent.ready", a.membership.AgentID, map[string]any{
		"instance_id":  a.instanceID,
		"role":         a.membership.Role,
		"capabilities": a.Capabilities(),
	}))

	slog.Info("agent started", "instance", a.instanceID, "agent", a.membership.AgentID)
	return nil
}

// Stop cancels in-flight work and removes the agent's subscriptions.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.unsubscribeAll()
	a.mu.Lock()
	a.status = StatusStopped
	a.mu.Unlock()
	slog.Info("agent stopped", "instance", a.instanceID)
}

func (a *Agent) unsubscribeAll() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, id := range subs {
		a.bus.Unsubscribe(id)
	}
}

func (a *Agent) Capabilities() []string {
	return Capabilities(a.membership)
}

// Capabilities derives what a membership can do from its subscription
// patterns: the non-wildcard segments of each pattern.
func Capabilities(m swarm.Membership) []string {
	var caps []string
	seen := make(map[string]bool)
	for _, spec := range m.Subscriptions {
		var parts []string
		for _, seg := range strings.Split(spec.Pattern, ".") {
			if seg != "*" && seg != "#" {
				parts = append(parts, seg)
			}
		}
		c := strings.Join(parts, ".")
		if c != "" && !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	return caps
}

// handleEvent runs on the bus dispatcher; actual work is handed to a
// goroutine bounded by the semaphore.
func (a *Agent) handleEvent(_ context.Context, ev *event.Event) error {
	if ev.Target != "" && ev.Target != a.membership.AgentID {
		return nil
	}
	if ev.Source == a.membership.AgentID {
		return nil
	}

	go a.process(ev)
	return nil
}

func (a *Agent) process(ev *event.Event) {
	if err := a.sem.Acquire(a.ctx, 1); err != nil {
		return
	}
	defer a.sem.Release(1)

	a.taskStarted()
	defer a.taskFinished()

	result, err := a.exec(a.ctx, ev, a.membership)
	if err != nil {
		slog.Error("task failed", "instance", a.instanceID, "type", ev.Type, "error", err)
		a.bus.Publish(event.New("task.failed", a.membership.AgentID, map[string]any{
			"error":         err.Error(),
			"original_type": ev.Type,
			"original_id":   ev.ID,
		},
			event.WithCorrelation(ev.CorrelationID),
			event.WithParent(ev.ID),
			event.WithHeaders(map[string]string{"instance": a.instanceID}),
		))
		return
	}

	subtype := ev.Type
	if i := strings.LastIndexByte(subtype, '.'); i >= 0 {
		subtype = subtype[i+1:]
	}
	a.bus.Publish(event.New("result."+subtype, a.membership.AgentID, result,
		event.WithTarget(ev.Source),
		event.WithCorrelation(ev.CorrelationID),
		event.WithParent(ev.ID),
		event.WithHeaders(map[string]string{"instance": a.instanceID}),
	))
}

func (a *Agent) taskStarted() {
	a.mu.Lock()
	a.active++
	first := a.active == 1
	if a.status == StatusIdle {
		a.status = StatusProcessing
	}
	a.mu.Unlock()

	if first {
		a.bus.Publish(event.New("agent.busy", a.membership.AgentID, map[string]any{
			"instance_id": a.instanceID,
		}))
	}
}

func (a *Agent) taskFinished() {
	a.mu.Lock()
	a.active--
	drained := a.active == 0
	if drained && a.status == StatusProcessing {
		a.status = StatusIdle
	}
	a.mu.Unlock()

	if drained {
		a.bus.Publish(event.New("agent.idle", a.membership.AgentID, map[string]any{
			"instance_id": a.instanceID,
		}))
	}
}
