// Package orchestrator manages swarm lifecycles: it registers definitions,
// starts and stops the bus, master, agent pools and triggers of each swarm,
// and persists state through the store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/actor"
	"github.com/mtzanidakis/sminos/internal/agent"
	"github.com/mtzanidakis/sminos/internal/bus"
	"github.com/mtzanidakis/sminos/internal/oracle"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trigger"
)

// runtime holds everything a started swarm owns. Each swarm gets its own
// bus, so traffic never crosses swarm boundaries.
type runtime struct {
	bus       *bus.Bus
	master    *actor.Master
	pools     []*agent.Pool
	runner    *trigger.Runner
	cancel    context.CancelFunc
	startedAt time.Time
}

// Options configures swarm runtimes built by the orchestrator.
type Options struct {
	BrokerURL  string
	BusHistory int
}

// SwarmInfo is the status surface for one swarm.
type SwarmInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    swarm.Status `json:"status"`
	StartedAt time.Time    `json:"started_at,omitzero"`
	StoppedAt time.Time    `json:"stopped_at,omitzero"`
}

type Orchestrator struct {
	store  *store.Store // nil disables persistence
	oracle oracle.Oracle
	opts   Options

	mu      sync.Mutex
	defs    map[string]*swarm.Definition
	running map[string]*runtime
	stamps  map[string]runStamps // last run timestamps per swarm
}

// runStamps records when a swarm last started and stopped.
type runStamps struct {
	startedAt time.Time
	stoppedAt time.Time
}

func New(st *store.Store, orc oracle.Oracle, opts Options) *Orchestrator {
	return &Orchestrator{
		store:   st,
		oracle:  orc,
		opts:    opts,
		defs:    make(map[string]*swarm.Definition),
		running: make(map[string]*runtime),
		stamps:  make(map[string]runStamps),
	}
}

// Restore loads persisted definitions. Swarms that were active when the
// process died come back inactive; starting them again is the operator's
// call.
func (o *Orchestrator) Restore() error {
	if o.store == nil {
		return nil
	}
	defs, err := o.store.ListSwarms()
	if err != nil {
		return fmt.Errorf("restore swarms: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range defs {
		def := defs[i]
		def.Status = swarm.StatusInactive
		o.defs[def.ID] = &def
	}
	slog.Info("swarms restored", "count", len(defs))
	return nil
}

// CreateSwarm registers a new definition in the inactive state.
func (o *Orchestrator) CreateSwarm(def *swarm.Definition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return fmt.Errorf("create swarm: %w", err)
	}
	if def.ID == "" {
		return fmt.Errorf("create swarm: id is required")
	}
	def.Status = swarm.StatusInactive

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.ID]; exists {
		return fmt.Errorf("create swarm: %q already exists", def.ID)
	}

	if o.store != nil {
		if err := o.store.SaveSwarm(def); err != nil {
			return err
		}
	}
	o.defs[def.ID] = def
	slog.Info("swarm created", "swarm", def.ID, "name", def.Name)
	return nil
}

// StartSwarm brings a swarm to active: its own bus first, then the master,
// agent pools and triggers. Any failure tears down what already started and
// leaves the swarm in the error state. Starting an active swarm is a no-op.
func (o *Orchestrator) StartSwarm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("start swarm: %q not found", id)
	}
	if _, up := o.running[id]; up {
		return nil
	}

	o.setStatusLocked(def, swarm.StatusStarting)

	rt, err := o.startRuntimeLocked(def)
	if err != nil {
		o.setStatusLocked(def, swarm.StatusError)
		return fmt.Errorf("start swarm %q: %w", id, err)
	}

	o.running[id] = rt
	o.stamps[id] = runStamps{startedAt: rt.startedAt}
	o.setStatusLocked(def, swarm.StatusActive)
	slog.Info("swarm started", "swarm", id, "agents", len(def.Agents), "triggers", len(def.Triggers))
	return nil
}

func (o *Orchestrator) startRuntimeLocked(def *swarm.Definition) (*runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{cancel: cancel, startedAt: time.Now().UTC()}

	fail := func(err error) (*runtime, error) {
		o.teardown(rt)
		return nil, err
	}

	// One bus per swarm: history, metrics and task traffic stay isolated.
	rt.bus = bus.New(bus.Options{MaxHistory: o.opts.BusHistory})
	rt.bus.Start()

	roster := make([]actor.AgentInfo, 0, len(def.Agents))
	for _, m := range def.Agents {
		roster = append(roster, actor.AgentInfo{
			ID:           m.AgentID,
			Name:         m.Name,
			Description:  m.Description,
			Role:         m.Role,
			Capabilities: agent.Capabilities(m),
		})
	}

	var sink actor.DecisionSink
	if o.store != nil {
		st := o.store
		sink = func(swarmID string, d actor.Decision) {
			if err := st.SaveDecision(swarmID, d); err != nil {
				slog.Error("archive decision failed", "swarm", swarmID, "decision", d.ID, "error", err)
			}
		}
	}

	rt.master = actor.NewMaster(def.ID, rt.bus, o.oracle, roster, def.Master, sink)
	if err := rt.master.Start(); err != nil {
		rt.master = nil
		return fail(err)
	}

	var exec agent.Executor
	if o.oracle != nil {
		exec = agent.LLMExecutor(o.oracle)
	}
	for _, m := range def.Agents {
		p := agent.NewPool(def.ID, m, rt.bus, exec)
		if err := p.Start(ctx); err != nil {
			return fail(err)
		}
		rt.pools = append(rt.pools, p)
	}

	rt.runner = trigger.NewRunner(def.ID, o.opts.BrokerURL, rt.master.HandleExternalTrigger)
	if err := rt.runner.Start(ctx, def.Triggers); err != nil {
		rt.runner = nil
		return fail(err)
	}

	return rt, nil
}

// StopSwarm reverses the start order: triggers, pools, master, bus. Stopping
// a swarm that is not running is a no-op.
func (o *Orchestrator) StopSwarm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.defs[id]
	if !ok {
		return fmt.Errorf("stop swarm: %q not found", id)
	}
	rt, up := o.running[id]
	if !up {
		return nil
	}

	o.setStatusLocked(def, swarm.StatusStopping)
	o.teardown(rt)
	delete(o.running, id)
	st := o.stamps[id]
	st.stoppedAt = time.Now().UTC()
	o.stamps[id] = st
	o.setStatusLocked(def, swarm.StatusInactive)
	slog.Info("swarm stopped", "swarm", id)
	return nil
}

func (o *Orchestrator) teardown(rt *runtime) {
	if rt.runner != nil {
		rt.runner.Stop()
	}
	for _, p := range rt.pools {
		p.Stop()
	}
	if rt.master != nil {
		rt.master.Stop()
	}
	rt.cancel()
	if rt.bus != nil {
		rt.bus.Stop()
	}
}

// DeleteSwarm removes a stopped swarm and its archived decisions.
func (o *Orchestrator) DeleteSwarm(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.defs[id]; !ok {
		return fmt.Errorf("delete swarm: %q not found", id)
	}
	if _, up := o.running[id]; up {
		return fmt.Errorf("delete swarm: %q is running, stop it first", id)
	}

	if o.store != nil {
		if err := o.store.DeleteSwarm(id); err != nil {
			return err
		}
	}
	delete(o.defs, id)
	delete(o.stamps, id)
	slog.Info("swarm deleted", "swarm", id)
	return nil
}

// HandleUserQuery feeds an ad-hoc query to an active swarm's master and
// blocks until the task settles. Extra carries auxiliary trigger data and is
// merged into the payload next to the query.
func (o *Orchestrator) HandleUserQuery(ctx context.Context, id, query string, extra map[string]any) (*actor.TriggerResult, error) {
	o.mu.Lock()
	rt, up := o.running[id]
	o.mu.Unlock()
	if !up {
		return nil, fmt.Errorf("user query: swarm %q is not active", id)
	}

	data := map[string]any{"query": query}
	for k, v := range extra {
		if k == "query" {
			continue
		}
		data[k] = v
	}

	return rt.master.HandleExternalTrigger(ctx, "user_query", data, ""), nil
}

// SwarmStatus reports the lifecycle state of one swarm.
func (o *Orchestrator) SwarmStatus(id string) (swarm.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.defs[id]
	if !ok {
		return "", fmt.Errorf("swarm %q not found", id)
	}
	return def.Status, nil
}

// SwarmInfo reports the status plus run timestamps of one swarm. StartedAt
// is zero for a swarm never started; StoppedAt is zero while it runs.
func (o *Orchestrator) SwarmInfo(id string) (SwarmInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.defs[id]
	if !ok {
		return SwarmInfo{}, fmt.Errorf("swarm %q not found", id)
	}

	st := o.stamps[id]
	return SwarmInfo{
		ID:        def.ID,
		Name:      def.Name,
		Status:    def.Status,
		StartedAt: st.startedAt,
		StoppedAt: st.stoppedAt,
	}, nil
}

// ListSwarms returns a snapshot of every known definition.
func (o *Orchestrator) ListSwarms() []swarm.Definition {
	o.mu.Lock()
	defer o.mu.Unlock()
	defs := make([]swarm.Definition, 0, len(o.defs))
	for _, def := range o.defs {
		defs = append(defs, *def)
	}
	return defs
}

// Shutdown stops every running swarm.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopSwarm(id); err != nil {
			slog.Error("stop swarm failed", "swarm", id, "error", err)
		}
	}
}

func (o *Orchestrator) setStatusLocked(def *swarm.Definition, status swarm.Status) {
	def.Status = status
	if o.store != nil {
		if err := o.store.UpdateSwarmStatus(def.ID, status); err != nil {
			slog.Error("persist swarm status failed", "swarm", def.ID, "status", status, "error", err)
		}
	}
}
