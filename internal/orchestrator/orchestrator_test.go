package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/actor"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type stubOracle struct {
	resp string

	mu      sync.Mutex
	prompts []string
}

func (s *stubOracle) Generate(_ context.Context, prompt, _ string, _ float64, _ int64) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.resp, nil
}

func (s *stubOracle) sawPrompt(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func completeOracle() *stubOracle {
	return &stubOracle{resp: `{"type": "COMPLETE", "reasoning": "done"}`}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "sminos.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testDefinition(id, agentID string) *swarm.Definition {
	return &swarm.Definition{
		ID:   id,
		Name: "research swarm",
		Master: swarm.MasterConfig{
			AggregationTimeout: 2 * time.Second,
			DecisionTimeout:    time.Second,
		},
		Agents: []swarm.Membership{
			{
				AgentID: agentID,
				Name:    "Searcher",
				Role:    "search",
				Subscriptions: []swarm.SubscriptionSpec{
					{Pattern: "task.search", Priority: 5, Active: true},
				},
				MinInstances: 1,
				MaxInstances: 2,
			},
		},
	}
}

func TestSwarmLifecycle(t *testing.T) {
	o := New(nil, completeOracle(), Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st, _ := o.SwarmStatus("s1"); st != swarm.StatusInactive {
		t.Errorf("status after create = %s", st)
	}

	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st, _ := o.SwarmStatus("s1"); st != swarm.StatusActive {
		t.Errorf("status after start = %s", st)
	}

	// Starting an active swarm is a no-op.
	if err := o.StartSwarm("s1"); err != nil {
		t.Errorf("second start: %v", err)
	}

	if err := o.StopSwarm("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st, _ := o.SwarmStatus("s1"); st != swarm.StatusInactive {
		t.Errorf("status after stop = %s", st)
	}
	if err := o.StopSwarm("s1"); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestSwarmInfoTimestamps(t *testing.T) {
	o := New(nil, completeOracle(), Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := o.SwarmInfo("s1")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.StartedAt.IsZero() || !info.StoppedAt.IsZero() {
		t.Errorf("never-started swarm has timestamps: %+v", info)
	}

	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	info, _ = o.SwarmInfo("s1")
	if info.StartedAt.IsZero() {
		t.Error("running swarm has zero StartedAt")
	}
	if !info.StoppedAt.IsZero() {
		t.Errorf("running swarm has StoppedAt %v", info.StoppedAt)
	}

	if err := o.StopSwarm("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	info, _ = o.SwarmInfo("s1")
	if info.StartedAt.IsZero() || info.StoppedAt.IsZero() {
		t.Errorf("stopped swarm missing timestamps: %+v", info)
	}
	if info.StoppedAt.Before(info.StartedAt) {
		t.Errorf("StoppedAt %v before StartedAt %v", info.StoppedAt, info.StartedAt)
	}

	if _, err := o.SwarmInfo("missing"); err == nil {
		t.Error("expected error for unknown swarm")
	}
}

func TestCreateSwarmErrors(t *testing.T) {
	o := New(nil, nil, Options{})

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err == nil {
		t.Error("expected error for duplicate id")
	}

	bad := testDefinition("s2", "searcher")
	bad.Agents = nil
	if err := o.CreateSwarm(bad); err == nil {
		t.Error("expected error for definition without agents")
	}

	if err := o.StartSwarm("missing"); err == nil {
		t.Error("expected error starting unknown swarm")
	}
}

func TestStartFailureLeavesErrorState(t *testing.T) {
	o := New(nil, nil, Options{})

	def := testDefinition("s1", "searcher")
	def.Triggers = []swarm.Trigger{
		// Broker trigger with no url anywhere fails at start.
		{ID: "t1", Kind: swarm.TriggerBroker, Active: true, Topic: "in"},
	}
	if err := o.CreateSwarm(def); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := o.StartSwarm("s1"); err == nil {
		t.Fatal("expected start to fail")
	}
	if st, _ := o.SwarmStatus("s1"); st != swarm.StatusError {
		t.Errorf("status = %s, want error", st)
	}
	// A failed start holds no runtime; the swarm can be deleted right away.
	if err := o.DeleteSwarm("s1"); err != nil {
		t.Errorf("delete after failed start: %v", err)
	}
}

func TestHandleUserQuery(t *testing.T) {
	o := New(nil, completeOracle(), Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := o.HandleUserQuery(context.Background(), "s1", "hi", nil); err == nil {
		t.Error("expected error querying inactive swarm")
	}

	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := o.HandleUserQuery(context.Background(), "s1", "what is the weather", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %s, want success", res.Status)
	}
}

func TestHandleUserQueryMergesContext(t *testing.T) {
	orc := completeOracle()
	o := New(nil, orc, Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	extra := map[string]any{
		"locale": "el",
		"query":  "must not clobber",
	}
	res, err := o.HandleUserQuery(context.Background(), "s1", "what is the weather", extra)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("status = %s", res.Status)
	}

	// The trigger data reaches the master's decision prompt.
	if !orc.sawPrompt(`"locale":"el"`) {
		t.Error("auxiliary context never reached the decision prompt")
	}
	if orc.sawPrompt("must not clobber") {
		t.Error("extra data overwrote the query")
	}
	if !orc.sawPrompt("what is the weather") {
		t.Error("query missing from the decision prompt")
	}
}

func TestSwarmBusIsolation(t *testing.T) {
	// Both swarms' agents subscribe task.search; a broadcast in one swarm
	// must never reach the other swarm's agents or fold their results into
	// the wrong task state.
	orc := &stubOracle{resp: `{"type": "BROADCAST", "event_type": "task.search", "reasoning": "fan out"}`}
	o := New(nil, orc, Options{})
	t.Cleanup(o.Shutdown)

	defA := testDefinition("swarm-a", "alpha")
	defA.Master.MaxIterations = 3
	defB := testDefinition("swarm-b", "beta")
	defB.Master.MaxIterations = 3

	for _, def := range []*swarm.Definition{defA, defB} {
		if err := o.CreateSwarm(def); err != nil {
			t.Fatalf("create %s: %v", def.ID, err)
		}
		if err := o.StartSwarm(def.ID); err != nil {
			t.Fatalf("start %s: %v", def.ID, err)
		}
	}

	res, err := o.HandleUserQuery(context.Background(), "swarm-a", "weather", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("status = %s (results: %+v)", res.Status, res.Results)
	}
	if len(res.Results) == 0 {
		t.Fatal("no results collected from swarm-a's own agent")
	}
	for _, r := range res.Results {
		if r.AgentID != "alpha" {
			t.Errorf("result from foreign agent %q leaked into swarm-a", r.AgentID)
		}
	}
}

func TestDeleteSwarm(t *testing.T) {
	st := newTestStore(t)
	o := New(st, completeOracle(), Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := o.DeleteSwarm("s1"); err == nil {
		t.Error("expected error deleting a running swarm")
	}

	if err := o.StopSwarm("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := o.DeleteSwarm("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := o.SwarmStatus("s1"); err == nil {
		t.Error("swarm still known after delete")
	}
	got, err := st.GetSwarm("s1")
	if err != nil || got != nil {
		t.Errorf("persisted swarm after delete = %+v, %v", got, err)
	}
}

func TestRestore(t *testing.T) {
	st := newTestStore(t)

	o := New(st, nil, Options{})
	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Simulate a crash: the store still says active.

	o2 := New(st, nil, Options{})
	if err := o2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}

	status, err := o2.SwarmStatus("s1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != swarm.StatusInactive {
		t.Errorf("restored status = %s, want inactive", status)
	}

	o.Shutdown()
}

func TestDecisionsArchivedThroughStore(t *testing.T) {
	st := newTestStore(t)
	o := New(st, completeOracle(), Options{})
	t.Cleanup(o.Shutdown)

	if err := o.CreateSwarm(testDefinition("s1", "searcher")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.StartSwarm("s1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := o.HandleUserQuery(context.Background(), "s1", "hi", nil); err != nil {
		t.Fatalf("query: %v", err)
	}

	decisions, err := st.ListDecisions("s1", 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Type != actor.DecisionComplete {
		t.Errorf("archived decisions = %+v", decisions)
	}
}
