package agent

import (
	"context"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/bus"
	"github.com/mtzanidakis/sminos/internal/event"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

func startPool(t *testing.T, b *bus.Bus, m swarm.Membership, exec Executor) *Pool {
	t.Helper()
	p := NewPool("s1", m, b, exec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func waitBusyCount(t *testing.T, p *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		busy := 0
		for _, a := range p.instances {
			if a.Busy() {
				busy++
			}
		}
		p.mu.Unlock()
		if busy == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("busy instances = %d, want %d", busy, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolStartsMinInstances(t *testing.T) {
	b := newTestBus(t)
	m := testMembership()
	m.MinInstances = 2

	p := startPool(t, b, m, nil)

	if p.Size() != 2 {
		t.Errorf("size = %d, want 2", p.Size())
	}
	ids := p.Instances()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("instance ids = %v", ids)
	}
}

func TestPoolScalesUpWhenAllBusy(t *testing.T) {
	b := newTestBus(t)
	m := testMembership()
	m.MinInstances = 2
	m.MaxInstances = 3
	m.AutoScale = true

	gate := make(chan struct{})
	p := startPool(t, b, m, func(ctx context.Context, _ *event.Event, _ swarm.Membership) (map[string]any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	defer close(gate)

	// A broadcast task occupies every instance of the membership.
	b.Publish(event.New("task.search", "master-s1", nil))
	waitBusyCount(t, p, 2)

	p.evaluateScaling()
	if p.Size() != 3 {
		t.Errorf("size = %d, want 3 after scale up", p.Size())
	}

	// The fresh instance is idle, so the next tick holds steady.
	p.evaluateScaling()
	if p.Size() != 3 {
		t.Errorf("size = %d, scaling must move one step per tick", p.Size())
	}
}

func TestPoolScaleUpCappedAtMax(t *testing.T) {
	b := newTestBus(t)
	m := testMembership()
	m.MinInstances = 1
	m.MaxInstances = 1
	m.AutoScale = true

	gate := make(chan struct{})
	p := startPool(t, b, m, func(ctx context.Context, _ *event.Event, _ swarm.Membership) (map[string]any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return map[string]any{}, nil
	})
	defer close(gate)

	b.Publish(event.New("task.search", "master-s1", nil))
	waitBusyCount(t, p, 1)

	p.evaluateScaling()
	if p.Size() != 1 {
		t.Errorf("size = %d, must not exceed max_instances", p.Size())
	}
}

func TestPoolScalesDownIdleInstances(t *testing.T) {
	b := newTestBus(t)
	m := testMembership()
	m.MinInstances = 1
	m.MaxInstances = 3
	m.AutoScale = true

	p := startPool(t, b, m, nil)

	p.mu.Lock()
	for i := 0; i < 2; i++ {
		if err := p.addInstanceLocked(); err != nil {
			p.mu.Unlock()
			t.Fatalf("add instance: %v", err)
		}
	}
	p.mu.Unlock()

	p.evaluateScaling()
	if p.Size() != 2 {
		t.Errorf("size = %d, want 2 after one scale-down step", p.Size())
	}

	p.evaluateScaling()
	if p.Size() != 1 {
		t.Errorf("size = %d, want 1", p.Size())
	}

	// At min_instances a lone idle instance stays.
	p.evaluateScaling()
	if p.Size() != 1 {
		t.Errorf("size = %d, must not drop below min_instances", p.Size())
	}
}

func TestPoolStopStopsAllInstances(t *testing.T) {
	b := newTestBus(t)
	m := testMembership()
	m.MinInstances = 2
	m.AutoScale = true

	p := startPool(t, b, m, nil)
	p.Stop()

	if p.Size() != 0 {
		t.Errorf("size = %d after stop", p.Size())
	}
	if got := b.GetMetrics().Subscriptions; got != 0 {
		t.Errorf("subscriptions = %d after stop, want 0", got)
	}
}
