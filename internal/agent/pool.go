package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/bus"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

const defaultScaleInterval = 5 * time.Second

// Pool runs between MinInstances and MaxInstances agents for one membership
// and, when auto-scaling is on, resizes the fleet from observed load.
type Pool struct {
	swarmID    string
	membership swarm.Membership
	bus        *bus.Bus
	exec       Executor

	scaleInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*Agent
	seq       int
}

func NewPool(swarmID string, m swarm.Membership, b *bus.Bus, exec Executor) *Pool {
	return &Pool{
		swarmID:       swarmID,
		membership:    m,
		bus:           b,
		exec:          exec,
		scaleInterval: defaultScaleInterval,
		instances:     make(map[string]*Agent),
	}
}

// Start spawns the minimum instance count and, if the membership opts in,
// the scaling loop.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.membership.MinInstances; i++ {
		if err := p.addInstanceLocked(); err != nil {
			p.stopAllLocked()
			return err
		}
	}

	if p.membership.AutoScale {
		p.wg.Add(1)
		go p.scaleLoop()
	}

	slog.Info("agent pool started",
		"swarm", p.swarmID, "agent", p.membership.AgentID, "instances", len(p.instances))
	return nil
}

// Stop halts scaling and stops every instance.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.stopAllLocked()
	p.mu.Unlock()
	slog.Info("agent pool stopped", "swarm", p.swarmID, "agent", p.membership.AgentID)
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Instances returns the current instance ids.
func (p *Pool) Instances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) addInstanceLocked() error {
	p.seq++
	id := fmt.Sprintf("%s-%d", p.membership.AgentID, p.seq)
	a := New(id, p.membership, p.bus, p.exec)
	if err := a.Start(p.ctx); err != nil {
		return fmt.Errorf("pool %s: %w", p.membership.AgentID, err)
	}
	p.instances[id] = a
	return nil
}

func (p *Pool) stopAllLocked() {
	for id, a := range p.instances {
		a.Stop()
		delete(p.instances, id)
	}
}

func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.scaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evaluateScaling()
		}
	}
}

// evaluateScaling grows the pool by one when every instance is busy and
// shrinks by one idle instance when more than one sits idle. One step per
// tick keeps the fleet from oscillating.
func (p *Pool) evaluateScaling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, a := range p.instances {
		if !a.Busy() {
			idle++
		}
	}

	switch {
	case idle == 0 && len(p.instances) < p.membership.MaxInstances:
		if err := p.addInstanceLocked(); err != nil {
			slog.Error("scale up failed", "agent", p.membership.AgentID, "error", err)
			return
		}
		slog.Info("scaled up", "agent", p.membership.AgentID, "instances", len(p.instances))
	case idle > 1 && len(p.instances) > p.membership.MinInstances:
		for id, a := range p.instances {
			if a.Busy() {
				continue
			}
			a.Stop()
			delete(p.instances, id)
			slog.Info("scaled down", "agent", p.membership.AgentID, "instances", len(p.instances))
			return
		}
	}
}
