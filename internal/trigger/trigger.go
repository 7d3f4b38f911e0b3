// Package trigger feeds external stimuli into a swarm's master: cron
// schedules and messages arriving on a NATS broker.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/actor"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

// Dispatch hands a trigger to the swarm's master and blocks until the task
// settles.
type Dispatch func(ctx context.Context, triggerType string, data map[string]any, correlationID string) *actor.TriggerResult

// Runner owns every trigger of one swarm. Start brings them up, Stop tears
// them all down.
type Runner struct {
	swarmID   string
	brokerURL string
	dispatch  Dispatch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns []*nats.Conn
}

func NewRunner(swarmID, brokerURL string, dispatch Dispatch) *Runner {
	return &Runner{
		swarmID:   swarmID,
		brokerURL: brokerURL,
		dispatch:  dispatch,
	}
}

// Start launches every active trigger. A broker trigger that cannot connect
// or subscribe fails the whole start; everything already running is torn
// down.
func (r *Runner) Start(ctx context.Context, triggers []swarm.Trigger) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, trig := range triggers {
		if !trig.Active {
			continue
		}
		switch trig.Kind {
		case swarm.TriggerSchedule:
			r.wg.Add(1)
			go r.runSchedule(trig)
		case swarm.TriggerBroker:
			if err := r.startBroker(trig); err != nil {
				r.Stop()
				return err
			}
		default:
			r.Stop()
			return fmt.Errorf("trigger %s: unknown kind %q", trig.ID, trig.Kind)
		}
	}
	return nil
}

// Stop cancels schedule loops and drains broker connections.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, nc := range conns {
		nc.Close()
	}
}

func (r *Runner) fire(trig swarm.Trigger, triggerType string, data map[string]any) {
	res := r.dispatch(r.ctx, triggerType, data, "")
	slog.Info("trigger fired",
		"swarm", r.swarmID, "trigger", trig.ID, "type", triggerType,
		"status", res.Status, "iterations", res.Iterations, "duration", res.Duration)
}

const scheduleRetryBackoff = time.Minute
