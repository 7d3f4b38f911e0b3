package trigger

import (
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mtzanidakis/sminos/internal/swarm"
)

// runSchedule sleeps until the next cron tick, dispatches, and repeats until
// the runner is stopped. A bad expression backs off instead of spinning; the
// expression was validated when the swarm definition was, so this only
// happens if definitions were mutated behind our back.
func (r *Runner) runSchedule(trig swarm.Trigger) {
	defer r.wg.Done()
	slog.Info("schedule trigger started", "swarm", r.swarmID, "trigger", trig.ID, "cron", trig.Schedule)

	for {
		next, err := gronx.NextTick(trig.Schedule, false)
		if err != nil {
			slog.Error("bad cron expression", "trigger", trig.ID, "cron", trig.Schedule, "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(scheduleRetryBackoff):
				continue
			}
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		r.fire(trig, "schedule", map[string]any{
			"trigger_id": trig.ID,
			"schedule":   trig.Schedule,
			"fired_at":   next.UTC().Format(time.RFC3339),
		})
	}
}
