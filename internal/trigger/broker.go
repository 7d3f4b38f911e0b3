package trigger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/swarm"
)

// filterClause is one key=value or key!=value condition on the message
// payload. A trigger's filter is the conjunction of its clauses.
type filterClause struct {
	key    string
	value  string
	negate bool
}

func parseFilter(filter string) ([]filterClause, error) {
	var clauses []filterClause
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		negate := false
		key, value, ok := strings.Cut(part, "!=")
		if ok {
			negate = true
		} else {
			key, value, ok = strings.Cut(part, "=")
			if !ok {
				return nil, fmt.Errorf("filter clause %q: want key=value or key!=value", part)
			}
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("filter clause %q: empty key", part)
		}
		clauses = append(clauses, filterClause{key: key, value: value, negate: negate})
	}
	return clauses, nil
}

func matchFilter(clauses []filterClause, data map[string]any) bool {
	for _, c := range clauses {
		v, ok := data[c.key]
		got := ""
		if ok {
			got = fmt.Sprint(v)
		}
		equal := ok && got == c.value
		if equal == c.negate {
			return false
		}
	}
	return true
}

// startBroker connects to the trigger's broker (or the runner's default) and
// forwards matching messages to the master.
func (r *Runner) startBroker(trig swarm.Trigger) error {
	url := trig.URL
	if url == "" {
		url = r.brokerURL
	}
	if url == "" {
		return fmt.Errorf("trigger %s: no broker url", trig.ID)
	}

	clauses, err := parseFilter(trig.Filter)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", trig.ID, err)
	}

	nc, err := nats.Connect(url,
		nats.Name("sminos-"+r.swarmID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("trigger %s: connect %s: %w", trig.ID, url, err)
	}

	if _, err := nc.Subscribe(trig.Topic, func(msg *nats.Msg) {
		r.handleBrokerMessage(trig, clauses, msg)
	}); err != nil {
		nc.Close()
		return fmt.Errorf("trigger %s: subscribe %s: %w", trig.ID, trig.Topic, err)
	}

	r.mu.Lock()
	r.conns = append(r.conns, nc)
	r.mu.Unlock()

	slog.Info("broker trigger started", "swarm", r.swarmID, "trigger", trig.ID, "topic", trig.Topic)
	return nil
}

func (r *Runner) handleBrokerMessage(trig swarm.Trigger, clauses []filterClause, msg *nats.Msg) {
	var data map[string]any
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		data = map[string]any{"raw": string(msg.Data)}
	}
	if !matchFilter(clauses, data) {
		return
	}

	data["trigger_id"] = trig.ID
	data["topic"] = msg.Subject

	// The dispatch blocks until the task settles; a slow swarm must not
	// stall the subscription's delivery goroutine.
	go r.fire(trig, "broker", data)
}
