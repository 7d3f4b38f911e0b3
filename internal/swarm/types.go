// Package swarm holds the static definition of a swarm: its memberships,
// triggers and master settings. Definitions are read-only at runtime.
package swarm

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Status is the lifecycle state of a swarm definition.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Definition describes one swarm: a master, its agents and external triggers.
type Definition struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name"`
	Status   Status       `json:"status" yaml:"-"`
	Master   MasterConfig `json:"master" yaml:"master"`
	Agents   []Membership `json:"agents" yaml:"agents"`
	Triggers []Trigger    `json:"triggers,omitempty" yaml:"triggers"`
}

// MasterConfig bounds the master actor's decision loop.
type MasterConfig struct {
	MaxIterations      int           `json:"max_iterations" yaml:"max_iterations"`
	AggregationTimeout time.Duration `json:"aggregation_timeout" yaml:"aggregation_timeout"`
	DecisionTimeout    time.Duration `json:"decision_timeout" yaml:"decision_timeout"`
	RecentResults      int           `json:"recent_results" yaml:"recent_results"`
	MaxTaskStates      int           `json:"max_task_states" yaml:"max_task_states"`
}

// Membership is the static per-role agent configuration.
type Membership struct {
	AgentID       string             `json:"agent_id" yaml:"agent_id"`
	Name          string             `json:"name" yaml:"name"`
	Description   string             `json:"description" yaml:"description"`
	Role          string             `json:"role" yaml:"role"`
	Subscriptions []SubscriptionSpec `json:"subscriptions" yaml:"subscriptions"`
	MinInstances  int                `json:"min_instances" yaml:"min_instances"`
	MaxInstances  int                `json:"max_instances" yaml:"max_instances"`
	AutoScale     bool               `json:"auto_scale" yaml:"auto_scale"`
	MaxConcurrent int                `json:"max_concurrent" yaml:"max_concurrent"`
}

// SubscriptionSpec is one bus subscription an agent holds while running.
type SubscriptionSpec struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Priority int    `json:"priority" yaml:"priority"`
	Active   bool   `json:"active" yaml:"active"`
}

// Trigger is an external trigger attached to a swarm.
type Trigger struct {
	ID     string `json:"id" yaml:"id"`
	Kind   string `json:"kind" yaml:"kind"` // "schedule" or "broker"
	Active bool   `json:"active" yaml:"active"`

	// Schedule trigger: standard five/six-field cron expression.
	Schedule string `json:"schedule,omitempty" yaml:"schedule"`

	// Broker trigger.
	URL    string `json:"url,omitempty" yaml:"url"`
	Topic  string `json:"topic,omitempty" yaml:"topic"`
	Filter string `json:"filter,omitempty" yaml:"filter"`
}

const (
	TriggerSchedule = "schedule"
	TriggerBroker   = "broker"
)

// Normalize fills in defaults a definition may omit.
func (d *Definition) Normalize() {
	if d.Status == "" {
		d.Status = StatusInactive
	}
	if d.Master.MaxIterations <= 0 {
		d.Master.MaxIterations = 10
	}
	if d.Master.AggregationTimeout <= 0 {
		d.Master.AggregationTimeout = 60 * time.Second
	}
	if d.Master.DecisionTimeout <= 0 {
		d.Master.DecisionTimeout = 30 * time.Second
	}
	if d.Master.RecentResults <= 0 {
		d.Master.RecentResults = 5
	}
	if d.Master.MaxTaskStates <= 0 {
		d.Master.MaxTaskStates = 256
	}
	for i := range d.Agents {
		m := &d.Agents[i]
		if m.MinInstances <= 0 {
			m.MinInstances = 1
		}
		if m.MaxInstances < m.MinInstances {
			m.MaxInstances = m.MinInstances
		}
		if m.MaxConcurrent <= 0 {
			m.MaxConcurrent = 3
		}
	}
}

// Validate checks a definition before it is persisted or started.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("swarm name is required")
	}
	if len(d.Agents) == 0 {
		return fmt.Errorf("swarm %q has no agents", d.Name)
	}

	seen := make(map[string]bool, len(d.Agents))
	for _, m := range d.Agents {
		if m.AgentID == "" {
			return fmt.Errorf("membership in %q is missing agent_id", d.Name)
		}
		if seen[m.AgentID] {
			return fmt.Errorf("duplicate agent_id %q in %q", m.AgentID, d.Name)
		}
		seen[m.AgentID] = true
		if len(m.Subscriptions) == 0 {
			return fmt.Errorf("agent %q has no subscriptions", m.AgentID)
		}
	}

	for _, tr := range d.Triggers {
		switch tr.Kind {
		case TriggerSchedule:
			if !gronx.New().IsValid(tr.Schedule) {
				return fmt.Errorf("trigger %q: invalid cron expression %q", tr.ID, tr.Schedule)
			}
		case TriggerBroker:
			if tr.Topic == "" {
				return fmt.Errorf("trigger %q: broker topic is required", tr.ID)
			}
		default:
			return fmt.Errorf("trigger %q: unknown kind %q", tr.ID, tr.Kind)
		}
	}
	return nil
}
