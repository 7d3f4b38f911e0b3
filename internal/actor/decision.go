package actor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// DecisionType enumerates what the master does with a decision cycle's
// outcome.
type DecisionType string

const (
	DecisionBroadcast DecisionType = "BROADCAST"
	DecisionDirect    DecisionType = "DIRECT"
	DecisionAggregate DecisionType = "AGGREGATE"
	DecisionComplete  DecisionType = "COMPLETE"
	DecisionRetry     DecisionType = "RETRY"
	DecisionEscalate  DecisionType = "ESCALATE"
	DecisionNoAction  DecisionType = "NO_ACTION"
)

// Decision is produced once per decision cycle and appended, immutable, to
// the swarm's decision log.
type Decision struct {
	ID             string         `json:"id"`
	Type           DecisionType   `json:"type"`
	TriggerEventID string         `json:"trigger_event_id"`
	EventType      string         `json:"event_type,omitempty"`
	TargetAgents   []string       `json:"target_agents,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// parseDecision extracts the JSON object embedded in an oracle response.
// Models wrap their JSON in prose or fences often enough that a strict parse
// failure falls back to jsonrepair before giving up.
func parseDecision(raw string) (*Decision, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in oracle response")
	}
	candidate := raw[start : end+1]

	var d Decision
	if err := json.Unmarshal([]byte(candidate), &d); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil, fmt.Errorf("parse decision: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &d); err != nil {
			return nil, fmt.Errorf("parse repaired decision: %w", err)
		}
	}

	d.Type = DecisionType(strings.ToUpper(strings.TrimSpace(string(d.Type))))
	switch d.Type {
	case DecisionBroadcast, DecisionDirect, DecisionAggregate, DecisionComplete,
		DecisionRetry, DecisionEscalate, DecisionNoAction:
	default:
		return nil, fmt.Errorf("unknown decision type %q", d.Type)
	}

	if d.Type == DecisionDirect && len(d.TargetAgents) == 0 {
		return nil, fmt.Errorf("DIRECT decision without target agents")
	}
	return &d, nil
}
