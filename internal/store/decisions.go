package store

import (
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/sminos/internal/actor"
)

// SaveDecision archives one decision. The archive is append-only; replays of
// the same decision id are ignored.
func (s *Store) SaveDecision(swarmID string, d actor.Decision) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO decisions (id, swarm_id, type, trigger_event_id, reasoning, confidence, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, swarmID, string(d.Type), d.TriggerEventID, d.Reasoning, d.Confidence, string(blob))
	if err != nil {
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}

// ListDecisions returns a swarm's archived decisions, most recent first.
// limit <= 0 returns everything.
func (s *Store) ListDecisions(swarmID string, limit int) ([]actor.Decision, error) {
	// rowid preserves insert order; CURRENT_TIMESTAMP only has second
	// precision.
	q := `SELECT decision FROM decisions WHERE swarm_id = ? ORDER BY rowid DESC`
	args := []any{swarmID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", swarmID, err)
	}
	defer rows.Close()

	var decisions []actor.Decision
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d actor.Decision
		if err := json.Unmarshal([]byte(blob), &d); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
