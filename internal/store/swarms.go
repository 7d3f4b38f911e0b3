package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtzanidakis/sminos/internal/swarm"
)

// SaveSwarm upserts a definition. The full definition is stored as JSON; the
// status column is the live copy and wins over the blob on read.
func (s *Store) SaveSwarm(def *swarm.Definition) error {
	blob, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal swarm %s: %w", def.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO swarms (id, name, status, definition)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			definition = excluded.definition,
			updated_at = CURRENT_TIMESTAMP`,
		def.ID, def.Name, string(def.Status), string(blob))
	if err != nil {
		return fmt.Errorf("save swarm %s: %w", def.ID, err)
	}
	return nil
}

// GetSwarm returns nil without error when the swarm does not exist.
func (s *Store) GetSwarm(id string) (*swarm.Definition, error) {
	row := s.db.QueryRow(`SELECT status, definition FROM swarms WHERE id = ?`, id)

	var status, blob string
	err := row.Scan(&status, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm %s: %w", id, err)
	}

	var def swarm.Definition
	if err := json.Unmarshal([]byte(blob), &def); err != nil {
		return nil, fmt.Errorf("unmarshal swarm %s: %w", id, err)
	}
	def.Status = swarm.Status(status)
	return &def, nil
}

func (s *Store) ListSwarms() ([]swarm.Definition, error) {
	rows, err := s.db.Query(`SELECT status, definition FROM swarms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var defs []swarm.Definition
	for rows.Next() {
		var status, blob string
		if err := rows.Scan(&status, &blob); err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		var def swarm.Definition
		if err := json.Unmarshal([]byte(blob), &def); err != nil {
			return nil, fmt.Errorf("unmarshal swarm: %w", err)
		}
		def.Status = swarm.Status(status)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) UpdateSwarmStatus(id string, status swarm.Status) error {
	res, err := s.db.Exec(`UPDATE swarms SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update swarm status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update swarm status %s: not found", id)
	}
	return nil
}

// DeleteSwarm removes the definition and its archived decisions.
func (s *Store) DeleteSwarm(id string) error {
	if _, err := s.db.Exec(`DELETE FROM decisions WHERE swarm_id = ?`, id); err != nil {
		return fmt.Errorf("delete swarm decisions %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM swarms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete swarm %s: %w", id, err)
	}
	return nil
}
