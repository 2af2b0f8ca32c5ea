package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemora/mnemora/internal/model"
)

// LoadClusterState fetches the clustering state for a group, or a fresh
// empty state when none is stored yet.
func (s *DB) LoadClusterState(groupID string) (*model.ClusterState, error) {
	var payload string
	err := s.db.QueryRow(
		"SELECT payload FROM cluster_state WHERE group_id = ?", groupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return model.NewClusterState(groupID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster state: %w", err)
	}

	var state model.ClusterState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("failed to parse cluster state for %s: %w", groupID, err)
	}
	if state.Clusters == nil {
		state.Clusters = make(map[string]*model.Cluster)
	}
	if state.Assignments == nil {
		state.Assignments = make(map[string]string)
	}
	return &state, nil
}

// SaveClusterState replaces the stored state for a group as a whole. The
// cluster manager serializes per-group writes, so a plain upsert keeps the
// read-modify-write atomic.
func (s *DB) SaveClusterState(state *model.ClusterState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cluster_state (group_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		state.GroupID, string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save cluster state: %w", err)
	}
	return nil
}
