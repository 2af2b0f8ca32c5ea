package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

// UpsertConversationMeta stores caller-supplied conversation metadata.
// Re-posting the same group_id replaces the stored record.
func (s *DB) UpsertConversationMeta(meta *model.ConversationMeta) error {
	if meta.GroupID == "" {
		return memerr.Newf(memerr.KindInvalidInput, "store.upsert_meta", "empty group_id")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversation_meta (group_id, payload, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET payload = excluded.payload`,
		meta.GroupID, string(payload), meta.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert meta: %w", err)
	}
	return nil
}

// GetConversationMeta fetches metadata for a group.
func (s *DB) GetConversationMeta(groupID string) (*model.ConversationMeta, error) {
	var payload string
	err := s.db.QueryRow(
		"SELECT payload FROM conversation_meta WHERE group_id = ?", groupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, memerr.Newf(memerr.KindNotFound, "store.get_meta", "no meta for group %s", groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meta: %w", err)
	}

	var meta model.ConversationMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta for %s: %w", groupID, err)
	}
	return &meta, nil
}

// UpdateConversationStatus writes the per-group ingest watermarks.
func (s *DB) UpdateConversationStatus(status *model.ConversationStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_status (group_id, old_msg_start_time, new_msg_start_time, last_memcell_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			old_msg_start_time = excluded.old_msg_start_time,
			new_msg_start_time = excluded.new_msg_start_time,
			last_memcell_time = excluded.last_memcell_time`,
		status.GroupID, nullableTime(status.OldMsgStartTime),
		nullableTime(status.NewMsgStartTime), nullableTime(status.LastMemCellTime))
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// GetConversationStatus fetches the per-group ingest watermarks, or a zero
// status when the group is unknown.
func (s *DB) GetConversationStatus(groupID string) (*model.ConversationStatus, error) {
	var status model.ConversationStatus
	var oldStart, newStart, lastCell sql.NullTime
	err := s.db.QueryRow(`
		SELECT group_id, old_msg_start_time, new_msg_start_time, last_memcell_time
		FROM conversation_status WHERE group_id = ?`, groupID).
		Scan(&status.GroupID, &oldStart, &newStart, &lastCell)
	if err == sql.ErrNoRows {
		return &model.ConversationStatus{GroupID: groupID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	status.OldMsgStartTime = oldStart.Time
	status.NewMsgStartTime = newStart.Time
	status.LastMemCellTime = lastCell.Time
	return &status, nil
}
