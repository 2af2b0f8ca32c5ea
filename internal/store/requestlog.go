package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

// AppendMessage records an inbound message. A message_id that already exists
// is a no-op; created reports whether a new row was written.
func (s *DB) AppendMessage(msg *model.PendingMessage) (created bool, err error) {
	if msg.MessageID == "" {
		return false, memerr.Newf(memerr.KindInvalidInput, "store.append_message", "empty message_id")
	}
	if msg.SenderID == "" || msg.Content == "" || msg.CreatedAt.IsZero() {
		return false, memerr.Newf(memerr.KindInvalidInput, "store.append_message",
			"message %s missing sender_id, content, or created_at", msg.MessageID)
	}

	payload := marshalJSON(msg)

	res, err := s.db.Exec(`
		INSERT INTO request_log (message_id, group_id, sender_id, sender_name, role,
			content, created_at, refer_list, payload, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		msg.MessageID, msg.GroupID, msg.SenderID, msg.SenderName, string(msg.Role),
		msg.Content, msg.CreatedAt, marshalJSON(msg.ReferList), payload,
		int(model.StatusRecorded))
	if err != nil {
		return false, fmt.Errorf("failed to append message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert: %w", err)
	}
	return n > 0, nil
}

// GetMessage fetches one logged message by ID.
func (s *DB) GetMessage(messageID string) (*model.PendingMessage, error) {
	row := s.db.QueryRow(`
		SELECT message_id, group_id, sender_id, sender_name, role, content,
			created_at, refer_list, sync_status
		FROM request_log WHERE message_id = ?`, messageID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, memerr.Newf(memerr.KindNotFound, "store.get_message", "message %s not found", messageID)
	}
	return msg, err
}

// MessageFilter selects logged messages. GroupID matches exactly (the
// empty string is the private scope) unless AnyGroup is set, which lifts
// the group restriction entirely. UserID filters by sender when non-empty.
// Empty Statuses means any unconsumed or consumed status. A Limit of 0
// means no limit.
type MessageFilter struct {
	GroupID  string
	AnyGroup bool
	UserID   string
	Statuses []model.MessageStatus
	Limit    int
	Desc     bool
}

// FindMessages returns logged messages matching the filter, ordered by
// created_at (ascending unless Desc), message_id as the tie-break.
func (s *DB) FindMessages(f MessageFilter) ([]*model.PendingMessage, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []model.MessageStatus{model.StatusRecorded, model.StatusInWindow, model.StatusConsumed}
	}

	placeholders := make([]string, len(statuses))
	var args []any
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, int(st))
	}
	where := fmt.Sprintf("sync_status IN (%s)", strings.Join(placeholders, ","))
	if !f.AnyGroup {
		where += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.UserID != "" {
		where += " AND sender_id = ?"
		args = append(args, f.UserID)
	}

	order := "ASC"
	if f.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT message_id, group_id, sender_id, sender_name, role, content,
			created_at, refer_list, sync_status
		FROM request_log
		WHERE %s
		ORDER BY created_at %s, message_id %s`,
		where, order, order)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*model.PendingMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// FindPending returns the unconsumed messages of one group in chronological
// order. This is the window the segmentation worker reads; the empty group
// is the private scope, not a wildcard.
func (s *DB) FindPending(groupID string, limit int) ([]*model.PendingMessage, error) {
	return s.FindMessages(MessageFilter{
		GroupID:  groupID,
		Statuses: []model.MessageStatus{model.StatusRecorded, model.StatusInWindow},
		Limit:    limit,
	})
}

// MarkStatus sets sync_status for a batch of messages in one transaction.
func (s *DB) MarkStatus(messageIDs []string, status model.MessageStatus) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE request_log SET sync_status = ? WHERE message_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.Exec(int(status), id); err != nil {
			return fmt.Errorf("failed to mark %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PendingGroups lists group IDs that have unconsumed messages.
func (s *DB) PendingGroups() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT group_id FROM request_log
		WHERE sync_status IN (?, ?)
		ORDER BY group_id`,
		int(model.StatusRecorded), int(model.StatusInWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*model.PendingMessage, error) {
	var msg model.PendingMessage
	var role string
	var referList sql.NullString
	var status int

	err := row.Scan(&msg.MessageID, &msg.GroupID, &msg.SenderID, &msg.SenderName,
		&role, &msg.Content, &msg.CreatedAt, &referList, &status)
	if err != nil {
		return nil, err
	}

	msg.Role = model.Role(role)
	msg.Status = model.MessageStatus(status)
	if referList.Valid && referList.String != "" {
		if err := json.Unmarshal([]byte(referList.String), &msg.ReferList); err != nil {
			return nil, fmt.Errorf("failed to parse refer_list for %s: %w", msg.MessageID, err)
		}
	}
	return &msg, nil
}
