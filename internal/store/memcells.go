package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

// InsertMemCell persists a promoted episode. Re-inserting an existing
// event_id overwrites the row, which keeps replay idempotent.
func (s *DB) InsertMemCell(cell *model.MemCell) error {
	if cell.EventID == "" {
		return memerr.Newf(memerr.KindInvalidInput, "store.insert_memcell", "empty event_id")
	}
	now := time.Now()
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO memcells (event_id, group_id, user_id, participants, timestamp,
			subject, summary, episode, original_data, embedding, embedding_model,
			cell_type, keywords, linked_entities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			participants = excluded.participants,
			timestamp = excluded.timestamp,
			subject = excluded.subject,
			summary = excluded.summary,
			episode = excluded.episode,
			original_data = excluded.original_data,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model,
			cell_type = excluded.cell_type,
			keywords = excluded.keywords,
			linked_entities = excluded.linked_entities,
			updated_at = excluded.updated_at`,
		cell.EventID, cell.GroupID, cell.UserID, marshalJSON(cell.Participants),
		cell.Timestamp, cell.Subject, cell.Summary, cell.Episode,
		marshalJSON(cell.OriginalData), marshalJSON(cell.Embedding), cell.EmbeddingModel,
		cell.Type, marshalJSON(cell.Keywords), marshalJSON(cell.LinkedEntities),
		cell.CreatedAt, cell.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memcell: %w", err)
	}
	return nil
}

// GetMemCell fetches one episode by ID.
func (s *DB) GetMemCell(eventID string) (*model.MemCell, error) {
	row := s.db.QueryRow(memCellColumns+" FROM memcells WHERE event_id = ?", eventID)
	cell, err := scanMemCell(row)
	if err == sql.ErrNoRows {
		return nil, memerr.Newf(memerr.KindNotFound, "store.get_memcell", "memcell %s not found", eventID)
	}
	return cell, err
}

// GetMemCells fetches episodes by ID, skipping IDs that no longer exist.
func (s *DB) GetMemCells(eventIDs []string) ([]*model.MemCell, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(eventIDs))
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.Query(
		memCellColumns+" FROM memcells WHERE event_id IN ("+strings.Join(placeholders, ",")+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memcells: %w", err)
	}
	defer rows.Close()
	return collectMemCells(rows)
}

// RecentMemCells returns the newest episodes in a group, newest first.
// userID narrows to cells whose participants include that user when set.
func (s *DB) RecentMemCells(groupID, userID string, limit int) ([]*model.MemCell, error) {
	query := memCellColumns + " FROM memcells WHERE group_id = ?"
	args := []any{groupID}
	if userID != "" {
		query += " AND (user_id = ? OR participants LIKE ?)"
		args = append(args, userID, "%"+jsonQuote(userID)+"%")
	}
	query += " ORDER BY timestamp DESC, event_id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent memcells: %w", err)
	}
	defer rows.Close()
	return collectMemCells(rows)
}

// AllMemCells streams every stored episode, oldest first. Used by resync.
func (s *DB) AllMemCells() ([]*model.MemCell, error) {
	rows, err := s.db.Query(memCellColumns + " FROM memcells ORDER BY timestamp ASC, event_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query memcells: %w", err)
	}
	defer rows.Close()
	return collectMemCells(rows)
}

const memCellColumns = `
	SELECT event_id, group_id, user_id, participants, timestamp, subject,
		summary, episode, original_data, embedding, embedding_model,
		cell_type, keywords, linked_entities, created_at, updated_at`

func collectMemCells(rows *sql.Rows) ([]*model.MemCell, error) {
	var cells []*model.MemCell
	for rows.Next() {
		cell, err := scanMemCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func scanMemCell(row scanner) (*model.MemCell, error) {
	var cell model.MemCell
	var participants, originalData, embedding, keywords, entities []byte
	var cellType sql.NullString

	err := row.Scan(&cell.EventID, &cell.GroupID, &cell.UserID, &participants,
		&cell.Timestamp, &cell.Subject, &cell.Summary, &cell.Episode,
		&originalData, &embedding, &cell.EmbeddingModel, &cellType,
		&keywords, &entities, &cell.CreatedAt, &cell.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cell.Type = cellType.String
	for _, pair := range []struct {
		data []byte
		dst  any
	}{
		{participants, &cell.Participants},
		{originalData, &cell.OriginalData},
		{embedding, &cell.Embedding},
		{keywords, &cell.Keywords},
		{entities, &cell.LinkedEntities},
	} {
		if len(pair.data) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.data, pair.dst); err != nil {
			return nil, fmt.Errorf("failed to parse memcell %s: %w", cell.EventID, err)
		}
	}
	return &cell, nil
}

// jsonQuote renders a string the way it appears inside a JSON array column,
// for LIKE matching on participants.
func jsonQuote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
