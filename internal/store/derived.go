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

// InsertAtomicEvents persists a batch of derived events in one transaction.
// Replayed log_ids overwrite their rows.
func (s *DB) InsertAtomicEvents(events []*model.AtomicEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO atomic_events (log_id, parent_event_id, user_id, group_id,
			participants, event_type, timestamp, atomic_fact, embedding,
			embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(log_id) DO UPDATE SET
			event_type = excluded.event_type,
			atomic_fact = excluded.atomic_fact,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.LogID == "" || ev.ParentEventID == "" || ev.AtomicFact == "" {
			return memerr.Newf(memerr.KindInvalidInput, "store.insert_atomic_events",
				"event missing log_id, parent, or fact")
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		_, err := stmt.Exec(ev.LogID, ev.ParentEventID, ev.UserID, ev.GroupID,
			marshalJSON(ev.Participants), ev.EventType, ev.Timestamp, ev.AtomicFact,
			marshalJSON(ev.Embedding), ev.EmbeddingModel, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.LogID, err)
		}
	}
	return tx.Commit()
}

// InsertSemanticMemories persists a batch of derived propositions in one
// transaction. Replayed memory_ids overwrite their rows.
func (s *DB) InsertSemanticMemories(mems []*model.SemanticMemory) error {
	if len(mems) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO semantic_memories (memory_id, parent_event_id, user_id, group_id,
			content, evidence, start_time, end_time, duration_days, embedding,
			embedding_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			content = excluded.content,
			evidence = excluded.evidence,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_days = excluded.duration_days,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range mems {
		if m.MemoryID == "" || m.ParentEventID == "" || m.Content == "" {
			return memerr.Newf(memerr.KindInvalidInput, "store.insert_semantic_memories",
				"memory missing memory_id, parent, or content")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		var duration any
		if m.DurationDays != nil {
			duration = *m.DurationDays
		}
		_, err := stmt.Exec(m.MemoryID, m.ParentEventID, m.UserID, m.GroupID,
			m.Content, m.Evidence, m.StartTime, nullableTimePtr(m.EndTime), duration,
			marshalJSON(m.Embedding), m.EmbeddingModel, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert memory %s: %w", m.MemoryID, err)
		}
	}
	return tx.Commit()
}

// AtomicEventsByParent returns the derived events of one episode.
func (s *DB) AtomicEventsByParent(parentEventID string) ([]*model.AtomicEvent, error) {
	rows, err := s.db.Query(atomicEventColumns+
		" FROM atomic_events WHERE parent_event_id = ? ORDER BY timestamp ASC, log_id ASC",
		parentEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query atomic events: %w", err)
	}
	defer rows.Close()
	return collectAtomicEvents(rows)
}

// GetAtomicEvents fetches derived events by ID, skipping missing IDs.
func (s *DB) GetAtomicEvents(logIDs []string) ([]*model.AtomicEvent, error) {
	if len(logIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inArgs(logIDs)
	rows, err := s.db.Query(atomicEventColumns+
		" FROM atomic_events WHERE log_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query atomic events: %w", err)
	}
	defer rows.Close()
	return collectAtomicEvents(rows)
}

// SemanticMemoriesByParent returns the derived propositions of one episode.
func (s *DB) SemanticMemoriesByParent(parentEventID string) ([]*model.SemanticMemory, error) {
	rows, err := s.db.Query(semanticColumns+
		" FROM semantic_memories WHERE parent_event_id = ? ORDER BY start_time ASC, memory_id ASC",
		parentEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic memories: %w", err)
	}
	defer rows.Close()
	return collectSemanticMemories(rows)
}

// GetSemanticMemories fetches derived propositions by ID, skipping missing IDs.
func (s *DB) GetSemanticMemories(memoryIDs []string) ([]*model.SemanticMemory, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inArgs(memoryIDs)
	rows, err := s.db.Query(semanticColumns+
		" FROM semantic_memories WHERE memory_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic memories: %w", err)
	}
	defer rows.Close()
	return collectSemanticMemories(rows)
}

// SemanticMemoriesHeldAt returns a user's propositions whose validity
// interval covers t: start_time <= t and (end_time is open or >= t).
func (s *DB) SemanticMemoriesHeldAt(userID string, t time.Time) ([]*model.SemanticMemory, error) {
	rows, err := s.db.Query(semanticColumns+`
		FROM semantic_memories
		WHERE user_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time >= ?)
		ORDER BY start_time ASC, memory_id ASC`,
		userID, t, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query held memories: %w", err)
	}
	defer rows.Close()
	return collectSemanticMemories(rows)
}

// AllAtomicEvents streams every derived event, oldest first. Used by resync.
func (s *DB) AllAtomicEvents() ([]*model.AtomicEvent, error) {
	rows, err := s.db.Query(atomicEventColumns + " FROM atomic_events ORDER BY timestamp ASC, log_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query atomic events: %w", err)
	}
	defer rows.Close()
	return collectAtomicEvents(rows)
}

// AllSemanticMemories streams every derived proposition, oldest first. Used
// by resync.
func (s *DB) AllSemanticMemories() ([]*model.SemanticMemory, error) {
	rows, err := s.db.Query(semanticColumns + " FROM semantic_memories ORDER BY start_time ASC, memory_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic memories: %w", err)
	}
	defer rows.Close()
	return collectSemanticMemories(rows)
}

// DeleteDerivedByParent removes every derived record of one episode, in one
// transaction. Used to unwind a half-finished derivation.
func (s *DB) DeleteDerivedByParent(parentEventID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM atomic_events WHERE parent_event_id = ?", parentEventID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM semantic_memories WHERE parent_event_id = ?", parentEventID); err != nil {
		return fmt.Errorf("failed to delete memories: %w", err)
	}
	return tx.Commit()
}

const atomicEventColumns = `
	SELECT log_id, parent_event_id, user_id, group_id, participants, event_type,
		timestamp, atomic_fact, embedding, embedding_model, created_at`

const semanticColumns = `
	SELECT memory_id, parent_event_id, user_id, group_id, content, evidence,
		start_time, end_time, duration_days, embedding, embedding_model, created_at`

func collectAtomicEvents(rows *sql.Rows) ([]*model.AtomicEvent, error) {
	var events []*model.AtomicEvent
	for rows.Next() {
		var ev model.AtomicEvent
		var participants, embedding []byte
		var eventType sql.NullString
		err := rows.Scan(&ev.LogID, &ev.ParentEventID, &ev.UserID, &ev.GroupID,
			&participants, &eventType, &ev.Timestamp, &ev.AtomicFact,
			&embedding, &ev.EmbeddingModel, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		ev.EventType = eventType.String
		if len(participants) > 0 {
			if err := json.Unmarshal(participants, &ev.Participants); err != nil {
				return nil, fmt.Errorf("failed to parse event %s: %w", ev.LogID, err)
			}
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &ev.Embedding); err != nil {
				return nil, fmt.Errorf("failed to parse event %s: %w", ev.LogID, err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func collectSemanticMemories(rows *sql.Rows) ([]*model.SemanticMemory, error) {
	var mems []*model.SemanticMemory
	for rows.Next() {
		var m model.SemanticMemory
		var embedding []byte
		var endTime sql.NullTime
		var duration sql.NullInt64
		err := rows.Scan(&m.MemoryID, &m.ParentEventID, &m.UserID, &m.GroupID,
			&m.Content, &m.Evidence, &m.StartTime, &endTime, &duration,
			&embedding, &m.EmbeddingModel, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if endTime.Valid {
			t := endTime.Time
			m.EndTime = &t
		}
		if duration.Valid {
			d := int(duration.Int64)
			m.DurationDays = &d
		}
		if len(embedding) > 0 {
			if err := json.Unmarshal(embedding, &m.Embedding); err != nil {
				return nil, fmt.Errorf("failed to parse memory %s: %w", m.MemoryID, err)
			}
		}
		mems = append(mems, &m)
	}
	return mems, rows.Err()
}

func inArgs(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
