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

// InsertProfile writes a new profile version and flips is_latest to it in
// one transaction. A duplicate version for the same scope is a conflict.
func (s *DB) InsertProfile(p *model.Profile) error {
	if p.UserID == "" || p.Version == "" {
		return memerr.Newf(memerr.KindInvalidInput, "store.insert_profile", "missing user_id or version")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE profiles SET is_latest = 0 WHERE user_id = ? AND group_id = ?",
		p.UserID, p.GroupID); err != nil {
		return fmt.Errorf("failed to clear latest: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO profiles (user_id, group_id, version, is_latest, payload, created_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		p.UserID, p.GroupID, p.Version, string(payload), p.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return memerr.Newf(memerr.KindConflict, "store.insert_profile",
				"profile version %s already exists for %s/%s", p.Version, p.UserID, p.GroupID)
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile: %w", err)
	}
	p.IsLatest = true
	return nil
}

// LatestProfile fetches the current profile for a (user, group) scope.
func (s *DB) LatestProfile(userID, groupID string) (*model.Profile, error) {
	row := s.db.QueryRow(`
		SELECT user_id, group_id, version, is_latest, payload, created_at
		FROM profiles WHERE user_id = ? AND group_id = ? AND is_latest = 1
		ORDER BY id DESC LIMIT 1`, userID, groupID)

	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, memerr.Newf(memerr.KindNotFound, "store.latest_profile",
			"no profile for %s/%s", userID, groupID)
	}
	return p, err
}

// ProfileHistory returns all versions for a scope, newest first.
func (s *DB) ProfileHistory(userID, groupID string) ([]*model.Profile, error) {
	rows, err := s.db.Query(`
		SELECT user_id, group_id, version, is_latest, payload, created_at
		FROM profiles WHERE user_id = ? AND group_id = ?
		ORDER BY id DESC`, userID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// EnsureLatest repairs the is_latest flag for a scope so exactly one row
// carries it. When zero or several rows claim latest, the highest version
// wins, with insertion order breaking ties. No-op when the scope has no
// profiles at all.
func (s *DB) EnsureLatest(userID, groupID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latestCount int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM profiles WHERE user_id = ? AND group_id = ? AND is_latest = 1",
		userID, groupID).Scan(&latestCount); err != nil {
		return fmt.Errorf("failed to count latest: %w", err)
	}
	if latestCount == 1 {
		return nil
	}

	// Versions are "v1" then "v1+n"; the numeric suffix orders them. Bare
	// "v1" has no '+', so instr is 0 and the CAST yields 0.
	var newestID int64
	err = tx.QueryRow(`
		SELECT id FROM profiles WHERE user_id = ? AND group_id = ?
		ORDER BY CAST(substr(version, instr(version, '+') + 1) AS INTEGER) DESC, id DESC
		LIMIT 1`,
		userID, groupID).Scan(&newestID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find newest profile: %w", err)
	}

	if _, err := tx.Exec(
		"UPDATE profiles SET is_latest = 0 WHERE user_id = ? AND group_id = ?",
		userID, groupID); err != nil {
		return fmt.Errorf("failed to clear latest: %w", err)
	}
	if _, err := tx.Exec("UPDATE profiles SET is_latest = 1 WHERE id = ?", newestID); err != nil {
		return fmt.Errorf("failed to set latest: %w", err)
	}
	return tx.Commit()
}

func scanProfile(row scanner) (*model.Profile, error) {
	var p model.Profile
	var payload string
	err := row.Scan(&p.UserID, &p.GroupID, &p.Version, &p.IsLatest, &payload, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s/%s %s: %w", p.UserID, p.GroupID, p.Version, err)
	}
	return &p, nil
}
