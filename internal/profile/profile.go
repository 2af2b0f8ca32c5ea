// Package profile maintains versioned per-user profiles. Extracted trait
// deltas are folded in mechanically as they arrive; when the cluster layer
// signals that a topic has grown dense enough, the profile is rebuilt by an
// LLM pass over the user's recent episodes. All writes to one (user, group)
// scope are serialized.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

type generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// profileStore is the slice of the document store the manager needs.
type profileStore interface {
	LatestProfile(userID, groupID string) (*model.Profile, error)
	InsertProfile(p *model.Profile) error
	EnsureLatest(userID, groupID string) error
	RecentMemCells(groupID, userID string, limit int) ([]*model.MemCell, error)
}

// Manager owns profile reads and writes.
type Manager struct {
	store  profileStore
	llm    generator
	tuning config.Tuning

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by user|group
}

// New wires a profile manager.
func New(store profileStore, llm generator, tuning config.Tuning) *Manager {
	return &Manager{store: store, llm: llm, tuning: tuning, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) scopeLock(userID, groupID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + groupID
	l := m.locks[key]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Get returns the latest profile for a scope, repairing the latest flag
// first if a crash left it inconsistent.
func (m *Manager) Get(userID, groupID string) (*model.Profile, error) {
	lock := m.scopeLock(userID, groupID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.EnsureLatest(userID, groupID); err != nil {
		return nil, err
	}
	return m.store.LatestProfile(userID, groupID)
}

// ApplyDeltas folds extracted trait updates into the scope's profile as a
// new version. Duplicate values gain evidence instead of a second entry.
func (m *Manager) ApplyDeltas(userID, groupID string, deltas []model.ProfileDelta) (*model.Profile, error) {
	if len(deltas) == 0 {
		return nil, nil
	}

	lock := m.scopeLock(userID, groupID)
	lock.Lock()
	defer lock.Unlock()

	current, payload, err := m.currentPayload(userID, groupID)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, d := range deltas {
		if d.UserID != userID {
			continue
		}
		if mergeTrait(payload, d.Category, d.Value, d.Evidence) {
			changed = true
		}
	}
	if !changed {
		return current, nil
	}

	return m.insertVersion(userID, groupID, current, payload)
}

// rebuildResponse is the JSON schema the rebuild prompt requests.
type rebuildResponse struct {
	Profile map[string][]model.TraitValue `json:"profile"`
}

func (r *rebuildResponse) Validate() error {
	if r.Profile == nil {
		return fmt.Errorf("missing profile object")
	}
	for cat, values := range r.Profile {
		if cat == "" {
			return fmt.Errorf("empty trait category")
		}
		for _, v := range values {
			if strings.TrimSpace(v.Value) == "" {
				return fmt.Errorf("empty value in category %s", cat)
			}
		}
	}
	return nil
}

// Rebuild regenerates the scope's profile from its recent episodes. The
// current payload is given to the model so established traits survive.
func (m *Manager) Rebuild(ctx context.Context, userID, groupID string) (*model.Profile, error) {
	lock := m.scopeLock(userID, groupID)
	lock.Lock()
	defer lock.Unlock()

	current, payload, err := m.currentPayload(userID, groupID)
	if err != nil {
		return nil, err
	}

	cells, err := m.store.RecentMemCells(groupID, userID, m.tuning.ProfileRecentK)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 && len(payload) == 0 {
		return current, nil
	}

	var resp rebuildResponse
	if err := m.llm.GenerateJSON(ctx, m.rebuildPrompt(userID, payload, cells), &resp); err != nil {
		return nil, err
	}

	p, err := m.insertVersion(userID, groupID, current, resp.Profile)
	if err != nil {
		return nil, err
	}
	logging.Info("profile", "rebuilt %s/%s as %s (%d categories from %d episodes)",
		userID, groupID, p.Version, len(p.Payload), len(cells))
	return p, nil
}

func (m *Manager) currentPayload(userID, groupID string) (*model.Profile, map[string][]model.TraitValue, error) {
	if err := m.store.EnsureLatest(userID, groupID); err != nil {
		return nil, nil, err
	}
	current, err := m.store.LatestProfile(userID, groupID)
	if err != nil {
		if memerr.IsKind(err, memerr.KindNotFound) {
			return nil, make(map[string][]model.TraitValue), nil
		}
		return nil, nil, err
	}

	payload := make(map[string][]model.TraitValue, len(current.Payload))
	for cat, values := range current.Payload {
		payload[cat] = append([]model.TraitValue(nil), values...)
	}
	return current, payload, nil
}

// insertVersion writes payload as the next version for the scope. A version
// collision (two writers deriving the same name) gets one retry with a
// bumped suffix.
func (m *Manager) insertVersion(userID, groupID string, current *model.Profile, payload map[string][]model.TraitValue) (*model.Profile, error) {
	seq := 1
	for attempt := 0; attempt < 2; attempt++ {
		p := &model.Profile{
			UserID:  userID,
			GroupID: groupID,
			Version: nextVersion(current, seq),
			Payload: payload,
		}
		err := m.store.InsertProfile(p)
		if err == nil {
			return p, nil
		}
		if !memerr.IsKind(err, memerr.KindConflict) {
			return nil, err
		}
		seq++
	}
	return nil, memerr.Newf(memerr.KindConflict, "profile.insert_version",
		"could not allocate a version for %s/%s", userID, groupID)
}

// nextVersion derives a version name: v1 for a fresh scope, then the old
// version plus a "+n" suffix.
func nextVersion(current *model.Profile, seq int) string {
	if current == nil {
		if seq == 1 {
			return "v1"
		}
		return "v1+" + strconv.Itoa(seq-1)
	}
	base := current.Version
	if i := strings.LastIndex(base, "+"); i > 0 {
		if prev, err := strconv.Atoi(base[i+1:]); err == nil {
			return base[:i] + "+" + strconv.Itoa(prev+seq)
		}
	}
	return base + "+" + strconv.Itoa(seq)
}

// mergeTrait adds a value under a category, or appends evidence when the
// value already exists. Reports whether anything changed.
func mergeTrait(payload map[string][]model.TraitValue, category, value, evidence string) bool {
	if category == "" || strings.TrimSpace(value) == "" {
		return false
	}
	values := payload[category]
	for i, v := range values {
		if strings.EqualFold(v.Value, value) {
			if evidence == "" || containsString(v.Evidences, evidence) {
				return false
			}
			values[i].Evidences = append(values[i].Evidences, evidence)
			return true
		}
	}
	tv := model.TraitValue{Value: value}
	if evidence != "" {
		tv.Evidences = []string{evidence}
	}
	payload[category] = append(values, tv)
	return true
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (m *Manager) rebuildPrompt(userID string, payload map[string][]model.TraitValue, cells []*model.MemCell) string {
	currentJSON, _ := json.MarshalIndent(payload, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `Rebuild the profile of user %s from their recent episodes.

The current profile (may be stale or empty):
%s

Recent episodes, newest first:
`, userID, string(currentJSON))
	for i, cell := range cells {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1,
			cell.Timestamp.Format("2006-01-02"), cell.Subject, cell.Summary)
	}
	b.WriteString(`
Respond with JSON only:
{"profile": {"<trait category>": [{"value": "<observed value>", "evidences": ["<supporting quotes or episode subjects>"]}]}}

Keep traits still supported by the episodes, drop contradicted ones, and
merge duplicates. Categories are free-form labels like occupation,
location, interest, relationship, preference, skill.`)
	return b.String()
}
