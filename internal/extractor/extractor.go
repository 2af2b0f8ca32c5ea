// Package extractor derives secondary memories from a promoted episode:
// atomic events (self-contained factual clauses), semantic memories
// (generalized propositions with validity intervals), and profile deltas
// (per-user trait updates). Each pass is an independent LLM call; records
// that fail validation are dropped individually rather than failing the
// batch.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/model"
)

type generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

type embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// Extractor runs the derivation passes.
type Extractor struct {
	llm    generator
	embed  embedder
	tuning config.Tuning
}

// New wires an extractor.
func New(llm generator, embed embedder, tuning config.Tuning) *Extractor {
	return &Extractor{llm: llm, embed: embed, tuning: tuning}
}

// Derived is everything extracted from one episode.
type Derived struct {
	Events   []*model.AtomicEvent
	Memories []*model.SemanticMemory
	Deltas   []model.ProfileDelta
}

// Extract derives events, semantic memories, and profile deltas from a cell.
// The three passes fail independently; an error is returned only when all
// of them fail.
func (e *Extractor) Extract(ctx context.Context, cell *model.MemCell) (*Derived, error) {
	d := &Derived{}
	var errs []error

	events, err := e.extractEvents(ctx, cell)
	if err != nil {
		logging.Warn("extractor", "event pass failed for %s: %v", cell.EventID, err)
		errs = append(errs, err)
	}
	d.Events = events

	memories, err := e.extractMemories(ctx, cell)
	if err != nil {
		logging.Warn("extractor", "memory pass failed for %s: %v", cell.EventID, err)
		errs = append(errs, err)
	}
	d.Memories = memories

	deltas, err := e.extractDeltas(ctx, cell)
	if err != nil {
		logging.Warn("extractor", "delta pass failed for %s: %v", cell.EventID, err)
		errs = append(errs, err)
	}
	d.Deltas = deltas

	if len(errs) == 3 {
		return d, fmt.Errorf("all extraction passes failed: %w", errs[0])
	}
	logging.Info("extractor", "cell %s: %d events, %d memories, %d deltas",
		cell.EventID, len(d.Events), len(d.Memories), len(d.Deltas))
	return d, nil
}

type rawEvent struct {
	EventType    string   `json:"event_type"`
	AtomicFact   string   `json:"atomic_fact"`
	Participants []string `json:"participants,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

type eventResponse struct {
	Events []rawEvent `json:"events"`
}

func (e *Extractor) extractEvents(ctx context.Context, cell *model.MemCell) ([]*model.AtomicEvent, error) {
	prompt := fmt.Sprintf(`Extract atomic events from this episode. An atomic event is ONE
self-contained factual clause: who did what, when. No opinions, no
compound sentences.

Episode (%s):
%s

Respond with JSON only:
{"events": [{"event_type": "<category like plan|action|statement|decision>", "atomic_fact": "<one clause>", "participants": ["<sender ids>"], "timestamp": "<YYYY-MM-DD if stated, else omit>"}]}

Return {"events": []} when nothing factual happened.`,
		cell.Timestamp.Format("2006-01-02"), episodeText(cell))

	var resp eventResponse
	if err := e.llm.GenerateJSON(ctx, prompt, &resp); err != nil {
		return nil, err
	}

	var events []*model.AtomicEvent
	for _, raw := range resp.Events {
		if strings.TrimSpace(raw.AtomicFact) == "" {
			logging.Debug("extractor", "dropped event with empty fact")
			continue
		}
		ev := &model.AtomicEvent{
			LogID:         uuid.NewString(),
			ParentEventID: cell.EventID,
			UserID:        cell.UserID,
			GroupID:       cell.GroupID,
			Participants:  raw.Participants,
			EventType:     raw.EventType,
			Timestamp:     parseDateOr(raw.Timestamp, cell.Timestamp),
			AtomicFact:    strings.TrimSpace(raw.AtomicFact),
		}
		e.embedInto(ctx, ev.AtomicFact, &ev.Embedding, &ev.EmbeddingModel)
		events = append(events, ev)
	}
	return events, nil
}

type rawMemory struct {
	Content      string `json:"content"`
	Evidence     string `json:"evidence,omitempty"`
	StartTime    string `json:"start_time,omitempty"`
	EndTime      string `json:"end_time,omitempty"`
	DurationDays *int   `json:"duration_days,omitempty"`
}

type memoryResponse struct {
	Memories []rawMemory `json:"memories"`
}

func (e *Extractor) extractMemories(ctx context.Context, cell *model.MemCell) ([]*model.SemanticMemory, error) {
	prompt := fmt.Sprintf(`Extract semantic memories from this episode. A semantic memory is a
generalized proposition about a person or the world that stays true for
some period: preferences, habits, circumstances, relationships.

Episode (%s):
%s

Respond with JSON only:
{"memories": [{"content": "<the proposition>", "evidence": "<short literal quote from the episode>", "start_time": "<YYYY-MM-DD when it became true, else omit>", "end_time": "<YYYY-MM-DD when it stopped being true, else omit>", "duration_days": <expected validity in days, else omit>}]}

Omit end_time for open-ended facts. Return {"memories": []} when nothing
generalizes.`,
		cell.Timestamp.Format("2006-01-02"), episodeText(cell))

	var resp memoryResponse
	if err := e.llm.GenerateJSON(ctx, prompt, &resp); err != nil {
		return nil, err
	}

	var memories []*model.SemanticMemory
	for _, raw := range resp.Memories {
		if strings.TrimSpace(raw.Content) == "" {
			logging.Debug("extractor", "dropped memory with empty content")
			continue
		}
		m := &model.SemanticMemory{
			MemoryID:      uuid.NewString(),
			ParentEventID: cell.EventID,
			UserID:        cell.UserID,
			GroupID:       cell.GroupID,
			Content:       strings.TrimSpace(raw.Content),
			Evidence:      strings.TrimSpace(raw.Evidence),
			StartTime:     parseDateOr(raw.StartTime, cell.Timestamp),
		}
		if raw.EndTime != "" {
			if end, ok := parseDate(raw.EndTime); ok {
				if end.Before(m.StartTime) {
					logging.Debug("extractor", "dropped memory with end before start: %q", raw.Content)
					continue
				}
				m.EndTime = &end
			}
		}
		if raw.DurationDays != nil {
			d := clamp(*raw.DurationDays, 0, e.tuning.DurationCeilingDays)
			m.DurationDays = &d
			if m.EndTime == nil && d > 0 {
				end := m.StartTime.AddDate(0, 0, d)
				m.EndTime = &end
			}
		}
		e.embedInto(ctx, m.Content, &m.Embedding, &m.EmbeddingModel)
		memories = append(memories, m)
	}
	return memories, nil
}

type rawDelta struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Value    string `json:"value"`
	Evidence string `json:"evidence,omitempty"`
}

type deltaResponse struct {
	Deltas []rawDelta `json:"deltas"`
}

func (e *Extractor) extractDeltas(ctx context.Context, cell *model.MemCell) ([]model.ProfileDelta, error) {
	prompt := fmt.Sprintf(`Extract profile updates from this episode: durable traits of the people
involved. Categories are free-form labels like occupation, location,
interest, relationship, preference, skill.

Episode:
%s

Participant sender ids: %s

Respond with JSON only:
{"deltas": [{"user_id": "<sender id>", "category": "<trait label>", "value": "<observed value>", "evidence": "<short literal quote>"}]}

Only attribute traits to listed sender ids. Return {"deltas": []} when no
durable trait was revealed.`,
		episodeText(cell), strings.Join(participantIDs(cell), ", "))

	var resp deltaResponse
	if err := e.llm.GenerateJSON(ctx, prompt, &resp); err != nil {
		return nil, err
	}

	known := cell.SenderSet()
	var deltas []model.ProfileDelta
	for _, raw := range resp.Deltas {
		if raw.UserID == "" || raw.Category == "" || strings.TrimSpace(raw.Value) == "" {
			logging.Debug("extractor", "dropped incomplete delta")
			continue
		}
		if len(known) > 0 && !known[raw.UserID] {
			logging.Debug("extractor", "dropped delta for unknown user %s", raw.UserID)
			continue
		}
		deltas = append(deltas, model.ProfileDelta{
			UserID:   raw.UserID,
			Category: raw.Category,
			Value:    strings.TrimSpace(raw.Value),
			Evidence: strings.TrimSpace(raw.Evidence),
		})
	}
	return deltas, nil
}

// embedInto attaches an embedding to a derived record; failure leaves the
// record without one rather than dropping it.
func (e *Extractor) embedInto(ctx context.Context, text string, emb *[]float64, embModel *string) {
	v, err := e.embed.Embed(ctx, text)
	if err != nil {
		logging.Debug("extractor", "embedding failed: %v", err)
		return
	}
	*emb = v
	*embModel = e.embed.Model()
}

func episodeText(cell *model.MemCell) string {
	var b strings.Builder
	b.WriteString("Subject: " + cell.Subject + "\n")
	b.WriteString("Summary: " + cell.Summary + "\n\n")
	b.WriteString(cell.Episode)
	return b.String()
}

func participantIDs(cell *model.MemCell) []string {
	set := cell.SenderSet()
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = cell.Participants
	}
	return ids
}

func parseDateOr(s string, fallback time.Time) time.Time {
	if t, ok := parseDate(s); ok {
		return t
	}
	return fallback
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
