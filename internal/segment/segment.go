// Package segment decides where a conversation's pending message stream
// breaks into topically coherent episodes, and promotes the closed prefix
// into a memory cell. Boundary detection is an LLM call over a packed
// window; promotion marks the consumed messages and clears them from the
// conversation queue in one pass.
package segment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

// generator is the JSON-mode LLM surface the segmenter needs.
type generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// embedder produces episode embeddings.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

// cellStore is the slice of the document store the segmenter writes to.
type cellStore interface {
	InsertMemCell(cell *model.MemCell) error
	MarkStatus(messageIDs []string, status model.MessageStatus) error
	UpdateConversationStatus(status *model.ConversationStatus) error
	GetConversationStatus(groupID string) (*model.ConversationStatus, error)
}

// queue is the conversation queue surface the segmenter consumes from.
type queue interface {
	Window(groupID string, limit int) []*model.PendingMessage
	Remove(groupID string, messageIDs []string)
}

// Segmenter runs boundary detection and episode promotion for one group at
// a time.
type Segmenter struct {
	llm    generator
	embed  embedder
	store  cellStore
	queue  queue
	tuning config.Tuning
}

// New wires a segmenter.
func New(llm generator, embed embedder, store cellStore, q queue, tuning config.Tuning) *Segmenter {
	return &Segmenter{llm: llm, embed: embed, store: store, queue: q, tuning: tuning}
}

// boundaryResponse is the JSON schema the boundary prompt requests.
type boundaryResponse struct {
	Decision     string   `json:"decision"` // "split" or "wait"
	SplitIndex   int      `json:"split_index,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Episode      string   `json:"episode,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// Validate checks the structural invariants; the split range is checked by
// the caller against the live window.
func (r *boundaryResponse) Validate() error {
	switch r.Decision {
	case "wait":
		return nil
	case "split":
		if r.SplitIndex < 1 {
			return fmt.Errorf("split_index %d out of range", r.SplitIndex)
		}
		if r.Subject == "" || r.Summary == "" || r.Episode == "" {
			return fmt.Errorf("split missing subject, summary, or episode")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision %q", r.Decision)
	}
}

// ProcessGroup examines one group's queue and promotes at most one episode.
// Returns nil, nil when the window is not ready or the model decides to
// wait. The caller loops when it wants to drain a backlog.
func (s *Segmenter) ProcessGroup(ctx context.Context, groupID string) (*model.MemCell, error) {
	window := s.queue.Window(groupID, 0)
	if len(window) < s.tuning.MinWindow {
		return nil, nil
	}
	span := window[len(window)-1].CreatedAt.Sub(window[0].CreatedAt)
	if span < s.tuning.MinWindowSpan {
		return nil, nil
	}

	window = s.pack(window)

	ids := make([]string, len(window))
	for i, msg := range window {
		ids[i] = msg.MessageID
	}
	if err := s.store.MarkStatus(ids, model.StatusInWindow); err != nil {
		return nil, fmt.Errorf("mark window: %w", err)
	}

	resp, err := s.detectBoundary(ctx, window)
	if err != nil {
		return nil, err
	}
	if resp.Decision == "wait" {
		logging.Debug("segment", "group %s: waiting (%d messages)", groupID, len(window))
		return nil, nil
	}

	return s.promote(ctx, groupID, window, resp)
}

// pack drops the oldest messages until the transcript fits the prompt
// budget. The gating minimum always survives packing; dropped messages
// stay pending for a later window.
func (s *Segmenter) pack(window []*model.PendingMessage) []*model.PendingMessage {
	budget := s.tuning.MaxPromptTokens
	used := 0
	start := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		used += estimateTokens(window[i].Content) + 8
		if used > budget && len(window)-i > s.tuning.MinWindow {
			break
		}
		start = i
	}
	return window[start:]
}

// detectBoundary asks the model for a boundary decision, re-asking with a
// stricter prompt when the answer fails window-range or participant
// validation.
func (s *Segmenter) detectBoundary(ctx context.Context, window []*model.PendingMessage) (*boundaryResponse, error) {
	prompt := s.boundaryPrompt(window, "")

	var lastErr error
	for attempt := 0; attempt <= s.tuning.BoundaryRetries; attempt++ {
		var resp boundaryResponse
		if err := s.llm.GenerateJSON(ctx, prompt, &resp); err != nil {
			return nil, err
		}

		if resp.Decision == "wait" {
			return &resp, nil
		}
		if resp.SplitIndex < 1 || resp.SplitIndex > len(window) {
			lastErr = fmt.Errorf("split_index %d outside window of %d", resp.SplitIndex, len(window))
			logging.Debug("segment", "boundary attempt %d rejected: %v", attempt+1, lastErr)
			prompt = s.boundaryPrompt(window, fmt.Sprintf(
				"Your previous split_index was invalid. It MUST be an integer between 1 and %d inclusive.",
				len(window)))
			continue
		}
		if unknown := unknownParticipants(resp.Participants, window[:resp.SplitIndex]); len(unknown) > 0 {
			lastErr = fmt.Errorf("participants %v not among transcript senders", unknown)
			logging.Debug("segment", "boundary attempt %d rejected: %v", attempt+1, lastErr)
			prompt = s.boundaryPrompt(window,
				"Your previous participants list named ids that never sent a message. "+
					"participants MUST be a subset of the sender ids in the transcript.")
			continue
		}
		return &resp, nil
	}
	return nil, memerr.New(memerr.KindExtraction, "segment.boundary", lastErr)
}

// unknownParticipants returns the claimed participants that never sent a
// message in the closed prefix.
func unknownParticipants(claimed []string, prefix []*model.PendingMessage) []string {
	known := make(map[string]bool, len(prefix))
	for _, msg := range prefix {
		known[msg.SenderID] = true
	}
	var unknown []string
	for _, p := range claimed {
		if !known[p] {
			unknown = append(unknown, p)
		}
	}
	return unknown
}

// promote persists the closed prefix as a memory cell, marks message
// statuses, and clears the prefix from the queue. Insert-then-mark keeps a
// crash replayable: a cell without consumed messages is overwritten on the
// next pass.
func (s *Segmenter) promote(ctx context.Context, groupID string, window []*model.PendingMessage, resp *boundaryResponse) (*model.MemCell, error) {
	prefix := window[:resp.SplitIndex]
	suffix := window[resp.SplitIndex:]

	cell := &model.MemCell{
		EventID:      uuid.NewString(),
		GroupID:      groupID,
		UserID:       primaryUser(prefix),
		Participants: resp.Participants,
		Timestamp:    prefix[len(prefix)-1].CreatedAt,
		Subject:      resp.Subject,
		Summary:      resp.Summary,
		Episode:      resp.Episode,
		Keywords:     resp.Keywords,
		Type:         "conversation",
	}
	if len(cell.Participants) == 0 {
		cell.Participants = senders(prefix)
	}
	cell.OriginalData = make([]model.PendingMessage, len(prefix))
	for i, msg := range prefix {
		m := *msg
		m.Status = model.StatusConsumed
		cell.OriginalData[i] = m
	}

	// A failed embedding does not block promotion; the cell joins the
	// cluster layer as an embeddingless singleton.
	emb, err := s.embed.Embed(ctx, cell.Subject+"\n"+cell.Summary+"\n"+cell.Episode)
	if err != nil {
		logging.Warn("segment", "embedding failed for %s: %v", cell.EventID, err)
	} else {
		cell.Embedding = emb
		cell.EmbeddingModel = s.embed.Model()
	}

	if err := s.store.InsertMemCell(cell); err != nil {
		return nil, fmt.Errorf("persist cell: %w", err)
	}

	prefixIDs := messageIDs(prefix)
	if err := s.store.MarkStatus(prefixIDs, model.StatusConsumed); err != nil {
		return nil, fmt.Errorf("mark consumed: %w", err)
	}
	if len(suffix) > 0 {
		if err := s.store.MarkStatus(messageIDs(suffix), model.StatusInWindow); err != nil {
			return nil, fmt.Errorf("mark remainder: %w", err)
		}
	}
	s.queue.Remove(groupID, prefixIDs)

	if err := s.updateStatus(groupID, cell, suffix); err != nil {
		logging.Warn("segment", "status update failed for %s: %v", groupID, err)
	}

	logging.Info("segment", "group %s: promoted %d messages into %s (%q)",
		groupID, len(prefix), cell.EventID, cell.Subject)
	return cell, nil
}

func (s *Segmenter) updateStatus(groupID string, cell *model.MemCell, suffix []*model.PendingMessage) error {
	status, err := s.store.GetConversationStatus(groupID)
	if err != nil {
		return err
	}
	status.LastMemCellTime = cell.Timestamp
	if len(suffix) > 0 {
		status.OldMsgStartTime = suffix[0].CreatedAt
		status.NewMsgStartTime = suffix[0].CreatedAt
	} else {
		status.OldMsgStartTime = time.Time{}
		status.NewMsgStartTime = cell.Timestamp
	}
	return s.store.UpdateConversationStatus(status)
}

// boundaryPrompt renders the packed window as a numbered transcript.
func (s *Segmenter) boundaryPrompt(window []*model.PendingMessage, stricter string) string {
	var b strings.Builder
	b.WriteString(`You segment a chat conversation into topically coherent episodes.

Below is a numbered transcript of pending messages, oldest first. Decide
whether an episode has CLOSED: the topic shifted, the thread concluded, or a
clear time break occurred.

Respond with JSON only:
{
  "decision": "split" or "wait",
  "split_index": <number of messages in the closed episode, counted from message 1>,
  "subject": "<short title of the closed episode>",
  "summary": "<2-3 sentence summary>",
  "episode": "<third-person narrative of what happened, with concrete details>",
  "participants": ["<sender ids involved>"],
  "keywords": ["<salient keywords>"]
}

Use "wait" when the latest messages still continue one open topic.
Only the first split matters; never split mid-topic.
`)
	if stricter != "" {
		b.WriteString("\n" + stricter + "\n")
	}
	b.WriteString("\nTranscript:\n")
	for i, msg := range window {
		fmt.Fprintf(&b, "%d. [%s] %s (%s): %s\n",
			i+1, msg.CreatedAt.Format("2006-01-02 15:04"), senderLabel(msg), msg.Role, msg.Content)
	}
	return b.String()
}

func senderLabel(msg *model.PendingMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

// primaryUser picks the cell's user_id: the single human sender when there
// is exactly one, otherwise empty for a true group episode.
func primaryUser(msgs []*model.PendingMessage) string {
	var user string
	for _, msg := range msgs {
		if msg.Role != model.RoleUser {
			continue
		}
		if user == "" {
			user = msg.SenderID
		} else if user != msg.SenderID {
			return ""
		}
	}
	return user
}

func senders(msgs []*model.PendingMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, msg := range msgs {
		if !seen[msg.SenderID] {
			seen[msg.SenderID] = true
			out = append(out, msg.SenderID)
		}
	}
	return out
}

func messageIDs(msgs []*model.PendingMessage) []string {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.MessageID
	}
	return ids
}

// estimateTokens approximates tokens at four characters each.
func estimateTokens(s string) int {
	return len(s) / 4
}
