// Package syncer routes promoted memories into the search indexes. Each
// episode, atomic event, and semantic memory becomes one indexed doc; a
// batch reports per-doc failures instead of aborting, so one bad record
// never blocks the rest. Resync rebuilds the whole index from the document
// store.
package syncer

import (
	"context"
	"strings"
	"sync"

	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/tokenize"
)

// syncStore is the slice of the document store resync reads from.
type syncStore interface {
	AllMemCells() ([]*model.MemCell, error)
	AllAtomicEvents() ([]*model.AtomicEvent, error)
	AllSemanticMemories() ([]*model.SemanticMemory, error)
}

// Result reports a batch sync: how many docs landed and which failed.
type Result struct {
	Synced int
	Failed []string // doc IDs
	Errs   []error
}

// Partial reports whether some docs failed while others landed.
func (r *Result) Partial() bool {
	return r.Synced > 0 && len(r.Failed) > 0
}

func (r *Result) record(docID string, err error) {
	if err == nil {
		r.Synced++
		return
	}
	r.Failed = append(r.Failed, docID)
	r.Errs = append(r.Errs, err)
	logging.Warn("syncer", "failed to index %s: %v", docID, err)
}

// Syncer writes docs into the search indexes.
type Syncer struct {
	store syncStore
	idx   *index.Index
}

// New wires a syncer.
func New(store syncStore, idx *index.Index) *Syncer {
	return &Syncer{store: store, idx: idx}
}

// writers bounds concurrent index writes; SQLite serializes the actual
// writes but the tokenization pipeline ahead of them parallelizes well.
const writers = 4

// Sync indexes one promotion batch: the episode plus everything derived
// from it.
func (s *Syncer) Sync(ctx context.Context, cell *model.MemCell, events []*model.AtomicEvent, memories []*model.SemanticMemory) *Result {
	docs := make([]*index.Doc, 0, 1+len(events)+len(memories))
	docs = append(docs, CellDoc(cell))
	for _, ev := range events {
		docs = append(docs, EventDoc(ev))
	}
	for _, m := range memories {
		docs = append(docs, MemoryDoc(m))
	}
	return s.upsertAll(ctx, docs)
}

func (s *Syncer) upsertAll(ctx context.Context, docs []*index.Doc) *Result {
	result := &Result{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, writers)

	for _, doc := range docs {
		if ctx.Err() != nil {
			mu.Lock()
			result.record(doc.DocID, ctx.Err())
			mu.Unlock()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(doc *index.Doc) {
			defer wg.Done()
			defer func() { <-sem }()
			err := s.idx.Upsert(doc)
			mu.Lock()
			result.record(doc.DocID, err)
			mu.Unlock()
		}(doc)
	}
	wg.Wait()
	return result
}

// Resync drops the index and rebuilds it from the document store.
func (s *Syncer) Resync(ctx context.Context) (*Result, error) {
	if err := s.idx.Clear(); err != nil {
		return nil, err
	}

	cells, err := s.store.AllMemCells()
	if err != nil {
		return nil, err
	}
	events, err := s.store.AllAtomicEvents()
	if err != nil {
		return nil, err
	}
	memories, err := s.store.AllSemanticMemories()
	if err != nil {
		return nil, err
	}

	docs := make([]*index.Doc, 0, len(cells)+len(events)+len(memories))
	for _, cell := range cells {
		docs = append(docs, CellDoc(cell))
	}
	for _, ev := range events {
		docs = append(docs, EventDoc(ev))
	}
	for _, m := range memories {
		docs = append(docs, MemoryDoc(m))
	}

	result := s.upsertAll(ctx, docs)
	logging.Info("syncer", "resync complete: %d indexed, %d failed", result.Synced, len(result.Failed))
	return result, nil
}

// CellDoc flattens an episode for indexing.
func CellDoc(cell *model.MemCell) *index.Doc {
	content := cell.Subject + "\n" + cell.Summary + "\n" + cell.Episode
	searchText := content
	if len(cell.Keywords) > 0 {
		searchText += "\n" + strings.Join(cell.Keywords, " ")
	}
	return &index.Doc{
		DocID:          cell.EventID,
		Type:           model.SourceEpisode,
		UserID:         cell.UserID,
		GroupID:        cell.GroupID,
		Participants:   cell.Participants,
		Timestamp:      cell.Timestamp,
		Content:        content,
		SearchContent:  tokenize.SearchContent(searchText),
		Embedding:      cell.Embedding,
		EmbeddingModel: cell.EmbeddingModel,
	}
}

// EventDoc flattens an atomic event for indexing.
func EventDoc(ev *model.AtomicEvent) *index.Doc {
	return &index.Doc{
		DocID:          ev.LogID,
		Type:           model.SourceEventLog,
		UserID:         ev.UserID,
		GroupID:        ev.GroupID,
		Participants:   ev.Participants,
		Timestamp:      ev.Timestamp,
		Content:        ev.AtomicFact,
		SearchContent:  tokenize.SearchContent(ev.AtomicFact),
		Embedding:      ev.Embedding,
		EmbeddingModel: ev.EmbeddingModel,
	}
}

// MemoryDoc flattens a semantic memory for indexing.
func MemoryDoc(m *model.SemanticMemory) *index.Doc {
	content := m.Content
	if m.Evidence != "" {
		content += "\n" + m.Evidence
	}
	return &index.Doc{
		DocID:          m.MemoryID,
		Type:           model.SourceSemanticMemory,
		UserID:         m.UserID,
		GroupID:        m.GroupID,
		Timestamp:      m.StartTime,
		Content:        content,
		SearchContent:  tokenize.SearchContent(content),
		Embedding:      m.Embedding,
		EmbeddingModel: m.EmbeddingModel,
	}
}
