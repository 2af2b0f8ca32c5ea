// Package retrieval answers memory queries over the search indexes. Three
// methods are exposed: bm25 (lexical), embedding (vector KNN), and rrf
// (both channels fused by reciprocal rank). The agentic path layers an LLM
// sufficiency judge and a second refined round on top of rrf.
package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
)

// Retrieval methods.
const (
	MethodBM25      = "bm25"
	MethodEmbedding = "embedding"
	MethodRRF       = "rrf"
)

// Retrieval scopes. Personal is strictly owner-scoped in the private group;
// group episodes where the user merely participates are reached through
// ParticipantUserID instead.
const (
	ScopeAll      = "all"
	ScopePersonal = "personal"
	ScopeGroup    = "group"
)

type embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
}

type generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// contentStore hydrates hits back into full records.
type contentStore interface {
	GetMemCells(eventIDs []string) ([]*model.MemCell, error)
	GetAtomicEvents(logIDs []string) ([]*model.AtomicEvent, error)
	GetSemanticMemories(memoryIDs []string) ([]*model.SemanticMemory, error)
}

// TimeRange bounds a retrieval in time. Zero ends are open.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Request is one retrieval call. The scope fields rewrite into index
// filters; empty fields widen the search.
type Request struct {
	Query             string             `json:"query"`
	Method            string             `json:"method,omitempty"` // default rrf
	Scope             string             `json:"scope,omitempty"`  // all | personal | group
	GroupID           string             `json:"group_id,omitempty"`
	UserID            string             `json:"user_id,omitempty"`
	ParticipantUserID string             `json:"participant_user_id,omitempty"`
	Sources           []model.DataSource `json:"sources,omitempty"`    // default all
	Limit             int                `json:"limit,omitempty"`      // default 10
	TimeRange         *TimeRange         `json:"time_range,omitempty"`
	Radius            float64            `json:"radius,omitempty"` // min cosine for vector hits
}

// Item is one retrieved memory with its provenance.
type Item struct {
	ID         string           `json:"id"`
	Source     model.DataSource `json:"source"`
	Score      float64          `json:"score"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
	ParentID   string           `json:"parent_id,omitempty"` // deriving episode, for non-episode sources
	Provenance []string         `json:"provenance"`          // channels that surfaced it
}

// Response carries results plus degradation flags: a partial answer from
// one channel is returned rather than failing the call.
type Response struct {
	Items          []Item `json:"items"`
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Engine executes retrievals.
type Engine struct {
	idx    *index.Index
	store  contentStore
	embed  embedder
	llm    generator
	tuning config.Tuning
}

// New wires a retrieval engine. llm is only needed for the agentic path.
func New(idx *index.Index, store contentStore, embed embedder, llm generator, tuning config.Tuning) *Engine {
	return &Engine{idx: idx, store: store, embed: embed, llm: llm, tuning: tuning}
}

// Retrieve runs one query with the requested method.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Response, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}
	filter, err := scopeFilter(req)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case MethodBM25:
		hits, err := e.idx.SearchLexical(req.Query, filter, req.Limit)
		if err != nil {
			return nil, err
		}
		return e.hydrate(hits, provenanceOf(MethodBM25), req.TimeRange)
	case MethodEmbedding:
		emb, err := e.embed.Embed(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		hits, err := e.idx.SearchVector(emb, e.embed.Model(), filter, req.Limit)
		if err != nil {
			return nil, err
		}
		return e.hydrate(applyRadius(hits, req.Radius), provenanceOf(MethodEmbedding), req.TimeRange)
	case MethodRRF:
		return e.retrieveRRF(ctx, req, filter)
	}
	return nil, memerr.Newf(memerr.KindInvalidInput, "retrieval", "unknown method %q", req.Method)
}

// scopeFilter rewrites the request scope into index filters: personal is
// the caller's private records only, group is one conversation, all leaves
// the scope open.
func scopeFilter(req Request) (index.Filter, error) {
	f := index.Filter{
		Sources:           req.Sources,
		ParticipantUserID: req.ParticipantUserID,
	}
	switch req.Scope {
	case ScopePersonal:
		if req.UserID == "" {
			return f, memerr.Newf(memerr.KindInvalidInput, "retrieval", "personal scope requires user_id")
		}
		f.UserID = req.UserID
		f.PrivateOnly = true
	case ScopeGroup:
		if req.GroupID == "" {
			return f, memerr.Newf(memerr.KindInvalidInput, "retrieval", "group scope requires group_id")
		}
		f.GroupID = req.GroupID
	case "", ScopeAll:
		f.GroupID = req.GroupID
		f.UserID = req.UserID
	default:
		return f, memerr.Newf(memerr.KindInvalidInput, "retrieval", "unknown scope %q", req.Scope)
	}
	if req.TimeRange != nil {
		f.From = req.TimeRange.From
		f.To = req.TimeRange.To
	}
	return f, nil
}

// applyRadius drops vector hits whose cosine falls below the requested
// floor.
func applyRadius(hits []index.Hit, radius float64) []index.Hit {
	if radius <= 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= radius {
			kept = append(kept, h)
		}
	}
	return kept
}

// retrieveRRF runs the lexical and vector channels concurrently and fuses
// their rankings. Losing one channel degrades the response instead of
// failing it; losing both fails.
func (e *Engine) retrieveRRF(ctx context.Context, req Request, filter index.Filter) (*Response, error) {
	// Each channel retrieves deeper than the final limit so fusion has
	// rankings to work with.
	depth := req.Limit * 3
	if depth < 30 {
		depth = 30
	}

	var (
		wg       sync.WaitGroup
		lexHits  []index.Hit
		lexErr   error
		vecHits  []index.Hit
		vecErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		lexHits, lexErr = e.idx.SearchLexical(req.Query, filter, depth)
	}()
	go func() {
		defer wg.Done()
		emb, err := e.embed.Embed(ctx, req.Query)
		if err != nil {
			vecErr = err
			return
		}
		vecHits, vecErr = e.idx.SearchVector(emb, e.embed.Model(), filter, depth)
		vecHits = applyRadius(vecHits, req.Radius)
	}()
	wg.Wait()

	if lexErr != nil && vecErr != nil {
		return nil, memerr.New(memerr.KindTransientBackend, "retrieval.rrf", vecErr)
	}

	fused := Fuse(lexHits, vecHits, e.tuning.RRFConstant)
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}

	hits := make([]index.Hit, len(fused))
	provs := make([][]string, len(fused))
	for i, f := range fused {
		hits[i] = f.Hit
		provs[i] = f.Provenance
	}
	resp, err := e.hydrateEach(hits, provs, req.TimeRange)
	if err != nil {
		return nil, err
	}

	if lexErr != nil {
		resp.Degraded = true
		resp.DegradedReason = "lexical channel failed: " + lexErr.Error()
		logging.Warn("retrieval", "rrf degraded to vector only: %v", lexErr)
	} else if vecErr != nil {
		resp.Degraded = true
		resp.DegradedReason = "vector channel failed: " + vecErr.Error()
		logging.Warn("retrieval", "rrf degraded to lexical only: %v", vecErr)
	}
	return resp, nil
}

func normalize(req *Request) error {
	if req.Query == "" {
		return memerr.Newf(memerr.KindInvalidInput, "retrieval", "empty query")
	}
	if req.Method == "" {
		req.Method = MethodRRF
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	for _, src := range req.Sources {
		if !src.Valid() {
			return memerr.Newf(memerr.KindInvalidInput, "retrieval", "unknown source %q", src)
		}
	}
	return nil
}

func provenanceOf(method string) func(i int) []string {
	return func(int) []string { return []string{method} }
}

func (e *Engine) hydrate(hits []index.Hit, prov func(i int) []string, tr *TimeRange) (*Response, error) {
	provs := make([][]string, len(hits))
	for i := range hits {
		provs[i] = prov(i)
	}
	return e.hydrateEach(hits, provs, tr)
}

// hydrateEach fetches the full records behind the hits, preserving hit
// order. Hits whose records have vanished are dropped, as are semantic
// memories whose validity interval misses the requested window.
func (e *Engine) hydrateEach(hits []index.Hit, provs [][]string, tr *TimeRange) (*Response, error) {
	byType := make(map[model.DataSource][]string)
	for _, h := range hits {
		byType[h.Type] = append(byType[h.Type], h.DocID)
	}

	contents := make(map[string]Item)
	if ids := byType[model.SourceEpisode]; len(ids) > 0 {
		cells, err := e.store.GetMemCells(ids)
		if err != nil {
			return nil, err
		}
		for _, cell := range cells {
			contents[cell.EventID] = Item{
				Source:    model.SourceEpisode,
				Content:   cell.Subject + "\n" + cell.Summary + "\n" + cell.Episode,
				Timestamp: cell.Timestamp,
			}
		}
	}
	if ids := byType[model.SourceEventLog]; len(ids) > 0 {
		events, err := e.store.GetAtomicEvents(ids)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			contents[ev.LogID] = Item{
				Source:    model.SourceEventLog,
				Content:   ev.AtomicFact,
				Timestamp: ev.Timestamp,
				ParentID:  ev.ParentEventID,
			}
		}
	}
	if ids := byType[model.SourceSemanticMemory]; len(ids) > 0 {
		mems, err := e.store.GetSemanticMemories(ids)
		if err != nil {
			return nil, err
		}
		for _, m := range mems {
			if !heldWithin(m, tr) {
				continue
			}
			contents[m.MemoryID] = Item{
				Source:    model.SourceSemanticMemory,
				Content:   m.Content,
				Timestamp: m.StartTime,
				ParentID:  m.ParentEventID,
			}
		}
	}

	resp := &Response{Items: []Item{}}
	for i, h := range hits {
		item, ok := contents[h.DocID]
		if !ok {
			continue // raced with a delete
		}
		item.ID = h.DocID
		item.Score = h.Score
		item.Provenance = provs[i]
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

// heldWithin reports whether a memory's validity interval overlaps the
// window. A point query (From == To == t) reduces to HeldAt(t).
func heldWithin(m *model.SemanticMemory, tr *TimeRange) bool {
	if tr == nil {
		return true
	}
	if !tr.To.IsZero() && m.StartTime.After(tr.To) {
		return false
	}
	if !tr.From.IsZero() && m.EndTime != nil && m.EndTime.Before(tr.From) {
		return false
	}
	return true
}
