package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
)

// AgenticResponse is a Response plus the judge's verdict and per-round
// accounting.
type AgenticResponse struct {
	Response
	Rounds      int      `json:"rounds"`
	Sufficient  bool     `json:"sufficient"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Round1Count int      `json:"round1_count"`
	Round2Count int      `json:"round2_count,omitempty"`
	LatencyMS   int64    `json:"total_latency_ms"`
}

// judgeResponse is the JSON schema the sufficiency prompt requests.
type judgeResponse struct {
	IsSufficient       bool     `json:"is_sufficient"`
	Reasoning          string   `json:"reasoning"`
	MissingInformation []string `json:"missing_information,omitempty"`
	RefinedQueries     []string `json:"refined_queries,omitempty"`
}

func (j *judgeResponse) Validate() error {
	if !j.IsSufficient && len(j.RefinedQueries) == 0 && len(j.MissingInformation) == 0 {
		return fmt.Errorf("insufficient verdict with no missing information or refined queries")
	}
	return nil
}

// maxRefinedQueries bounds round two's fan-out.
const maxRefinedQueries = 3

// RetrieveAgentic runs a fused retrieval, asks the model whether the
// results answer the query, and when they don't, runs the model's refined
// queries in parallel and re-fuses their rankings with round one. A judge
// failure or an expiring context returns the first round's results flagged
// as degraded rather than an error.
func (e *Engine) RetrieveAgentic(ctx context.Context, req Request) (*AgenticResponse, error) {
	if e.llm == nil {
		return nil, memerr.Newf(memerr.KindInvalidInput, "retrieval.agentic", "no generation model configured")
	}
	start := time.Now()

	req.Method = MethodRRF
	first, err := e.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &AgenticResponse{
		Response:    *first,
		Rounds:      1,
		Round1Count: len(first.Items),
	}
	defer func() { out.LatencyMS = time.Since(start).Milliseconds() }()

	verdict, err := e.judge(ctx, req.Query, first.Items)
	if err != nil {
		out.Degraded = true
		out.DegradedReason = "sufficiency judge failed: " + err.Error()
		logging.Warn("retrieval", "agentic judge failed, returning round one: %v", err)
		return out, nil
	}
	out.Sufficient = verdict.IsSufficient
	out.Reasoning = verdict.Reasoning
	out.Missing = verdict.MissingInformation

	if verdict.IsSufficient || len(verdict.RefinedQueries) == 0 {
		return out, nil
	}

	queries := verdict.RefinedQueries
	if len(queries) > maxRefinedQueries {
		queries = queries[:maxRefinedQueries]
	}

	results := make([]*Response, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			refined := req
			refined.Query = q
			resp, err := e.Retrieve(ctx, refined)
			if err != nil {
				logging.Warn("retrieval", "refined query %q failed: %v", q, err)
				return
			}
			results[i] = resp
		}(i, q)
	}
	wg.Wait()

	if ctx.Err() != nil {
		out.Degraded = true
		out.DegradedReason = "deadline reached during refinement"
		return out, nil
	}

	// Round one and each refined query contribute one ranked list with
	// equal weight.
	lists := [][]Item{first.Items}
	for _, resp := range results {
		if resp == nil {
			continue
		}
		lists = append(lists, resp.Items)
		out.Round2Count += len(resp.Items)
		if resp.Degraded {
			out.Degraded = true
			out.DegradedReason = resp.DegradedReason
		}
	}

	out.Rounds = 2
	out.Items = fuseLists(lists, e.tuning.RRFConstant, req.Limit)
	return out, nil
}

// judge asks the model whether the retrieved items answer the query.
func (e *Engine) judge(ctx context.Context, query string, items []Item) (*judgeResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `Judge whether the retrieved memories below are sufficient to answer the
query. If not, say what is missing and propose better search queries.

Query: %s

Retrieved memories:
`, query)
	if len(items) == 0 {
		b.WriteString("(none)\n")
	}
	for i, item := range items {
		fmt.Fprintf(&b, "%d. [%s, %s] %s\n", i+1, item.Source,
			item.Timestamp.Format("2006-01-02"), firstLine(item.Content))
	}
	b.WriteString(`
Respond with JSON only:
{"is_sufficient": true or false, "reasoning": "<one sentence>", "missing_information": ["<what is absent>"], "refined_queries": ["<up to 3 sharper queries>"]}`)

	var verdict judgeResponse
	if err := e.llm.GenerateJSON(ctx, b.String(), &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// fuseLists reciprocal-rank fuses any number of ranked item lists with
// equal weight. Ties break on the best single-list score, then recency,
// then ID. Provenance accumulates across lists.
func fuseLists(lists [][]Item, k, limit int) []Item {
	if k <= 0 {
		k = 60
	}

	type fusedItem struct {
		item Item
		rrf  float64
		best float64
	}
	byID := make(map[string]*fusedItem)
	var ordered []string

	for _, list := range lists {
		for rank, item := range list {
			f := byID[item.ID]
			if f == nil {
				f = &fusedItem{item: item, best: item.Score}
				byID[item.ID] = f
				ordered = append(ordered, item.ID)
			}
			f.rrf += 1.0 / float64(k+rank+1)
			if item.Score > f.best {
				f.best = item.Score
			}
			for _, p := range item.Provenance {
				if !containsString(f.item.Provenance, p) {
					f.item.Provenance = append(f.item.Provenance, p)
				}
			}
		}
	}

	items := make([]Item, 0, len(ordered))
	for _, id := range ordered {
		f := byID[id]
		f.item.Score = f.rrf
		items = append(items, f.item)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if byID[a.ID].best != byID[b.ID].best {
			return byID[a.ID].best > byID[b.ID].best
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
