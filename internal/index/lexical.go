package index

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/tokenize"
)

// SearchLexical runs a BM25 keyword search over the indexed docs. Falls back
// to a token-overlap scan when FTS5 is unavailable. Results are ordered best
// first; ties break on recency then doc_id.
func (idx *Index) SearchLexical(query string, f Filter, limit int) ([]Hit, error) {
	tokens := tokenize.Tokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	if idx.ftsAvailable {
		hits, err := idx.searchFTS(tokens, f, limit)
		if err == nil {
			return hits, nil
		}
		logging.Warn("index", "fts query failed, falling back to scan: %v", err)
	}
	return idx.scanLexical(tokens, f, limit)
}

// searchFTS queries the FTS5 table with an OR of the query tokens, ranked by
// bm25. The filter is applied by joining back to index_docs.
func (idx *Index) searchFTS(tokens []string, f Filter, limit int) ([]Hit, error) {
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	cond, args := filterSQL(f)
	query := `
		SELECT d.doc_id, d.doc_type, d.timestamp, -rank AS score
		FROM memory_fts
		JOIN index_docs d ON d.rowid = memory_fts.rowid` +
		strings.Replace(cond, " WHERE 1=1", " WHERE memory_fts MATCH ?", 1) + `
		ORDER BY rank ASC, d.timestamp DESC, d.doc_id ASC
		LIMIT ?`
	args = append([]any{match}, args...)
	args = append(args, limit)

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var docType string
		if err := rows.Scan(&h.DocID, &docType, &h.Time, &h.Score); err != nil {
			return nil, err
		}
		h.Type = model.DataSource(docType)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// scanLexical is the degraded path: score every doc in scope by the share of
// query tokens present in its search_content.
func (idx *Index) scanLexical(tokens []string, f Filter, limit int) ([]Hit, error) {
	cond, args := filterSQL(f)
	rows, err := idx.db.Query(
		"SELECT doc_id, doc_type, timestamp, search_content FROM index_docs"+cond, args...)
	if err != nil {
		return nil, memerr.New(memerr.KindTransientBackend, "index.search_lexical", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var docID, docType, searchContent string
		var ts time.Time
		if err := rows.Scan(&docID, &docType, &ts, &searchContent); err != nil {
			return nil, err
		}

		var docTokens []string
		if err := json.Unmarshal([]byte(searchContent), &docTokens); err != nil {
			continue
		}
		present := make(map[string]bool, len(docTokens))
		for _, t := range docTokens {
			present[t] = true
		}

		matched := 0
		for _, t := range tokens {
			if present[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, Hit{
			DocID: docID,
			Type:  model.DataSource(docType),
			Score: float64(matched) / float64(len(tokens)),
			Time:  ts,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Time.Equal(hits[j].Time) {
			return hits[i].Time.After(hits[j].Time)
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
