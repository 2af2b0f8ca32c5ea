package index

import (
	"encoding/json"
	"sort"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/vectorizer"
)

// SearchVector runs a KNN search over the indexed embeddings, scoring by
// cosine similarity. Docs embedded under a different model are excluded.
// Falls back to a cosine scan when vec0 is unavailable.
func (idx *Index) SearchVector(embedding []float64, embeddingModel string, f Filter, limit int) ([]Hit, error) {
	if vectorizer.IsZero(embedding) {
		return nil, memerr.Newf(memerr.KindInvalidInput, "index.search_vector", "zero query embedding")
	}
	if limit <= 0 {
		limit = 10
	}

	if idx.vecAvailable && idx.vecDim == len(embedding) {
		hits, err := idx.searchKNN(embedding, embeddingModel, f, limit)
		if err == nil {
			return hits, nil
		}
		logging.Warn("index", "knn query failed, falling back to scan: %v", err)
	}
	return idx.scanVector(embedding, embeddingModel, f, limit)
}

// searchKNN asks vec0 for nearest rows, then applies the scope filter by
// joining back to index_docs. k is oversampled because the filter prunes
// after the KNN pass.
func (idx *Index) searchKNN(embedding []float64, embeddingModel string, f Filter, limit int) ([]Hit, error) {
	blob, err := sqlite_vec.SerializeFloat32(toFloat32(vectorizer.Normalize(embedding)))
	if err != nil {
		return nil, err
	}

	k := limit * 8
	if k < 50 {
		k = 50
	}

	rows, err := idx.db.Query(`
		SELECT rowid, distance FROM memory_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, blob, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type knnRow struct {
		rowid int64
		dist  float64
	}
	var knn []knnRow
	for rows.Next() {
		var r knnRow
		if err := rows.Scan(&r.rowid, &r.dist); err != nil {
			return nil, err
		}
		knn = append(knn, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cond, args := filterSQL(f)
	var hits []Hit
	for _, r := range knn {
		var h Hit
		var docType, docModel string
		err := idx.db.QueryRow(
			"SELECT doc_id, doc_type, timestamp, embedding_model FROM index_docs"+
				cond+" AND rowid = ?", append(args, r.rowid)...).
			Scan(&h.DocID, &docType, &h.Time, &docModel)
		if err != nil {
			continue // filtered out or raced with a delete
		}
		if embeddingModel != "" && docModel != embeddingModel {
			continue
		}
		h.Type = model.DataSource(docType)
		// Index vectors are unit-normalized, so L2 maps directly to cosine.
		h.Score = vectorizer.L2ToCosineSim(r.dist)
		hits = append(hits, h)
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// scanVector is the degraded path: cosine against every stored embedding in
// scope.
func (idx *Index) scanVector(embedding []float64, embeddingModel string, f Filter, limit int) ([]Hit, error) {
	cond, args := filterSQL(f)
	rows, err := idx.db.Query(
		"SELECT doc_id, doc_type, timestamp, embedding, embedding_model FROM index_docs"+
			cond+" AND embedding IS NOT NULL", args...)
	if err != nil {
		return nil, memerr.New(memerr.KindTransientBackend, "index.search_vector", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var docID, docType string
		var ts time.Time
		var blob []byte
		var docModel string
		if err := rows.Scan(&docID, &docType, &ts, &blob, &docModel); err != nil {
			return nil, err
		}
		if embeddingModel != "" && docModel != embeddingModel {
			continue
		}

		var docEmb []float64
		if err := json.Unmarshal(blob, &docEmb); err != nil {
			continue
		}
		sim := vectorizer.Cosine(embedding, docEmb)
		if sim <= 0 {
			continue
		}
		hits = append(hits, Hit{
			DocID: docID,
			Type:  model.DataSource(docType),
			Score: sim,
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
