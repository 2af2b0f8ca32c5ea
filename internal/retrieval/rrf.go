package retrieval

import (
	"sort"

	"github.com/mnemora/mnemora/internal/index"
)

// Fused is one doc after reciprocal rank fusion.
type Fused struct {
	Hit        index.Hit
	RRF        float64
	VecScore   float64 // 0 when the vector channel did not surface it
	Provenance []string
}

// Fuse merges the lexical and vector rankings by reciprocal rank: each doc
// scores the sum of 1/(k+rank+1) over the channels that surfaced it. Ties
// break toward the higher vector score, then recency, then doc ID.
func Fuse(lexical, vector []index.Hit, k int) []Fused {
	if k <= 0 {
		k = 60
	}

	byID := make(map[string]*Fused)
	ordered := make([]string, 0, len(lexical)+len(vector))

	add := func(hits []index.Hit, channel string, isVector bool) {
		for rank, h := range hits {
			f := byID[h.DocID]
			if f == nil {
				f = &Fused{Hit: h}
				byID[h.DocID] = f
				ordered = append(ordered, h.DocID)
			}
			f.RRF += 1.0 / float64(k+rank+1)
			f.Provenance = append(f.Provenance, channel)
			if isVector {
				f.VecScore = h.Score
			}
		}
	}
	add(lexical, MethodBM25, false)
	add(vector, MethodEmbedding, true)

	fused := make([]Fused, 0, len(ordered))
	for _, id := range ordered {
		fused = append(fused, *byID[id])
	}

	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.RRF != b.RRF {
			return a.RRF > b.RRF
		}
		if a.VecScore != b.VecScore {
			return a.VecScore > b.VecScore
		}
		if !a.Hit.Time.Equal(b.Hit.Time) {
			return a.Hit.Time.After(b.Hit.Time)
		}
		return a.Hit.DocID < b.Hit.DocID
	})
	return fused
}
