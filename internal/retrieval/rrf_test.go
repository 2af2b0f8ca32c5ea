package retrieval

import (
	"testing"
	"time"

	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/model"
)

func hit(id string, score float64, at time.Time) index.Hit {
	return index.Hit{DocID: id, Type: model.SourceEpisode, Score: score, Time: at}
}

func TestFuseBothChannelsOutranksOne(t *testing.T) {
	now := time.Now()
	lexical := []index.Hit{hit("shared", 2.0, now), hit("lexonly", 1.5, now)}
	vector := []index.Hit{hit("veconly", 0.95, now), hit("shared", 0.90, now)}

	fused := Fuse(lexical, vector, 60)
	if len(fused) != 3 {
		t.Fatalf("got %d fused docs", len(fused))
	}
	if fused[0].Hit.DocID != "shared" {
		t.Errorf("doc in both channels should rank first, got %s", fused[0].Hit.DocID)
	}

	// 1/(60+0+1) + 1/(60+1+1) for shared.
	want := 1.0/61 + 1.0/62
	if diff := fused[0].RRF - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("shared RRF = %v, want %v", fused[0].RRF, want)
	}
	if len(fused[0].Provenance) != 2 {
		t.Errorf("shared provenance = %v", fused[0].Provenance)
	}
	if fused[0].VecScore != 0.90 {
		t.Errorf("vec score = %v", fused[0].VecScore)
	}
}

func TestFuseTieBreaksOnVectorScore(t *testing.T) {
	now := time.Now()
	// Same rank in opposite channels: identical RRF.
	lexical := []index.Hit{hit("a", 2.0, now)}
	vector := []index.Hit{hit("b", 0.9, now)}

	fused := Fuse(lexical, vector, 60)
	if fused[0].Hit.DocID != "b" {
		t.Errorf("equal RRF should break toward the vector hit, got %s", fused[0].Hit.DocID)
	}
}

func TestFuseTieBreaksOnRecencyThenID(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Hour)

	lexical := []index.Hit{hit("old", 1.0, older)}
	vector := []index.Hit{hit("new", 0, now)}
	fused := Fuse(lexical, vector, 60)
	if fused[0].Hit.DocID != "new" {
		t.Errorf("recency tie-break failed, got %s", fused[0].Hit.DocID)
	}

	lexical = []index.Hit{hit("bbb", 1.0, now)}
	vector = []index.Hit{hit("aaa", 0, now)}
	fused = Fuse(lexical, vector, 60)
	if fused[0].Hit.DocID != "aaa" {
		t.Errorf("id tie-break failed, got %s", fused[0].Hit.DocID)
	}
}

func TestFuseEmptyChannels(t *testing.T) {
	if got := Fuse(nil, nil, 60); len(got) != 0 {
		t.Errorf("fusing nothing returned %v", got)
	}

	now := time.Now()
	fused := Fuse([]index.Hit{hit("a", 1.0, now)}, nil, 60)
	if len(fused) != 1 || fused[0].Provenance[0] != MethodBM25 {
		t.Errorf("single channel fuse = %+v", fused)
	}
}
