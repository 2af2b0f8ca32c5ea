package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/model"
)

type memStore struct {
	states map[string]*model.ClusterState
	saves  int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*model.ClusterState)}
}

func (s *memStore) LoadClusterState(groupID string) (*model.ClusterState, error) {
	if st, ok := s.states[groupID]; ok {
		return st, nil
	}
	return model.NewClusterState(groupID), nil
}

func (s *memStore) SaveClusterState(state *model.ClusterState) error {
	s.saves++
	s.states[state.GroupID] = state
	return nil
}

func cell(id string, emb []float64, at time.Time) *model.MemCell {
	return &model.MemCell{
		EventID:   id,
		GroupID:   "g1",
		Embedding: emb,
		Timestamp: at,
	}
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.SimilarityThreshold = 0.70
	t.ClusterTimeGap = 7 * 24 * time.Hour
	t.ProfileMemberThreshold = 0.5
	return t
}

func TestAssignStartsAndJoinsClusters(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	c1, _, err := m.Assign(cell("e1", []float64{1, 0}, now))
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Nearly identical embedding joins the same cluster.
	c2, _, err := m.Assign(cell("e2", []float64{0.99, 0.05}, now.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Errorf("similar cell started %s instead of joining %s", c2, c1)
	}

	// Orthogonal embedding starts a new cluster.
	c3, _, err := m.Assign(cell("e3", []float64{0, 1}, now.Add(2*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if c3 == c1 {
		t.Error("dissimilar cell joined an unrelated cluster")
	}

	state := store.states["g1"]
	if state.Clusters[c1].Count != 2 {
		t.Errorf("cluster %s count = %d, want 2", c1, state.Clusters[c1].Count)
	}
	if len(state.EventIDs) != 3 {
		t.Errorf("tracked %d events, want 3", len(state.EventIDs))
	}
}

func TestAssignUpdatesCentroidAndTimestamp(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now().Truncate(time.Second)

	c1, _, _ := m.Assign(cell("e1", []float64{1, 0}, now))
	m.Assign(cell("e2", []float64{0, 1}, now.Add(time.Hour)))

	// {0.9, 0.1} has cosine ~0.995 with c1's centroid {1, 0}.
	m.Assign(cell("e3", []float64{0.9, 0.1}, now.Add(2*time.Hour)))

	c := store.states["g1"].Clusters[c1]
	if c.Count != 2 {
		t.Fatalf("count = %d", c.Count)
	}
	// Running mean of {1,0} and {0.9,0.1}.
	if c.Centroid[0] != 0.95 || c.Centroid[1] != 0.05 {
		t.Errorf("centroid = %v, want [0.95 0.05]", c.Centroid)
	}
	if !c.LastTimestamp.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("last timestamp = %v", c.LastTimestamp)
	}
}

func TestAssignJoinsAtExactThreshold(t *testing.T) {
	store := newMemStore()
	tuning := testTuning()
	tuning.SimilarityThreshold = 0
	m := New(store, tuning)
	now := time.Now()

	c1, _, err := m.Assign(cell("e1", []float64{1, 0}, now))
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Orthogonal vectors have cosine exactly equal to the threshold; the
	// boundary is inclusive, so the cell joins rather than starting fresh.
	c2, _, err := m.Assign(cell("e2", []float64{0, 1}, now.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Errorf("similarity equal to the threshold should join: got %s, want %s", c2, c1)
	}
}

func TestAssignTieBreaksTowardRecentCluster(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	// Two live clusters with orthogonal centroids. {1,1} has cosine ~0.707
	// with both, above the 0.70 threshold and exactly tied, so the cell must
	// land in the cluster touched more recently.
	c1, _, _ := m.Assign(cell("e1", []float64{1, 0}, now))
	c2, _, _ := m.Assign(cell("e2", []float64{0, 1}, now.Add(time.Hour)))
	if c2 == c1 {
		t.Fatal("setup should produce two clusters")
	}

	got, _, err := m.Assign(cell("e3", []float64{1, 1}, now.Add(2*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if got != c2 {
		t.Errorf("tie should break toward the most recent cluster %s, got %s", c2, got)
	}
}

func TestAssignRespectsTimeGap(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	c1, _, _ := m.Assign(cell("e1", []float64{1, 0}, now))

	// Same topic, but past the staleness gap: new cluster.
	c2, _, err := m.Assign(cell("e2", []float64{1, 0}, now.Add(8*24*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c1 {
		t.Error("stale cluster should not accept new members")
	}
}

func TestAssignZeroEmbeddingSingleton(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	c1, _, err := m.Assign(cell("e1", nil, now))
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if c1 == "" {
		t.Fatal("embeddingless cell should still get a cluster")
	}

	state := store.states["g1"]
	if state.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", state.FailureCount)
	}
	if len(state.Clusters[c1].Centroid) != 0 {
		t.Error("singleton for an embeddingless cell should have no centroid")
	}

	// A later embedded cell must not join the centroidless singleton.
	c2, _, _ := m.Assign(cell("e2", []float64{1, 0}, now.Add(time.Minute)))
	if c2 == c1 {
		t.Error("embedded cell joined a centroidless cluster")
	}
}

func TestAssignIdempotent(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	c1, _, _ := m.Assign(cell("e1", []float64{1, 0}, now))
	saves := store.saves

	c2, rebuild, err := m.Assign(cell("e1", []float64{1, 0}, now))
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 || rebuild {
		t.Errorf("replay: cluster=%s rebuild=%v", c2, rebuild)
	}
	if store.saves != saves {
		t.Error("replayed assignment should not rewrite state")
	}
	if store.states["g1"].Clusters[c1].Count != 1 {
		t.Error("replayed assignment inflated the cluster count")
	}
}

func TestAssignRebuildTrigger(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning()) // threshold 0.5, needs count >= 2
	now := time.Now()

	_, rebuild, _ := m.Assign(cell("e1", []float64{1, 0}, now))
	if rebuild {
		t.Error("a singleton must not trigger a rebuild")
	}

	_, rebuild, err := m.Assign(cell("e2", []float64{0.99, 0.05}, now.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	// Cluster holds 2 of 2 episodes: share 1.0 >= 0.5.
	if !rebuild {
		t.Error("dominant cluster should trigger a rebuild")
	}
}

func TestAssignGroupsAreIndependent(t *testing.T) {
	store := newMemStore()
	m := New(store, testTuning())
	now := time.Now()

	for i := 0; i < 3; i++ {
		c := cell(fmt.Sprintf("e%d", i), []float64{1, 0}, now.Add(time.Duration(i)*time.Minute))
		c.GroupID = fmt.Sprintf("g%d", i)
		if _, _, err := m.Assign(c); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.states) != 3 {
		t.Errorf("expected 3 independent group states, got %d", len(store.states))
	}
	for g, st := range store.states {
		if len(st.EventIDs) != 1 {
			t.Errorf("group %s tracks %d events", g, len(st.EventIDs))
		}
	}
}
