// Package cluster maintains per-group online clustering of episodes. Each
// promoted cell is assigned to the most similar live cluster or starts a new
// one; centroids are running means. Assignment is a serialized
// read-modify-write per group over the stored state.
package cluster

import (
	"strconv"
	"sync"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/vectorizer"
)

// clusterStore is the slice of the document store the manager needs.
type clusterStore interface {
	LoadClusterState(groupID string) (*model.ClusterState, error)
	SaveClusterState(state *model.ClusterState) error
}

// Manager assigns episodes to clusters.
type Manager struct {
	store  clusterStore
	tuning config.Tuning

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-group assignment locks
}

// New wires a cluster manager.
func New(store clusterStore, tuning config.Tuning) *Manager {
	return &Manager{store: store, tuning: tuning, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) groupLock(groupID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[groupID]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[groupID] = l
	}
	return l
}

// Assign places a cell into its group's cluster layer. Returns the cluster
// ID and whether the assigned cluster's share of the group now crosses the
// profile rebuild threshold. Re-assigning an already-assigned cell returns
// its existing cluster without mutating state.
func (m *Manager) Assign(cell *model.MemCell) (clusterID string, rebuild bool, err error) {
	lock := m.groupLock(cell.GroupID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.store.LoadClusterState(cell.GroupID)
	if err != nil {
		return "", false, err
	}

	if existing, ok := state.Assignments[cell.EventID]; ok {
		return existing, false, nil
	}

	state.EventIDs = append(state.EventIDs, cell.EventID)

	if vectorizer.IsZero(cell.Embedding) {
		// Unusable embedding: the cell becomes its own cluster so it still
		// counts toward the group, and the failure is recorded.
		clusterID = m.newCluster(state, cell, nil)
		state.FailureCount++
		logging.Warn("cluster", "cell %s has no usable embedding, singleton %s (failures=%d)",
			cell.EventID, clusterID, state.FailureCount)
	} else if best := m.bestCluster(state, cell); best != nil {
		best.Centroid = vectorizer.RunningMean(best.Centroid, best.Count, cell.Embedding)
		best.Count++
		if cell.Timestamp.After(best.LastTimestamp) {
			best.LastTimestamp = cell.Timestamp
		}
		clusterID = best.ID
		state.Assignments[cell.EventID] = best.ID
		logging.Debug("cluster", "cell %s joined %s (count=%d)", cell.EventID, best.ID, best.Count)
	} else {
		clusterID = m.newCluster(state, cell, cell.Embedding)
		logging.Debug("cluster", "cell %s started %s", cell.EventID, clusterID)
	}

	if c := state.Clusters[clusterID]; c != nil && len(state.EventIDs) > 0 {
		share := float64(c.Count) / float64(len(state.EventIDs))
		rebuild = c.Count >= 2 && share >= m.tuning.ProfileMemberThreshold
	}

	if err := m.store.SaveClusterState(state); err != nil {
		return "", false, err
	}
	return clusterID, rebuild, nil
}

// simEpsilon is the slack for float similarity comparisons.
const simEpsilon = 1e-9

// bestCluster returns the highest-similarity live cluster at or above the
// threshold, or nil. A cluster whose last episode is older than the time
// gap is not a candidate. Similarities within epsilon of each other break
// toward the cluster with the most recent episode.
func (m *Manager) bestCluster(state *model.ClusterState, cell *model.MemCell) *model.Cluster {
	var best *model.Cluster
	var bestSim float64
	for _, c := range state.Clusters {
		if len(c.Centroid) == 0 {
			continue
		}
		if cell.Timestamp.Sub(c.LastTimestamp) > m.tuning.ClusterTimeGap {
			continue
		}
		sim := vectorizer.Cosine(cell.Embedding, c.Centroid)
		if sim < m.tuning.SimilarityThreshold {
			continue
		}
		switch {
		case best == nil || sim > bestSim+simEpsilon:
			best = c
			bestSim = sim
		case sim > bestSim-simEpsilon && c.LastTimestamp.After(best.LastTimestamp):
			best = c
			if sim > bestSim {
				bestSim = sim
			}
		}
	}
	return best
}

func (m *Manager) newCluster(state *model.ClusterState, cell *model.MemCell, centroid []float64) string {
	state.NextClusterIndex++
	c := &model.Cluster{
		ID:            clusterName(state.NextClusterIndex),
		Count:         1,
		LastTimestamp: cell.Timestamp,
	}
	if len(centroid) > 0 {
		c.Centroid = make([]float64, len(centroid))
		copy(c.Centroid, centroid)
	}
	state.Clusters[c.ID] = c
	state.Assignments[cell.EventID] = c.ID
	return c.ID
}

func clusterName(index int) string {
	return "c" + strconv.Itoa(index)
}

// State exposes a group's clustering state for inspection.
func (m *Manager) State(groupID string) (*model.ClusterState, error) {
	lock := m.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.LoadClusterState(groupID)
}
