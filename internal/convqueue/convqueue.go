// Package convqueue holds the per-conversation queues of messages awaiting
// segmentation. Each group gets a bounded FIFO ordered by message timestamp
// with an insertion counter breaking ties. Idle groups expire after a TTL,
// checked lazily on access and by a periodic sweep.
package convqueue

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/model"
)

// entry pairs a message with its insertion sequence number.
type entry struct {
	Msg *model.PendingMessage `json:"msg"`
	Seq uint64                `json:"seq"`
}

// groupQueue is one conversation's pending messages.
type groupQueue struct {
	Entries   []entry   `json:"entries"` // sorted by (CreatedAt, Seq)
	LastWrite time.Time `json:"last_write"`
}

// Queue manages all per-group queues.
type Queue struct {
	mu       sync.RWMutex
	groups   map[string]*groupQueue
	seq      uint64
	capacity int
	ttl      time.Duration
	filepath string
}

// New creates a queue manager persisting under dataDir.
func New(dataDir string, capacity int, ttl time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Queue{
		groups:   make(map[string]*groupQueue),
		capacity: capacity,
		ttl:      ttl,
		filepath: filepath.Join(dataDir, "convqueue.json"),
	}
}

// Push appends a message to its group's queue, keeping timestamp order.
// When the queue is full the oldest entry is evicted; its ID is returned so
// the caller can decide what to do with the displaced message. Pushing
// refreshes the group's TTL.
func (q *Queue) Push(msg *model.PendingMessage) (evicted string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Occasionally sweep a few idle groups on the write path so expiry does
	// not depend on the background sweeper alone.
	if rand.Intn(20) == 0 {
		q.expireLocked(time.Now(), 3)
	}

	g := q.groups[msg.GroupID]
	if g == nil {
		g = &groupQueue{}
		q.groups[msg.GroupID] = g
	}

	q.seq++
	e := entry{Msg: msg, Seq: q.seq}

	// Most messages arrive in order; append then bubble back if needed.
	g.Entries = append(g.Entries, e)
	for i := len(g.Entries) - 1; i > 0; i-- {
		if !entryLess(g.Entries[i], g.Entries[i-1]) {
			break
		}
		g.Entries[i], g.Entries[i-1] = g.Entries[i-1], g.Entries[i]
	}

	if len(g.Entries) > q.capacity {
		evicted = g.Entries[0].Msg.MessageID
		g.Entries = g.Entries[1:]
		logging.Debug("convqueue", "group %s full, evicted %s", msg.GroupID, evicted)
	}
	g.LastWrite = time.Now()
	return evicted
}

func entryLess(a, b entry) bool {
	if !a.Msg.CreatedAt.Equal(b.Msg.CreatedAt) {
		return a.Msg.CreatedAt.Before(b.Msg.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Window returns up to limit messages from the head of a group's queue
// without removing them. A limit of 0 returns the whole queue.
func (q *Queue) Window(groupID string, limit int) []*model.PendingMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	g := q.groups[groupID]
	if g == nil || q.expired(g, time.Now()) {
		return nil
	}

	n := len(g.Entries)
	if limit > 0 && limit < n {
		n = limit
	}
	msgs := make([]*model.PendingMessage, n)
	for i := 0; i < n; i++ {
		msgs[i] = g.Entries[i].Msg
	}
	return msgs
}

// Remove drops the given message IDs from a group's queue. Called after a
// promoted prefix is consumed.
func (q *Queue) Remove(groupID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	drop := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.groups[groupID]
	if g == nil {
		return
	}
	kept := g.Entries[:0]
	for _, e := range g.Entries {
		if !drop[e.Msg.MessageID] {
			kept = append(kept, e)
		}
	}
	g.Entries = kept
	if len(g.Entries) == 0 {
		delete(q.groups, groupID)
	}
}

// Len returns the number of queued messages in a group.
func (q *Queue) Len(groupID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	g := q.groups[groupID]
	if g == nil || q.expired(g, time.Now()) {
		return 0
	}
	return len(g.Entries)
}

// Groups lists group IDs with live queues.
func (q *Queue) Groups() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now()
	var ids []string
	for id, g := range q.groups {
		if !q.expired(g, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep removes every expired group. Intended to run periodically.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLocked(time.Now(), 0)
}

func (q *Queue) expired(g *groupQueue, now time.Time) bool {
	return now.Sub(g.LastWrite) > q.ttl
}

// expireLocked deletes expired groups, up to max (0 = all). Caller holds the
// write lock.
func (q *Queue) expireLocked(now time.Time, max int) int {
	removed := 0
	for id, g := range q.groups {
		if q.expired(g, now) {
			delete(q.groups, id)
			removed++
			if max > 0 && removed >= max {
				break
			}
		}
	}
	if removed > 0 {
		logging.Debug("convqueue", "expired %d idle groups", removed)
	}
	return removed
}

// Save persists all queues to disk as JSON.
func (q *Queue) Save() error {
	q.mu.RLock()
	state := struct {
		Groups map[string]*groupQueue `json:"groups"`
		Seq    uint64                 `json:"seq"`
	}{q.groups, q.seq}
	data, err := json.MarshalIndent(state, "", "  ")
	q.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.filepath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := q.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return os.Rename(tmp, q.filepath)
}

// Load restores queues from disk. A missing file is a fresh start.
func (q *Queue) Load() error {
	data, err := os.ReadFile(q.filepath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	var state struct {
		Groups map[string]*groupQueue `json:"groups"`
		Seq    uint64                 `json:"seq"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if state.Groups != nil {
		q.groups = state.Groups
	}
	q.seq = state.Seq
	total := 0
	for _, g := range q.groups {
		total += len(g.Entries)
	}
	logging.Info("convqueue", "loaded %d messages across %d groups", total, len(q.groups))
	return nil
}
