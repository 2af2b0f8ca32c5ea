// Package worker runs the ingest pipeline: messages are logged and queued
// synchronously, then group-sharded workers drive segmentation, derivation,
// clustering, profile updates, and index sync in the background. Work for
// one group always lands on the same shard, so per-group processing is
// serial without locks.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/extractor"
	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/syncer"
)

// segmenter promotes at most one episode per call.
type segmenter interface {
	ProcessGroup(ctx context.Context, groupID string) (*model.MemCell, error)
}

// deriver extracts secondary memories from a promoted episode.
type deriver interface {
	Extract(ctx context.Context, cell *model.MemCell) (*extractor.Derived, error)
}

// clusterer assigns an episode to its group's cluster layer.
type clusterer interface {
	Assign(cell *model.MemCell) (clusterID string, rebuild bool, err error)
}

// profiler folds deltas in and rebuilds profiles on demand.
type profiler interface {
	ApplyDeltas(userID, groupID string, deltas []model.ProfileDelta) (*model.Profile, error)
	Rebuild(ctx context.Context, userID, groupID string) (*model.Profile, error)
}

// indexSyncer pushes a promotion batch into the search indexes.
type indexSyncer interface {
	Sync(ctx context.Context, cell *model.MemCell, events []*model.AtomicEvent, memories []*model.SemanticMemory) *syncer.Result
}

// pipelineStore is the slice of the document store the pipeline writes.
type pipelineStore interface {
	AppendMessage(msg *model.PendingMessage) (bool, error)
	FindPending(groupID string, limit int) ([]*model.PendingMessage, error)
	InsertAtomicEvents(events []*model.AtomicEvent) error
	InsertSemanticMemories(mems []*model.SemanticMemory) error
	DeleteDerivedByParent(parentEventID string) error
}

// messageQueue is the conversation queue surface the pipeline uses.
type messageQueue interface {
	Push(msg *model.PendingMessage) (evicted string)
	Window(groupID string, limit int) []*model.PendingMessage
	Groups() []string
	Len(groupID string) int
	Sweep() int
	Save() error
}

// Pipeline owns the sharded workers.
type Pipeline struct {
	store    pipelineStore
	queue    messageQueue
	seg      segmenter
	derive   deriver
	clusters clusterer
	profiles profiler
	sync     indexSyncer
	loads    *LoadWatcher
	tuning   config.Tuning

	shards []chan string // each carries group IDs to process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New wires the pipeline. Call Start before ingesting.
func New(store pipelineStore, q messageQueue, seg segmenter, derive deriver,
	clusters clusterer, profiles profiler, sync indexSyncer, loads *LoadWatcher,
	tuning config.Tuning) *Pipeline {
	return &Pipeline{
		store:    store,
		queue:    q,
		seg:      seg,
		derive:   derive,
		clusters: clusters,
		profiles: profiles,
		sync:     sync,
		loads:    loads,
		tuning:   tuning,
	}
}

// Start launches the shard workers and the periodic sweeper.
func (p *Pipeline) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.shards = make([]chan string, p.tuning.WorkerShards)
	for i := range p.shards {
		p.shards[i] = make(chan string, p.tuning.TaskQueueSize)
		p.wg.Add(1)
		go p.shardLoop(i)
	}
	p.wg.Add(1)
	go p.sweepLoop()
	if p.loads != nil {
		p.loads.Start()
	}
	logging.Info("worker", "started %d shards (queue=%d)", len(p.shards), p.tuning.TaskQueueSize)
}

// Stop drains in-flight work then cancels: intake closes first, each shard
// finishes the tasks already queued, and only after the drain (or the
// context expiring) is the pipeline context cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	for _, shard := range p.shards {
		close(shard)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("drain timed out: %w", ctx.Err())
	}
	p.cancel()
	if p.loads != nil {
		p.loads.Stop()
	}
	if saveErr := p.queue.Save(); saveErr != nil {
		logging.Warn("worker", "queue save on stop failed: %v", saveErr)
	}
	return err
}

// Ingest logs and queues one message. Duplicates (by message_id) are a
// silent no-op. Background processing is scheduled unless the system is
// shedding load; unprocessed backlogs are picked up by later messages or
// the periodic scan.
func (p *Pipeline) Ingest(msg *model.PendingMessage) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return memerr.Newf(memerr.KindTransientBackend, "worker.ingest", "pipeline stopped")
	}
	p.mu.Unlock()

	created, err := p.store.AppendMessage(msg)
	if err != nil {
		return err
	}
	if !created {
		logging.Debug("worker", "duplicate message %s ignored", msg.MessageID)
		return nil
	}

	if evicted := p.queue.Push(msg); evicted != "" {
		logging.Warn("worker", "group %s queue full, evicted %s", msg.GroupID, evicted)
	}

	if p.loads != nil && p.loads.Overloaded() {
		logging.Debug("worker", "shedding: deferred processing for group %s", msg.GroupID)
		return nil
	}
	p.schedule(msg.GroupID)
	return nil
}

// Replay reloads a group's unconsumed messages from the request log into
// the conversation queue and schedules processing. Messages already queued
// are re-pushed; the queue is keyed by message ID downstream, and the
// request log keeps promotion exactly-once.
func (p *Pipeline) Replay(groupID string) (int, error) {
	msgs, err := p.store.FindPending(groupID, 0)
	if err != nil {
		return 0, err
	}
	queued := make(map[string]bool)
	for _, m := range p.queue.Window(groupID, 0) {
		queued[m.MessageID] = true
	}
	restored := 0
	for _, msg := range msgs {
		if queued[msg.MessageID] {
			continue
		}
		p.queue.Push(msg)
		restored++
	}
	if restored > 0 || len(msgs) > 0 {
		p.schedule(groupID)
	}
	logging.Info("worker", "replay for group %s: %d pending, %d restored", groupID, len(msgs), restored)
	return restored, nil
}

// schedule enqueues a group for processing on its shard; a full shard drops
// the hint, the backlog stays in the conversation queue.
func (p *Pipeline) schedule(groupID string) {
	shard := p.shards[shardOf(groupID, len(p.shards))]
	select {
	case shard <- groupID:
	default:
		logging.Debug("worker", "shard full, deferred group %s", groupID)
	}
}

func shardOf(groupID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(groupID))
	return int(h.Sum32()) % shards
}

func (p *Pipeline) shardLoop(i int) {
	defer p.wg.Done()
	for groupID := range p.shards[i] {
		p.processGroup(groupID)
	}
}

// sweepLoop expires idle queues and rescans for groups with ready backlogs.
func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.queue.Sweep()
			if p.loads != nil && p.loads.Overloaded() {
				continue
			}
			for _, groupID := range p.queue.Groups() {
				if p.queue.Len(groupID) >= p.tuning.MinWindow {
					p.schedule(groupID)
				}
			}
		}
	}
}

// processGroup drains one group: repeated segmentation until the model
// waits or the window empties, running the full promotion pipeline for
// every closed episode.
func (p *Pipeline) processGroup(groupID string) {
	for {
		if p.ctx.Err() != nil {
			return
		}
		cell, err := p.seg.ProcessGroup(p.ctx, groupID)
		if err != nil {
			logging.Error("worker", "segmentation failed for group %s: %v", groupID, err)
			return
		}
		if cell == nil {
			return
		}
		if err := p.handlePromotion(cell); err != nil {
			logging.Error("worker", "promotion pipeline failed for %s: %v", cell.EventID, err)
		}
	}
}

// step is one stage of the promotion pipeline with its compensation.
type step struct {
	name string
	run  func() error
	undo func()
}

// handlePromotion runs derivation, persistence, clustering, profile
// updates, and index sync for one promoted cell. Each stage gets one extra
// attempt on a retryable failure; an unrecoverable failure unwinds the
// completed stages' compensations.
func (p *Pipeline) handlePromotion(cell *model.MemCell) error {
	var derived *extractor.Derived
	var rebuild bool

	steps := []step{
		{
			name: "extract",
			run: func() error {
				var err error
				derived, err = p.derive.Extract(p.ctx, cell)
				return err
			},
		},
		{
			name: "persist_derived",
			run: func() error {
				if err := p.store.InsertAtomicEvents(derived.Events); err != nil {
					return err
				}
				return p.store.InsertSemanticMemories(derived.Memories)
			},
			undo: func() {
				if err := p.store.DeleteDerivedByParent(cell.EventID); err != nil {
					logging.Warn("worker", "rollback of derived rows for %s failed: %v", cell.EventID, err)
				}
			},
		},
		{
			name: "cluster",
			run: func() error {
				var err error
				_, rebuild, err = p.clusters.Assign(cell)
				return err
			},
		},
		{
			name: "profiles",
			run:  func() error { return p.updateProfiles(cell, derived.Deltas, rebuild) },
		},
		{
			name: "sync",
			run: func() error {
				result := p.sync.Sync(p.ctx, cell, derived.Events, derived.Memories)
				if result.Synced == 0 && len(result.Failed) > 0 {
					return memerr.New(memerr.KindTransientBackend, "worker.sync", result.Errs[0])
				}
				if result.Partial() {
					logging.Warn("worker", "partial sync for %s: %d failed", cell.EventID, len(result.Failed))
				}
				return nil
			},
		},
	}

	var completed []step
	for _, st := range steps {
		err := st.run()
		if err != nil && memerr.Retryable(err) {
			logging.Warn("worker", "%s failed for %s, retrying once: %v", st.name, cell.EventID, err)
			err = st.run()
		}
		if err != nil {
			for i := len(completed) - 1; i >= 0; i-- {
				if completed[i].undo != nil {
					completed[i].undo()
				}
			}
			return fmt.Errorf("%s: %w", st.name, err)
		}
		completed = append(completed, st)
	}
	return nil
}

// updateProfiles folds deltas into each mentioned user's profile, then runs
// the LLM rebuild for the scope when clustering asked for one.
func (p *Pipeline) updateProfiles(cell *model.MemCell, deltas []model.ProfileDelta, rebuild bool) error {
	byUser := make(map[string][]model.ProfileDelta)
	for _, d := range deltas {
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}
	for userID, userDeltas := range byUser {
		if _, err := p.profiles.ApplyDeltas(userID, cell.GroupID, userDeltas); err != nil {
			return err
		}
	}

	if rebuild {
		users := make(map[string]bool)
		if cell.UserID != "" {
			users[cell.UserID] = true
		}
		for userID := range byUser {
			users[userID] = true
		}
		for userID := range users {
			if _, err := p.profiles.Rebuild(p.ctx, userID, cell.GroupID); err != nil {
				return err
			}
		}
	}
	return nil
}
