package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/extractor"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/syncer"
)

type fakeStore struct {
	mu       sync.Mutex
	messages map[string]*model.PendingMessage
	pending  []*model.PendingMessage
	events   []*model.AtomicEvent
	memories []*model.SemanticMemory
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]*model.PendingMessage)}
}

func (f *fakeStore) AppendMessage(msg *model.PendingMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[msg.MessageID]; ok {
		return false, nil
	}
	f.messages[msg.MessageID] = msg
	return true, nil
}

func (f *fakeStore) FindPending(groupID string, limit int) ([]*model.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeStore) InsertAtomicEvents(events []*model.AtomicEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeStore) InsertSemanticMemories(mems []*model.SemanticMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = append(f.memories, mems...)
	return nil
}

func (f *fakeStore) DeleteDerivedByParent(parentEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, parentEventID)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	groups map[string][]*model.PendingMessage
	saved  bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{groups: make(map[string][]*model.PendingMessage)}
}

func (q *fakeQueue) Push(msg *model.PendingMessage) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups[msg.GroupID] = append(q.groups[msg.GroupID], msg)
	return ""
}

func (q *fakeQueue) Window(groupID string, limit int) []*model.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.groups[groupID]
}

func (q *fakeQueue) Groups() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for g := range q.groups {
		out = append(out, g)
	}
	return out
}

func (q *fakeQueue) Len(groupID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups[groupID])
}

func (q *fakeQueue) Sweep() int { return 0 }

func (q *fakeQueue) Save() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saved = true
	return nil
}

type stubSeg struct {
	mu    sync.Mutex
	cells []*model.MemCell
}

func (s *stubSeg) ProcessGroup(ctx context.Context, groupID string) (*model.MemCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cells) == 0 {
		return nil, nil
	}
	cell := s.cells[0]
	s.cells = s.cells[1:]
	return cell, nil
}

type stubDeriver struct {
	derived  *extractor.Derived
	failures int // fail this many calls first
	err      error
	calls    int
}

func (s *stubDeriver) Extract(ctx context.Context, cell *model.MemCell) (*extractor.Derived, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, s.err
	}
	if s.derived != nil {
		return s.derived, nil
	}
	return &extractor.Derived{}, nil
}

type stubCluster struct {
	rebuild bool
	err     error
}

func (s *stubCluster) Assign(cell *model.MemCell) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	return "c1", s.rebuild, nil
}

type stubProfiler struct {
	mu       sync.Mutex
	applied  []string // user IDs
	rebuilt  []string
}

func (s *stubProfiler) ApplyDeltas(userID, groupID string, deltas []model.ProfileDelta) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, userID)
	return nil, nil
}

func (s *stubProfiler) Rebuild(ctx context.Context, userID, groupID string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilt = append(s.rebuilt, userID)
	return nil, nil
}

type stubSyncer struct {
	mu     sync.Mutex
	synced []string
	done   chan string
	fail   bool
}

func (s *stubSyncer) Sync(ctx context.Context, cell *model.MemCell, events []*model.AtomicEvent, memories []*model.SemanticMemory) *syncer.Result {
	s.mu.Lock()
	s.synced = append(s.synced, cell.EventID)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- cell.EventID
	}
	if s.fail {
		return &syncer.Result{Failed: []string{cell.EventID}, Errs: []error{errors.New("index down")}}
	}
	return &syncer.Result{Synced: 1}
}

type pipelineParts struct {
	store    *fakeStore
	queue    *fakeQueue
	seg      *stubSeg
	derive   *stubDeriver
	clusters *stubCluster
	profiles *stubProfiler
	sync     *stubSyncer
}

func newTestPipeline(t *testing.T) (*Pipeline, *pipelineParts) {
	t.Helper()
	parts := &pipelineParts{
		store:    newFakeStore(),
		queue:    newFakeQueue(),
		seg:      &stubSeg{},
		derive:   &stubDeriver{},
		clusters: &stubCluster{},
		profiles: &stubProfiler{},
		sync:     &stubSyncer{},
	}
	tuning := config.DefaultTuning()
	tuning.WorkerShards = 2
	tuning.TaskQueueSize = 16

	p := New(parts.store, parts.queue, parts.seg, parts.derive,
		parts.clusters, parts.profiles, parts.sync, nil, tuning)
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p, parts
}

func msg(id, group string) *model.PendingMessage {
	return &model.PendingMessage{
		MessageID: id,
		GroupID:   group,
		SenderID:  "alice",
		Role:      model.RoleUser,
		Content:   "content",
		CreatedAt: time.Now(),
	}
}

func TestIngestDeduplicates(t *testing.T) {
	p, parts := newTestPipeline(t)

	if err := p.Ingest(msg("m1", "g1")); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if err := p.Ingest(msg("m1", "g1")); err != nil {
		t.Fatalf("duplicate ingest errored: %v", err)
	}
	if parts.queue.Len("g1") != 1 {
		t.Errorf("duplicate was queued: len=%d", parts.queue.Len("g1"))
	}
}

func TestIngestAfterStop(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := p.Ingest(msg("m1", "g1"))
	if !memerr.IsKind(err, memerr.KindTransientBackend) {
		t.Errorf("ingest after stop: got %v", err)
	}
}

func TestStopSavesQueue(t *testing.T) {
	p, parts := newTestPipeline(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if !parts.queue.saved {
		t.Error("queue not saved on stop")
	}
}

func TestIngestDrivesPromotion(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.sync.done = make(chan string, 1)
	parts.seg.cells = []*model.MemCell{
		{EventID: "e1", GroupID: "g1", UserID: "alice", Timestamp: time.Now()},
	}

	if err := p.Ingest(msg("m1", "g1")); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-parts.sync.done:
		if id != "e1" {
			t.Errorf("synced %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("promotion never reached the sync stage")
	}
}

func TestShardOfIsStable(t *testing.T) {
	for _, group := range []string{"", "g1", "another-group"} {
		a := shardOf(group, 4)
		b := shardOf(group, 4)
		if a != b {
			t.Errorf("shardOf(%q) unstable: %d vs %d", group, a, b)
		}
		if a < 0 || a >= 4 {
			t.Errorf("shardOf(%q) = %d out of range", group, a)
		}
	}
}

func TestHandlePromotionPersistsAndProfiles(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.derive.derived = &extractor.Derived{
		Events: []*model.AtomicEvent{
			{LogID: "a1", ParentEventID: "e1", Timestamp: time.Now(), AtomicFact: "fact"},
		},
		Memories: []*model.SemanticMemory{
			{MemoryID: "s1", ParentEventID: "e1", Content: "claim", StartTime: time.Now()},
		},
		Deltas: []model.ProfileDelta{
			{UserID: "alice", Category: "interest", Value: "hiking"},
		},
	}

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", UserID: "alice", Timestamp: time.Now()}
	if err := p.handlePromotion(cell); err != nil {
		t.Fatalf("handlePromotion failed: %v", err)
	}

	if len(parts.store.events) != 1 || len(parts.store.memories) != 1 {
		t.Errorf("persisted %d events, %d memories", len(parts.store.events), len(parts.store.memories))
	}
	if len(parts.profiles.applied) != 1 || parts.profiles.applied[0] != "alice" {
		t.Errorf("applied deltas for %v", parts.profiles.applied)
	}
	if len(parts.profiles.rebuilt) != 0 {
		t.Errorf("rebuild ran without a cluster trigger: %v", parts.profiles.rebuilt)
	}
	if len(parts.sync.synced) != 1 {
		t.Errorf("synced %v", parts.sync.synced)
	}
}

func TestHandlePromotionRebuildTrigger(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.clusters.rebuild = true
	parts.derive.derived = &extractor.Derived{
		Deltas: []model.ProfileDelta{
			{UserID: "bob", Category: "interest", Value: "fishing"},
		},
	}

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", UserID: "alice", Timestamp: time.Now()}
	if err := p.handlePromotion(cell); err != nil {
		t.Fatal(err)
	}

	rebuilt := map[string]bool{}
	for _, u := range parts.profiles.rebuilt {
		rebuilt[u] = true
	}
	if !rebuilt["alice"] || !rebuilt["bob"] {
		t.Errorf("rebuild should cover the cell user and delta users, got %v", parts.profiles.rebuilt)
	}
}

func TestHandlePromotionRetriesTransientFailure(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.derive.failures = 1
	parts.derive.err = memerr.Newf(memerr.KindTransientBackend, "test", "flaky")

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", Timestamp: time.Now()}
	if err := p.handlePromotion(cell); err != nil {
		t.Fatalf("retryable failure should recover: %v", err)
	}
	if parts.derive.calls != 2 {
		t.Errorf("extract called %d times, want 2", parts.derive.calls)
	}
}

func TestHandlePromotionDoesNotRetryFatal(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.derive.failures = 2
	parts.derive.err = memerr.Newf(memerr.KindExtraction, "test", "bad output")

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", Timestamp: time.Now()}
	if err := p.handlePromotion(cell); err == nil {
		t.Fatal("expected an error")
	}
	if parts.derive.calls != 1 {
		t.Errorf("non-retryable failure retried: %d calls", parts.derive.calls)
	}
}

func TestHandlePromotionRollsBackDerivedRows(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.clusters.err = errors.New("cluster state corrupt")
	parts.derive.derived = &extractor.Derived{
		Events: []*model.AtomicEvent{
			{LogID: "a1", ParentEventID: "e1", Timestamp: time.Now(), AtomicFact: "fact"},
		},
	}

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", Timestamp: time.Now()}
	if err := p.handlePromotion(cell); err == nil {
		t.Fatal("expected an error")
	}
	if len(parts.store.deleted) != 1 || parts.store.deleted[0] != "e1" {
		t.Errorf("derived rows not rolled back: %v", parts.store.deleted)
	}
	if len(parts.sync.synced) != 0 {
		t.Error("sync ran after an earlier stage failed")
	}
}

func TestHandlePromotionFailedSyncErrors(t *testing.T) {
	p, parts := newTestPipeline(t)
	parts.sync.fail = true

	cell := &model.MemCell{EventID: "e1", GroupID: "g1", Timestamp: time.Now()}
	err := p.handlePromotion(cell)
	if err == nil {
		t.Fatal("fully failed sync should surface an error")
	}
	// The sync failure is transient, so the stage gets its retry.
	if len(parts.sync.synced) != 2 {
		t.Errorf("sync attempted %d times, want 2", len(parts.sync.synced))
	}
}

func TestReplayRestoresPending(t *testing.T) {
	p, parts := newTestPipeline(t)
	already := msg("m1", "g1")
	parts.queue.Push(already)
	parts.store.pending = []*model.PendingMessage{already, msg("m2", "g1"), msg("m3", "g1")}

	restored, err := p.Replay("g1")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("restored %d, want 2", restored)
	}
	if parts.queue.Len("g1") != 3 {
		t.Errorf("queue holds %d messages, want 3", parts.queue.Len("g1"))
	}
}
