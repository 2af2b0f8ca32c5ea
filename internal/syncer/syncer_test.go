package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mnemora/mnemora/internal/index"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/store"
)

func setup(t *testing.T) (*store.DB, *index.Index, *Syncer) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := index.Open(db.SQL())
	if err != nil {
		t.Fatalf("index.Open failed: %v", err)
	}
	return db, idx, New(db, idx)
}

func sampleCell() *model.MemCell {
	return &model.MemCell{
		EventID:      "e1",
		GroupID:      "g1",
		UserID:       "alice",
		Participants: []string{"alice", "bob"},
		Timestamp:    time.Now().Truncate(time.Second),
		Subject:      "marathon training",
		Summary:      "alice started a training plan",
		Episode:      "alice signed up for the spring marathon and planned weekly runs",
		Keywords:     []string{"marathon", "running"},
	}
}

func TestCellDoc(t *testing.T) {
	doc := CellDoc(sampleCell())

	if doc.DocID != "e1" || doc.Type != model.SourceEpisode {
		t.Errorf("doc = %+v", doc)
	}
	if !strings.Contains(doc.Content, "marathon training") ||
		!strings.Contains(doc.Content, "spring marathon") {
		t.Errorf("content = %q", doc.Content)
	}
	// Keywords feed the search tokens but not the display content.
	if strings.Contains(doc.Content, "marathon running") {
		t.Errorf("keyword line leaked into content: %q", doc.Content)
	}
	if !strings.Contains(doc.SearchContent, `"running"`) {
		t.Errorf("keywords missing from search content: %s", doc.SearchContent)
	}
}

func TestEventAndMemoryDocs(t *testing.T) {
	at := time.Now().Truncate(time.Second)
	ev := &model.AtomicEvent{
		LogID: "a1", ParentEventID: "e1", UserID: "alice", GroupID: "g1",
		Timestamp: at, AtomicFact: "alice registered for the marathon",
	}
	doc := EventDoc(ev)
	if doc.Type != model.SourceEventLog || doc.Content != ev.AtomicFact {
		t.Errorf("event doc = %+v", doc)
	}

	m := &model.SemanticMemory{
		MemoryID: "s1", ParentEventID: "e1", UserID: "alice",
		Content: "alice runs regularly", Evidence: "planned weekly runs", StartTime: at,
	}
	mdoc := MemoryDoc(m)
	if mdoc.Type != model.SourceSemanticMemory {
		t.Errorf("memory doc type = %s", mdoc.Type)
	}
	if !strings.Contains(mdoc.Content, "planned weekly runs") {
		t.Errorf("evidence missing from content: %q", mdoc.Content)
	}
	if !mdoc.Timestamp.Equal(at) {
		t.Error("memory doc should carry start_time as its timestamp")
	}
}

func TestSync(t *testing.T) {
	_, idx, s := setup(t)
	cell := sampleCell()
	events := []*model.AtomicEvent{
		{LogID: "a1", ParentEventID: "e1", GroupID: "g1",
			Timestamp: cell.Timestamp, AtomicFact: "alice registered"},
	}
	memories := []*model.SemanticMemory{
		{MemoryID: "s1", ParentEventID: "e1", GroupID: "g1",
			Content: "alice runs regularly", StartTime: cell.Timestamp},
	}

	result := s.Sync(context.Background(), cell, events, memories)
	if result.Synced != 3 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.Partial() {
		t.Error("clean sync reported partial")
	}

	n, err := idx.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("indexed %d docs, want 3", n)
	}

	hits, err := idx.SearchLexical("marathon", index.Filter{GroupID: "g1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Error("synced episode not searchable")
	}
}

func TestSyncReportsBadDocs(t *testing.T) {
	_, _, s := setup(t)
	cell := sampleCell()
	// An event without a log_id produces an invalid doc.
	events := []*model.AtomicEvent{
		{ParentEventID: "e1", Timestamp: cell.Timestamp, AtomicFact: "orphan"},
	}

	result := s.Sync(context.Background(), cell, events, nil)
	if result.Synced != 1 {
		t.Errorf("synced = %d, want the valid cell doc", result.Synced)
	}
	if len(result.Failed) != 1 {
		t.Errorf("failed = %v", result.Failed)
	}
	if !result.Partial() {
		t.Error("mixed batch should report partial")
	}
}

func TestResync(t *testing.T) {
	db, idx, s := setup(t)

	cell := sampleCell()
	if err := db.InsertMemCell(cell); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAtomicEvents([]*model.AtomicEvent{
		{LogID: "a1", ParentEventID: "e1", GroupID: "g1",
			Timestamp: cell.Timestamp, AtomicFact: "alice registered"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertSemanticMemories([]*model.SemanticMemory{
		{MemoryID: "s1", ParentEventID: "e1", GroupID: "g1",
			Content: "alice runs regularly", StartTime: cell.Timestamp},
	}); err != nil {
		t.Fatal(err)
	}

	// Seed the index with a doc the store no longer knows about.
	if err := idx.Upsert(&index.Doc{
		DocID: "stale", Type: model.SourceEpisode, GroupID: "g1",
		Timestamp: cell.Timestamp, Content: "stale doc",
		SearchContent: `["stale"]`,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := s.Resync(context.Background())
	if err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if result.Synced != 3 {
		t.Errorf("resynced %d docs, want 3", result.Synced)
	}

	n, _ := idx.Count()
	if n != 3 {
		t.Errorf("index holds %d docs after resync, want 3", n)
	}
	hits, err := idx.SearchLexical("stale", index.Filter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Error("stale doc survived resync")
	}
}

func TestSyncCancelledContext(t *testing.T) {
	_, _, s := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := s.Sync(ctx, sampleCell(), nil, nil)
	if result.Synced != 0 || len(result.Failed) != 1 {
		t.Errorf("cancelled sync result = %+v", result)
	}
}
