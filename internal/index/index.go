// Package index maintains the two search indexes over synced memories: an
// FTS5 table for BM25 lexical search and a sqlite-vec table for KNN vector
// search. Both live in the same database file as the document store. When
// the host SQLite lacks FTS5 or vec0 the index keeps working through
// Go-side scans over the doc table.
package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/vectorizer"
)

func init() {
	// Registers vec0 on every connection opened after this point.
	sqlite_vec.Auto()
}

// Doc is one indexed memory: an episode, atomic event, or semantic memory
// flattened to the fields search needs.
type Doc struct {
	DocID          string
	Type           model.DataSource
	UserID         string
	GroupID        string
	Participants   []string
	Timestamp      time.Time
	Content        string
	SearchContent  string // tokenized form, JSON list
	Embedding      []float64
	EmbeddingModel string
}

// Hit is one search result with its channel-native score.
type Hit struct {
	DocID string
	Type  model.DataSource
	Score float64
	Time  time.Time
}

// Filter narrows a search to a scope. UserID matches only the record owner;
// ParticipantUserID widens to records where the user is listed as a
// participant. From/To bound the doc timestamp; a semantic memory's lower
// bound is its end_time, which callers check after hydration.
type Filter struct {
	GroupID           string
	PrivateOnly       bool   // restrict to the empty (private) group scope
	UserID            string
	ParticipantUserID string
	From, To          time.Time
	Sources           []model.DataSource // empty = all three
}

func (f Filter) wantsSource(src model.DataSource) bool {
	if len(f.Sources) == 0 {
		return true
	}
	for _, s := range f.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// Index wraps the search tables.
type Index struct {
	db *sql.DB

	ftsAvailable bool
	vecAvailable bool

	mu     sync.Mutex
	vecDim int // dimension of the created vec table, 0 until first upsert
}

// Open prepares the index tables on a database handle shared with the
// document store.
func Open(db *sql.DB) (*Index, error) {
	idx := &Index{db: db}

	schema := `
	CREATE TABLE IF NOT EXISTS index_docs (
		rowid INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL UNIQUE,
		doc_type TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT '',
		participants TEXT,
		timestamp DATETIME NOT NULL,
		content TEXT NOT NULL,
		search_content TEXT NOT NULL,
		embedding BLOB,
		embedding_model TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_index_docs_scope ON index_docs(group_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_index_docs_type ON index_docs(doc_type);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create index tables: %w", err)
	}

	idx.ftsAvailable = idx.setupFTS()
	idx.vecAvailable = idx.probeVec()

	logging.Info("index", "opened (fts5=%v, vec0=%v)", idx.ftsAvailable, idx.vecAvailable)
	return idx, nil
}

// setupFTS creates the FTS5 table and its sync triggers. Returns false when
// the host SQLite was built without FTS5.
func (idx *Index) setupFTS() bool {
	_, err := idx.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			content, search_content,
			content='index_docs', content_rowid='rowid'
		)`)
	if err != nil {
		logging.Warn("index", "fts5 unavailable, lexical search will scan: %v", err)
		return false
	}

	triggers := `
	CREATE TRIGGER IF NOT EXISTS index_docs_ai AFTER INSERT ON index_docs BEGIN
		INSERT INTO memory_fts(rowid, content, search_content)
		VALUES (new.rowid, new.content, new.search_content);
	END;
	CREATE TRIGGER IF NOT EXISTS index_docs_ad AFTER DELETE ON index_docs BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, content, search_content)
		VALUES ('delete', old.rowid, old.content, old.search_content);
	END;
	CREATE TRIGGER IF NOT EXISTS index_docs_au AFTER UPDATE ON index_docs BEGIN
		INSERT INTO memory_fts(memory_fts, rowid, content, search_content)
		VALUES ('delete', old.rowid, old.content, old.search_content);
		INSERT INTO memory_fts(rowid, content, search_content)
		VALUES (new.rowid, new.content, new.search_content);
	END;
	`
	if _, err := idx.db.Exec(triggers); err != nil {
		logging.Warn("index", "fts5 triggers failed, lexical search will scan: %v", err)
		return false
	}
	return true
}

// probeVec checks whether the vec0 module is loaded.
func (idx *Index) probeVec() bool {
	if _, err := idx.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(v float[2])"); err != nil {
		logging.Warn("index", "vec0 unavailable, vector search will scan: %v", err)
		return false
	}
	idx.db.Exec("DROP TABLE IF EXISTS vec_probe")
	return true
}

// ensureVecTable creates the vec0 table on first use, fixing the dimension
// to that of the first embedding seen.
func (idx *Index) ensureVecTable(dim int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.vecDim == dim {
		return nil
	}
	if idx.vecDim != 0 {
		return memerr.Newf(memerr.KindInvalidInput, "index.vec",
			"embedding dimension %d does not match index dimension %d", dim, idx.vecDim)
	}

	_, err := idx.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(embedding float[%d])", dim))
	if err != nil {
		return fmt.Errorf("failed to create vec table: %w", err)
	}
	idx.vecDim = dim
	return nil
}

// Upsert writes a doc into both indexes. An existing doc_id is replaced.
// Lexical and vector writes succeed or fail independently; the first error
// from either is returned after both have been attempted.
func (idx *Index) Upsert(doc *Doc) error {
	if doc.DocID == "" || !doc.Type.Valid() {
		return memerr.Newf(memerr.KindInvalidInput, "index.upsert", "doc missing id or valid type")
	}

	var participants []byte
	if len(doc.Participants) > 0 {
		participants, _ = json.Marshal(doc.Participants)
	}
	var embedding []byte
	if len(doc.Embedding) > 0 {
		embedding, _ = json.Marshal(doc.Embedding)
	}

	res, err := idx.db.Exec(`
		INSERT INTO index_docs (doc_id, doc_type, user_id, group_id, participants,
			timestamp, content, search_content, embedding, embedding_model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			doc_type = excluded.doc_type,
			user_id = excluded.user_id,
			group_id = excluded.group_id,
			participants = excluded.participants,
			timestamp = excluded.timestamp,
			content = excluded.content,
			search_content = excluded.search_content,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model`,
		doc.DocID, string(doc.Type), doc.UserID, doc.GroupID, participants,
		doc.Timestamp, doc.Content, doc.SearchContent, embedding, doc.EmbeddingModel)
	if err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.upsert", err)
	}

	if idx.vecAvailable && len(doc.Embedding) > 0 {
		if err := idx.upsertVector(res, doc); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) upsertVector(res sql.Result, doc *Doc) error {
	if err := idx.ensureVecTable(len(doc.Embedding)); err != nil {
		return err
	}

	var rowid int64
	err := idx.db.QueryRow("SELECT rowid FROM index_docs WHERE doc_id = ?", doc.DocID).Scan(&rowid)
	if err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.upsert_vector", err)
	}

	// Stored unit-normalized so KNN L2 distance maps onto cosine similarity.
	blob, err := sqlite_vec.SerializeFloat32(toFloat32(vectorizer.Normalize(doc.Embedding)))
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 has no upsert; delete then insert.
	if _, err := idx.db.Exec("DELETE FROM memory_vec WHERE rowid = ?", rowid); err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.upsert_vector", err)
	}
	if _, err := idx.db.Exec(
		"INSERT INTO memory_vec (rowid, embedding) VALUES (?, ?)", rowid, blob); err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.upsert_vector", err)
	}
	return nil
}

// Delete removes a doc from both indexes. Unknown IDs are a no-op.
func (idx *Index) Delete(docID string) error {
	var rowid int64
	err := idx.db.QueryRow("SELECT rowid FROM index_docs WHERE doc_id = ?", docID).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.delete", err)
	}

	if idx.vecAvailable && idx.vecDim != 0 {
		idx.db.Exec("DELETE FROM memory_vec WHERE rowid = ?", rowid)
	}
	if _, err := idx.db.Exec("DELETE FROM index_docs WHERE rowid = ?", rowid); err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.delete", err)
	}
	return nil
}

// Clear drops all indexed docs. Used before a full resync.
func (idx *Index) Clear() error {
	if idx.vecAvailable && idx.vecDim != 0 {
		if _, err := idx.db.Exec("DELETE FROM memory_vec"); err != nil {
			return memerr.New(memerr.KindTransientBackend, "index.clear", err)
		}
	}
	if _, err := idx.db.Exec("DELETE FROM index_docs"); err != nil {
		return memerr.New(memerr.KindTransientBackend, "index.clear", err)
	}
	return nil
}

// Count returns the number of indexed docs.
func (idx *Index) Count() (int, error) {
	var n int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM index_docs").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// filterSQL renders a filter as SQL conditions against index_docs columns.
func filterSQL(f Filter) (string, []any) {
	cond := " WHERE 1=1"
	var args []any
	if f.PrivateOnly {
		cond += " AND group_id = ''"
	} else if f.GroupID != "" {
		cond += " AND group_id = ?"
		args = append(args, f.GroupID)
	}
	if f.UserID != "" {
		cond += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.ParticipantUserID != "" {
		cond += " AND (user_id = ? OR participants LIKE ?)"
		quoted, _ := json.Marshal(f.ParticipantUserID)
		args = append(args, f.ParticipantUserID, "%"+string(quoted)+"%")
	}
	if !f.To.IsZero() {
		cond += " AND timestamp <= ?"
		args = append(args, f.To)
	}
	if !f.From.IsZero() {
		// A semantic memory's indexed timestamp is its start_time; whether
		// it was still held after From depends on end_time, so it passes
		// here and is settled during hydration.
		cond += " AND (timestamp >= ? OR doc_type = ?)"
		args = append(args, f.From, string(model.SourceSemanticMemory))
	}
	if len(f.Sources) > 0 {
		cond += " AND doc_type IN ("
		for i, src := range f.Sources {
			if i > 0 {
				cond += ","
			}
			cond += "?"
			args = append(args, string(src))
		}
		cond += ")"
	}
	return cond, args
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
