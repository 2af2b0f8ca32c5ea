package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/retrieval"
	"github.com/mnemora/mnemora/internal/store"
	"github.com/mnemora/mnemora/internal/syncer"
)

type stubIngester struct {
	ingested []string
	err      error
	restored int
}

func (s *stubIngester) Ingest(msg *model.PendingMessage) error {
	if s.err != nil {
		return s.err
	}
	s.ingested = append(s.ingested, msg.MessageID)
	return nil
}

func (s *stubIngester) Replay(groupID string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.restored, nil
}

type stubRetriever struct {
	resp        *retrieval.Response
	agenticResp *retrieval.AgenticResponse
	err         error
	lastReq     retrieval.Request
}

func (s *stubRetriever) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	s.lastReq = req
	return s.resp, s.err
}

func (s *stubRetriever) RetrieveAgentic(ctx context.Context, req retrieval.Request) (*retrieval.AgenticResponse, error) {
	s.lastReq = req
	return s.agenticResp, s.err
}

type stubProfiles struct {
	profile *model.Profile
	err     error
}

func (s *stubProfiles) Get(userID, groupID string) (*model.Profile, error) {
	return s.profile, s.err
}

type stubResyncer struct {
	result *syncer.Result
	err    error
}

func (s *stubResyncer) Resync(ctx context.Context) (*syncer.Result, error) {
	return s.result, s.err
}

type stubStore struct {
	metas      map[string]*model.ConversationMeta
	pending    []*model.PendingMessage
	lastFilter store.MessageFilter
	err        error
}

func newStubStore() *stubStore {
	return &stubStore{metas: make(map[string]*model.ConversationMeta)}
}

func (s *stubStore) UpsertConversationMeta(meta *model.ConversationMeta) error {
	if s.err != nil {
		return s.err
	}
	s.metas[meta.GroupID] = meta
	return nil
}

func (s *stubStore) GetConversationMeta(groupID string) (*model.ConversationMeta, error) {
	if meta, ok := s.metas[groupID]; ok {
		return meta, nil
	}
	return nil, memerr.Newf(memerr.KindNotFound, "stub", "no meta for %s", groupID)
}

func (s *stubStore) FindMessages(f store.MessageFilter) ([]*model.PendingMessage, error) {
	s.lastFilter = f
	return s.pending, s.err
}

func (s *stubStore) Stats() (map[string]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]int{"pending_messages": len(s.pending)}, nil
}

type testService struct {
	pipeline *stubIngester
	engine   *stubRetriever
	profiles *stubProfiles
	resync   *stubResyncer
	store    *stubStore
	mux      *http.ServeMux
}

func newTestService() *testService {
	ts := &testService{
		pipeline: &stubIngester{},
		engine:   &stubRetriever{},
		profiles: &stubProfiles{},
		resync:   &stubResyncer{},
		store:    newStubStore(),
	}
	ts.mux = New(ts.pipeline, ts.engine, ts.profiles, ts.resync, ts.store).Routes()
	return ts
}

func (ts *testService) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestService()
	rec := ts.do(t, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestMemorize(t *testing.T) {
	ts := newTestService()
	rec := ts.do(t, "POST", "/memorize", `{"messages":[
		{"message_id":"m1","group_id":"g1","sender_id":"alice","content":"hi"},
		{"message_id":"m2","group_id":"g1","sender_id":"bob","content":"hello"}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[MemorizeResponse](t, rec)
	if resp.Accepted != 2 || len(resp.Rejected) != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if len(ts.pipeline.ingested) != 2 {
		t.Errorf("ingested = %v", ts.pipeline.ingested)
	}
}

func TestMemorizeAllRejected(t *testing.T) {
	ts := newTestService()
	ts.pipeline.err = memerr.Newf(memerr.KindInvalidInput, "test", "bad message")

	rec := ts.do(t, "POST", "/memorize", `{"messages":[{"message_id":"m1"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	resp := decode[MemorizeResponse](t, rec)
	if resp.Accepted != 0 || len(resp.Rejected) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMemorizeEmptyBatch(t *testing.T) {
	ts := newTestService()
	if rec := ts.do(t, "POST", "/memorize", `{"messages":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", rec.Code)
	}
	if rec := ts.do(t, "POST", "/memorize", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", rec.Code)
	}
}

func TestConversationMeta(t *testing.T) {
	ts := newTestService()
	rec := ts.do(t, "POST", "/conversation/meta", `{"group_id":"g1","group_name":"running club","scene":"group_chat"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d", rec.Code)
	}

	rec = ts.do(t, "GET", "/conversation/meta?group_id=g1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	meta := decode[model.ConversationMeta](t, rec)
	if meta.GroupName != "running club" {
		t.Errorf("meta = %+v", meta)
	}

	if rec := ts.do(t, "GET", "/conversation/meta", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing group_id status = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", "/conversation/meta?group_id=nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown group status = %d", rec.Code)
	}
}

func TestPending(t *testing.T) {
	ts := newTestService()
	ts.store.pending = []*model.PendingMessage{
		{MessageID: "m1", GroupID: "g1", Content: "hi", CreatedAt: time.Now()},
	}

	rec := ts.do(t, "GET", "/pending?group_id=g1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string][]*model.PendingMessage](t, rec)
	if len(body["messages"]) != 1 {
		t.Errorf("body = %v", body)
	}
	if ts.store.lastFilter.GroupID != "g1" || ts.store.lastFilter.AnyGroup {
		t.Errorf("filter = %+v", ts.store.lastFilter)
	}

	if rec := ts.do(t, "GET", "/pending?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", rec.Code)
	}
}

func TestPendingOptionalFilters(t *testing.T) {
	ts := newTestService()

	if rec := ts.do(t, "GET", "/pending", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !ts.store.lastFilter.AnyGroup {
		t.Error("omitted group_id should span all groups")
	}

	if rec := ts.do(t, "GET", "/pending?group_id=", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.store.lastFilter.AnyGroup || ts.store.lastFilter.GroupID != "" {
		t.Errorf("explicit empty group_id should name the private scope, filter = %+v", ts.store.lastFilter)
	}

	if rec := ts.do(t, "GET", "/pending?user_id=bob&order=desc", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.store.lastFilter.UserID != "bob" || !ts.store.lastFilter.Desc {
		t.Errorf("filter = %+v", ts.store.lastFilter)
	}
}

func TestPendingEmptyIsArray(t *testing.T) {
	ts := newTestService()
	rec := ts.do(t, "GET", "/pending?group_id=g1", "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("empty pending should serialize as an array: %s", rec.Body.String())
	}
}

func TestReplay(t *testing.T) {
	ts := newTestService()
	ts.pipeline.restored = 4

	rec := ts.do(t, "POST", "/replay", `{"group_id":"g1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]int](t, rec)
	if body["restored"] != 4 {
		t.Errorf("body = %v", body)
	}
}

func TestResync(t *testing.T) {
	ts := newTestService()
	ts.resync.result = &syncer.Result{Synced: 7, Failed: []string{"bad1"}}

	rec := ts.do(t, "POST", "/resync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["synced"].(float64) != 7 {
		t.Errorf("body = %v", body)
	}
}

func TestRetrieve(t *testing.T) {
	ts := newTestService()
	ts.engine.resp = &retrieval.Response{
		Items: []retrieval.Item{{ID: "e1", Source: model.SourceEpisode, Content: "hit"}},
	}

	rec := ts.do(t, "POST", "/retrieve", `{"query":"marathon","group_id":"g1","method":"rrf"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ts.engine.lastReq.Query != "marathon" || ts.engine.lastReq.Method != retrieval.MethodRRF {
		t.Errorf("request = %+v", ts.engine.lastReq)
	}
	resp := decode[retrieval.Response](t, rec)
	if len(resp.Items) != 1 || resp.Items[0].ID != "e1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRetrieveAgentic(t *testing.T) {
	ts := newTestService()
	ts.engine.agenticResp = &retrieval.AgenticResponse{
		Response: retrieval.Response{Items: []retrieval.Item{{ID: "e1"}}},
		Rounds:   2,
	}

	rec := ts.do(t, "POST", "/retrieve/agentic", `{"query":"marathon"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[retrieval.AgenticResponse](t, rec)
	if resp.Rounds != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProfile(t *testing.T) {
	ts := newTestService()
	ts.profiles.profile = &model.Profile{UserID: "alice", Version: "v1"}

	rec := ts.do(t, "GET", "/profile?user_id=alice&group_id=g1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	p := decode[model.Profile](t, rec)
	if p.Version != "v1" {
		t.Errorf("profile = %+v", p)
	}

	if rec := ts.do(t, "GET", "/profile", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{memerr.Newf(memerr.KindInvalidInput, "t", "x"), http.StatusBadRequest},
		{memerr.Newf(memerr.KindNotFound, "t", "x"), http.StatusNotFound},
		{memerr.Newf(memerr.KindConflict, "t", "x"), http.StatusConflict},
		{memerr.Newf(memerr.KindRateLimited, "t", "x"), http.StatusTooManyRequests},
		{memerr.Newf(memerr.KindTransientBackend, "t", "x"), http.StatusServiceUnavailable},
		{memerr.Newf(memerr.KindExtraction, "t", "x"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts := newTestService()
		ts.engine.err = tc.err
		rec := ts.do(t, "POST", "/retrieve", `{"query":"x"}`)
		if rec.Code != tc.status {
			t.Errorf("err %v: status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		body := decode[map[string]string](t, rec)
		if body["code"] == "" {
			t.Errorf("err %v: missing code in body %v", tc.err, body)
		}
	}
}
