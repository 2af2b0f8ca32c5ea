// Package server exposes the memory core over HTTP: message ingestion,
// conversation metadata, retrieval (plain and agentic), replay, resync, and
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
	"github.com/mnemora/mnemora/internal/model"
	"github.com/mnemora/mnemora/internal/retrieval"
	"github.com/mnemora/mnemora/internal/store"
	"github.com/mnemora/mnemora/internal/syncer"
)

// ingester is the pipeline surface the server calls.
type ingester interface {
	Ingest(msg *model.PendingMessage) error
	Replay(groupID string) (int, error)
}

// retriever answers queries.
type retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	RetrieveAgentic(ctx context.Context, req retrieval.Request) (*retrieval.AgenticResponse, error)
}

// profileReader serves profile lookups.
type profileReader interface {
	Get(userID, groupID string) (*model.Profile, error)
}

// resyncer rebuilds the search indexes from the store.
type resyncer interface {
	Resync(ctx context.Context) (*syncer.Result, error)
}

// serverStore is the slice of the document store the handlers read.
type serverStore interface {
	UpsertConversationMeta(meta *model.ConversationMeta) error
	GetConversationMeta(groupID string) (*model.ConversationMeta, error)
	FindMessages(f store.MessageFilter) ([]*model.PendingMessage, error)
	Stats() (map[string]int, error)
}

// agenticTimeout bounds the two-round retrieval path.
const agenticTimeout = 60 * time.Second

// Service holds the wired components behind the HTTP surface.
type Service struct {
	pipeline  ingester
	engine    retriever
	profiles  profileReader
	resync    resyncer
	store     serverStore
}

// New wires the service.
func New(pipeline ingester, engine retriever, profiles profileReader, resync resyncer, store serverStore) *Service {
	return &Service{pipeline: pipeline, engine: engine, profiles: profiles, resync: resync, store: store}
}

// Routes builds the HTTP mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /memorize", s.handleMemorize)
	mux.HandleFunc("POST /conversation/meta", s.handleMetaUpsert)
	mux.HandleFunc("GET /conversation/meta", s.handleMetaGet)
	mux.HandleFunc("GET /pending", s.handlePending)
	mux.HandleFunc("POST /replay", s.handleReplay)
	mux.HandleFunc("POST /resync", s.handleResync)
	mux.HandleFunc("POST /retrieve", s.handleRetrieve)
	mux.HandleFunc("POST /retrieve/agentic", s.handleRetrieveAgentic)
	mux.HandleFunc("GET /profile", s.handleProfile)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": stats})
}

// MemorizeRequest is the request body for POST /memorize.
type MemorizeRequest struct {
	Messages []model.PendingMessage `json:"messages"`
}

// MemorizeResponse reports how the batch was absorbed.
type MemorizeResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"` // message IDs with their errors
}

func (s *Service) handleMemorize(w http.ResponseWriter, r *http.Request) {
	var req MemorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages is required"})
		return
	}

	var resp MemorizeResponse
	for i := range req.Messages {
		msg := req.Messages[i]
		if err := s.pipeline.Ingest(&msg); err != nil {
			resp.Rejected = append(resp.Rejected, msg.MessageID+": "+err.Error())
			continue
		}
		resp.Accepted++
	}

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Service) handleMetaUpsert(w http.ResponseWriter, r *http.Request) {
	var meta model.ConversationMeta
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := s.store.UpsertConversationMeta(&meta); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group_id": meta.GroupID})
}

func (s *Service) handleMetaGet(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	if groupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "group_id is required"})
		return
	}
	meta, err := s.store.GetConversationMeta(groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handlePending lists unconsumed messages. group_id and user_id are both
// optional; an omitted group_id spans all groups, while group_id= (present
// but empty) names the private scope.
func (s *Service) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MessageFilter{
		GroupID:  q.Get("group_id"),
		AnyGroup: !q.Has("group_id"),
		UserID:   q.Get("user_id"),
		Statuses: []model.MessageStatus{model.StatusRecorded, model.StatusInWindow},
		Desc:     q.Get("order") == "desc",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	msgs, err := s.store.FindMessages(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.PendingMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	restored, err := s.pipeline.Replay(req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
}

func (s *Service) handleResync(w http.ResponseWriter, r *http.Request) {
	result, err := s.resync.Resync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"synced": result.Synced,
		"failed": result.Failed,
	})
}

func (s *Service) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	resp, err := s.engine.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRetrieveAgentic(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), agenticTimeout)
	defer cancel()

	resp, err := s.engine.RetrieveAgentic(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	groupID := r.URL.Query().Get("group_id")

	p, err := s.profiles.Get(userID, groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch memerr.KindOf(err) {
	case memerr.KindInvalidInput:
		status = http.StatusBadRequest
	case memerr.KindNotFound:
		status = http.StatusNotFound
	case memerr.KindConflict:
		status = http.StatusConflict
	case memerr.KindRateLimited:
		status = http.StatusTooManyRequests
	case memerr.KindTransientBackend:
		status = http.StatusServiceUnavailable
	case memerr.KindExtraction:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		logging.Error("server", "request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  memerr.KindOf(err).String(),
	})
}
