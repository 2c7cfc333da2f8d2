package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wpprelay/internal/notify"
	"github.com/matheus3301/wpprelay/internal/status"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

// Server exposes the REST routes.
type Server struct {
	actions *Actions
	db      *store.DB
	tracker *status.Tracker
	logger  *zap.Logger
}

// NewServer creates the REST surface.
func NewServer(actions *Actions, db *store.DB, tracker *status.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{actions: actions, db: db, tracker: tracker, logger: logger}
}

// Register mounts the routes on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	inst := r.PathPrefix("/instances/{instance}").Subrouter()
	inst.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	inst.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	inst.HandleFunc("/conversations/{id}", s.deleteConversation).Methods(http.MethodDelete)
	inst.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	inst.HandleFunc("/conversations/{id}/{action:read|unread|pin|unpin|archive|unarchive}", s.conversationAction).
		Methods(http.MethodPost)
	inst.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Instances map[string]status.State `json:"instances"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Instances: s.tracker.Snapshot()})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Limit: intParam(q.Get("limit"), 50), Offset: intParam(q.Get("offset"), 0)}
	if v := q.Get("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "archived must be a boolean")
			return
		}
		opts.Archived = &archived
	}

	convs, err := s.db.ListConversations(r.Context(), mux.Vars(r)["instance"], opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]notify.ConversationView, 0, len(convs))
	for i := range convs {
		views = append(views, notify.ConversationFrom(&convs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views, "hasMore": len(convs) == opts.Limit})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := s.actions.Conversation(r.Context(), vars["instance"], vars["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notify.ConversationFrom(c))
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := s.actions.Conversation(r.Context(), vars["instance"], vars["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	msgs, err := s.db.ListMessages(r.Context(), c.ID, int64(intParam(q.Get("before"), 0)), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]notify.MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, notify.MessageFrom(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views, "hasMore": len(msgs) == limit})
}

func (s *Server) conversationAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	instance, id := vars["instance"], vars["id"]
	ctx := r.Context()

	var (
		c   *store.Conversation
		err error
	)
	switch vars["action"] {
	case "read":
		c, err = s.actions.Read(ctx, instance, id)
	case "unread":
		c, err = s.actions.Unread(ctx, instance, id)
	case "pin":
		c, err = s.actions.SetPinned(ctx, instance, id, true)
	case "unpin":
		c, err = s.actions.SetPinned(ctx, instance, id, false)
	case "archive":
		c, err = s.actions.SetArchived(ctx, instance, id, true)
	case "unarchive":
		c, err = s.actions.SetArchived(ctx, instance, id, false)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notify.ConversationFrom(c))
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.actions.Delete(r.Context(), vars["instance"], vars["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.actions.Send(r.Context(), mux.Vars(r)["instance"], req.To, req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"clientMsgId": id, "status": "queued"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("api request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
