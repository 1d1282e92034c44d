// Package echoserver is a development backend speaking the taskstream wire
// contract. It answers every message by streaming the prompt back word by
// word, which is enough to exercise rooms, offsets, resume, cancel, retry and
// history end to end.
package echoserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/realtime"
	"github.com/ricochet1k/taskstream/internal/storage"
	apiTypes "github.com/ricochet1k/taskstream/pkg/api"
	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

type Options struct {
	// Tokens are the accepted bearer tokens. Empty accepts any non-empty
	// token.
	Tokens []string
	// DataDir holds the JSONL message logs. Empty keeps history in memory.
	DataDir string
	// ChunkDelay is the pause between streamed words.
	ChunkDelay time.Duration
	// Reply computes the assistant answer. The default echoes the prompt.
	Reply  func(prompt string) string
	Logger zerolog.Logger
}

type task struct {
	id        int64
	title     string
	status    apiTypes.TaskStatus
	subtasks  []int64
	createdAt time.Time
	updatedAt time.Time
}

type subtask struct {
	id        int64
	taskID    int64
	prompt    string
	status    apiTypes.SubtaskStatus
	content   string
	errMsg    string
	messageID int64
	cancel    context.CancelFunc
	createdAt time.Time
	updatedAt time.Time
}

type Server struct {
	opts      Options
	hub       *realtime.Hub
	snapshots *realtime.SnapshotProvider
	messages  *storage.MessageLog
	log       zerolog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	router chi.Router

	mu          sync.Mutex
	allowed     map[string]bool
	revoked     map[string]bool
	tasks       map[int64]*task
	subtasks    map[int64]*subtask
	nextTask    int64
	nextSubtask int64
}

func New(opts Options) (*Server, error) {
	if opts.Reply == nil {
		opts.Reply = func(prompt string) string { return "echo: " + prompt }
	}
	messages, err := storage.NewMessageLog(opts.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		hub:       realtime.NewHub(),
		snapshots: realtime.NewSnapshotProvider(),
		messages:  messages,
		log:       opts.Logger.With().Str("component", "echoserver").Logger(),
		ctx:       ctx,
		stop:      stop,
		allowed:   make(map[string]bool),
		revoked:   make(map[string]bool),
		tasks:     make(map[int64]*task),
		subtasks:  make(map[int64]*subtask),
	}
	for _, tok := range opts.Tokens {
		s.allowed[tok] = true
	}
	for _, id := range messages.Tasks() {
		s.tasks[id] = &task{id: id, title: "Task " + strconv.FormatInt(id, 10), status: apiTypes.TaskStatusCompleted}
		if id > s.nextTask {
			s.nextTask = id
		}
	}

	r := chi.NewRouter()
	s.Mount(r)
	s.router = r
	return s, nil
}

// Mount registers the websocket and REST routes.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws", s.realtimeWebSocket)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/me", s.me)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Get("/tasks/{id}/messages", s.getTaskMessages)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops running generations and disconnects every client.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
	s.hub.CloseAll()
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) tokenValid(tok string) bool {
	if tok == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[tok] {
		return false
	}
	return len(s.allowed) == 0 || s.allowed[tok]
}

// Revoke invalidates a token. Connected clients using it get auth:error and
// are disconnected. It returns how many connections were affected.
func (s *Server) Revoke(tok string) int {
	s.mu.Lock()
	s.revoked[tok] = true
	delete(s.allowed, tok)
	s.mu.Unlock()

	clients := s.hub.ClientsWithToken(tok)
	for _, c := range clients {
		c.QueueEvent(realtimeTypes.ServerEventAuthError, realtimeTypes.AuthErrorEvent{Message: "Token expired"})
		c.CloseAfterFlush(100 * time.Millisecond)
	}
	s.log.Info().Int("clients", len(clients)).Msg("token revoked")
	return len(clients)
}

// Allow accepts a (new) token.
func (s *Server) Allow(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revoked, tok)
	s.allowed[tok] = true
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokenValid(tokenFromRequest(r)) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "token missing, expired or revoked")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.UserResponse{ID: 1, Username: "echo"})
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id", "")
		return 0, false
	}
	return id, true
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	resp, ok := s.taskResponse(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if !s.DeleteTask(id) {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getTaskMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid after", raw)
			return
		}
		after = v
	}
	if !s.hasTask(id) {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.MessageListResponse{Messages: s.messages.List(id, after)})
}

func (s *Server) hasTask(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Server) taskResponse(id int64) (apiTypes.TaskResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return apiTypes.TaskResponse{}, false
	}
	resp := apiTypes.TaskResponse{
		ID:        t.id,
		Title:     t.title,
		Status:    t.status,
		CreatedAt: realtimeTypes.NewTimestamp(t.createdAt),
		UpdatedAt: realtimeTypes.NewTimestamp(t.updatedAt),
	}
	for _, subID := range t.subtasks {
		st := s.subtasks[subID]
		resp.Subtasks = append(resp.Subtasks, apiTypes.SubtaskResponse{
			ID:           st.id,
			TaskID:       st.taskID,
			MessageID:    st.messageID,
			Status:       st.status,
			Content:      st.content,
			ErrorMessage: st.errMsg,
			CreatedAt:    realtimeTypes.NewTimestamp(st.createdAt),
			UpdatedAt:    realtimeTypes.NewTimestamp(st.updatedAt),
		})
	}
	return resp, true
}

// DeleteTask removes a task, stops its generation and tells its room.
func (s *Server) DeleteTask(id int64) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		for _, subID := range t.subtasks {
			if st := s.subtasks[subID]; st != nil && st.cancel != nil {
				st.cancel()
			}
			delete(s.subtasks, subID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := s.messages.Delete(id); err != nil {
		s.log.Warn().Err(err).Int64("task_id", id).Msg("delete message log")
	}
	s.hub.PublishEvent(id, realtimeTypes.ServerEventTaskDeleted, realtimeTypes.TaskNotice{TaskID: id})
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	writeJSON(w, code, apiTypes.ErrorResponse{Error: message, Details: details})
}
