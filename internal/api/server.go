// Package api is the agent's local control API: HTTP over a unix socket.
// It accepts decoded commands the way the management connection delivers
// them and exposes what the agent knows about its desktop sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/xfeldman/deskagent/internal/command"
	"github.com/xfeldman/deskagent/internal/desktop"
	"github.com/xfeldman/deskagent/internal/eventlog"
	"github.com/xfeldman/deskagent/internal/journal"
	"github.com/xfeldman/deskagent/internal/version"
)

// Dispatcher runs one decoded command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) command.Result
	Actions() []string
}

// Sessions lists live desktop sessions.
type Sessions interface {
	List() []desktop.Info
}

// JournalReader queries the session journal.
type JournalReader interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// Deps are the components the API serves. Events and Journal may be nil.
type Deps struct {
	Commands Dispatcher
	Sessions Sessions
	Events   *eventlog.Store
	Journal  JournalReader
}

// Server is the deskagent HTTP API server.
type Server struct {
	socketPath string
	deps       Deps
	logger     *slog.Logger
	started    time.Time

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a new API server listening on socketPath once started.
func NewServer(socketPath string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		logger:     logger,
		started:    time.Now(),
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/commands", s.handleCommand)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("GET /v1/journal", s.handleJournal)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
}

// Handler returns the route table, for serving on another listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	// Owner only; the API can drive the user's desktop.
	os.Chmod(s.socketPath, 0600)

	s.logger.Info("API listening", "socket", s.socketPath)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server. Event followers are cut off when
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.server.Close()
	}
	os.Remove(s.socketPath)
	return err
}

// handleCommand answers 200 with the structured result whether or not the
// command succeeded; only an undecodable request is a 400.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if cmd.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Commands.Dispatch(r.Context(), cmd))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Sessions.List()
	if list == nil {
		list = []desktop.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleSessionEvents streams the session's helper messages as NDJSON.
// Query: tail=N limits the backlog, archived=true prepends the rotated
// archive, follow=true keeps the response open for new entries.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	q := r.URL.Query()
	follow := q.Get("follow") == "true"
	tail, _ := strconv.Atoi(q.Get("tail"))

	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	l := s.deps.Events.Get(id)
	if l == nil && !follow {
		writeError(w, http.StatusNotFound, "no events for session")
		return
	}
	if l == nil {
		l = s.deps.Events.GetOrCreate(id)
	}

	var archived []eventlog.Entry
	if q.Get("archived") == "true" {
		var err error
		archived, err = l.Archived()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read event archive", "session", id, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, e := range archived {
		streamJSON(w, e)
	}

	if !follow {
		for _, e := range l.Read(time.Time{}, tail) {
			streamJSON(w, e)
		}
		return
	}

	ch, existing, unsub := l.Subscribe()
	defer unsub()
	if tail > 0 && len(existing) > tail {
		existing = existing[len(existing)-tail:]
	}
	for _, e := range existing {
		streamJSON(w, e)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := streamJSON(w, e); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	q := r.URL.Query()
	query := journal.Query{SessionID: q.Get("session")}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		query.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	entries, err := s.deps.Journal.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Status response

type statusResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Platform string   `json:"platform"`
	Uptime   string   `json:"uptime"`
	Sessions int      `json:"sessions"`
	Actions  []string `json:"actions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   "running",
		Version:  version.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: len(s.deps.Sessions.List()),
		Actions:  s.deps.Commands.Actions(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// streamJSON writes newline-delimited JSON values to a flushing writer.
func streamJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
