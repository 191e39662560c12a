package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/deskagent/internal/frame"
	"github.com/xfeldman/deskagent/internal/journal"
	"github.com/xfeldman/deskagent/internal/wire"
)

// Registry is the concurrent map of live sessions, keyed by
// case-insensitive id.
type Registry struct {
	cfg     Config
	direct  Direct
	helpers HelperLauncher
	logger  *slog.Logger

	journal Journal
	events  EventSink

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry. helpers may be nil when the
// agent always runs in the interactive session.
func NewRegistry(cfg Config, direct Direct, helpers HelperLauncher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		direct:   direct,
		helpers:  helpers,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetJournal sets where lifecycle entries are recorded.
func (r *Registry) SetJournal(j Journal) {
	r.journal = j
}

// SetEventSink sets where helper EVENT lines go.
func (r *Registry) SetEventSink(e EventSink) {
	r.events = e
}

func (r *Registry) record(id, event string, mode Mode, pid int, detail string) {
	if r.journal == nil {
		return
	}
	// Journal writes outlive the request that caused them.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.journal.Record(ctx, journal.Entry{
		SessionID: id,
		Event:     event,
		Mode:      mode.String(),
		Pid:       pid,
		Detail:    detail,
	})
	if err != nil {
		r.logger.Warn("journal write failed", "session", id, "error", err)
	}
}

func key(id string) string { return strings.ToLower(id) }

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key(id)]
}

// holds reports whether s is still the entry for its id.
func (r *Registry) holds(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key(s.ID)] == s
}

// remove deletes s if it is still the entry for its id.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key(s.ID)] != s {
		return false
	}
	delete(r.sessions, key(s.ID))
	return true
}

// StartResult describes a started session.
type StartResult struct {
	SessionID string
	Width     int
	Height    int
	Quality   int
	Mode      Mode
}

// Start creates session id. The helper is launched before Start returns
// when this process is outside the interactive session, which can take
// up to the connect plus handshake timeouts. Other sessions are not
// blocked meanwhile.
func (r *Registry) Start(ctx context.Context, id string, quality int) (StartResult, error) {
	if id == "" {
		return StartResult{}, fmt.Errorf("%w: empty session id", ErrInvalidPayload)
	}
	s := newSession(r, id, frame.Clamp(quality))
	// Set before the session is visible; List reads them unlocked.
	s.Width, s.Height = r.bounds()

	// Reserve the id with the session already locked, so callers that
	// find it wait for the launch to finish.
	s.sem <- struct{}{}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StartResult{}, ErrRegistryClosed
	}
	if _, exists := r.sessions[key(id)]; exists {
		r.mu.Unlock()
		return StartResult{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.sessions[key(id)] = s
	r.mu.Unlock()
	defer s.unlock()

	logger := r.logger.With("session", id)
	if r.needsHelper() {
		link, err := r.launch(ctx, s)
		if err != nil {
			s.removed = true
			r.remove(s)
			logger.Warn("helper launch failed", "error", err)
			r.record(id, journal.EventLaunchFailed, ModeDirect, 0, err.Error())
			return StartResult{}, err
		}
		s.setLink(link)
	}

	// A stop that landed during the launch already owns disposal.
	if !r.holds(s) {
		logger.Info("session stopped while starting")
		return StartResult{}, fmt.Errorf("%w: %s stopped while starting", ErrSessionNotFound, id)
	}

	mode := s.Mode()
	logger.Info("session started", "mode", mode.String(), "quality", s.Quality, "width", s.Width, "height", s.Height)
	r.record(id, journal.EventStart, mode, s.pid(), "")

	return StartResult{SessionID: id, Width: s.Width, Height: s.Height, Quality: s.Quality, Mode: mode}, nil
}

func (r *Registry) needsHelper() bool {
	return r.helpers != nil && !r.direct.Interactive()
}

// bounds returns the display size, or the placeholder size when it
// cannot be read.
func (r *Registry) bounds() (int, int) {
	b, err := r.direct.Bounds()
	if err != nil || b.Empty() {
		return r.cfg.PlaceholderWidth, r.cfg.PlaceholderHeight
	}
	return b.Dx(), b.Dy()
}

// Stop removes and disposes session id. An unknown id is not an error:
// found reports whether anything was stopped.
func (r *Registry) Stop(ctx context.Context, id string) (found bool, err error) {
	s := r.get(id)
	if s == nil || !r.remove(s) {
		r.logger.Debug("stop for unknown session", "session", id)
		return false, nil
	}

	// Wait for an in-flight call; it is bounded by the call timeout.
	s.sem <- struct{}{}
	s.removed = true
	mode, pid := s.Mode(), s.pid()
	s.dispose(wire.VerbExit)
	s.unlock()

	r.logger.Info("session stopped", "session", s.ID)
	r.record(s.ID, journal.EventStop, mode, pid, "")
	return true, nil
}

// Capture returns one encoded frame from session id.
func (r *Registry) Capture(ctx context.Context, id string) (Frame, error) {
	s := r.get(id)
	if s == nil {
		return Frame{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.lock(ctx); err != nil {
		return Frame{}, err
	}
	defer s.unlock()
	if s.removed {
		return Frame{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.capture(ctx)
}

// SendInput delivers ev to session id. Input for an unknown session is
// dropped and reported with ack false and no error.
func (r *Registry) SendInput(ctx context.Context, id string, ev InputEvent) (ack bool, err error) {
	s := r.get(id)
	if s == nil {
		r.logger.Debug("input for unknown session dropped", "session", id, "input", ev.Kind.String())
		return false, nil
	}
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()
	if s.removed {
		return false, nil
	}
	if err := s.input(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// Info is a read-only view of a session.
type Info struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Quality   int       `json:"quality"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	HelperPid int       `json:"helper_pid,omitempty"`
	Started   time.Time `json:"started"`
}

// List returns every session, ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	result := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, s.info())
	}
	sort.Slice(result, func(i, j int) bool { return key(result[i].SessionID) < key(result[j].SessionID) })
	return result
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close disposes every session with SHUTDOWN and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	clear(r.sessions)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sem <- struct{}{}
			s.removed = true
			mode, pid := s.Mode(), s.pid()
			s.dispose(wire.VerbShutdown)
			s.unlock()
			r.record(s.ID, journal.EventShutdown, mode, pid, "")
		}()
	}
	wg.Wait()
	if len(sessions) > 0 {
		r.logger.Info("all sessions closed", "count", len(sessions))
	}
}
