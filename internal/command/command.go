// Package command defines the boundary with the outer dispatch framework:
// a decoded inbound Command, the Result sent back, and a Router that hands
// each action to the module registered for it.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Command is one decoded action from the management server.
type Command struct {
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Result is the structured answer for one Command.
type Result struct {
	ID        string `json:"id,omitempty"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	Payload   any    `json:"payload,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	// Reason is a stable failure class for programmatic handling.
	Reason string `json:"reason,omitempty"`
}

// OK builds a success result for cmd.
func OK(cmd Command, payload any) Result {
	return Result{ID: cmd.ID, Action: cmd.Action, SessionID: cmd.SessionID, Payload: payload, Success: true}
}

// Fail builds a failure result for cmd.
func Fail(cmd Command, reason string, err error) Result {
	r := Result{ID: cmd.ID, Action: cmd.Action, SessionID: cmd.SessionID, Reason: reason}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Handler executes the actions of one module.
type Handler interface {
	Actions() []string
	Handle(ctx context.Context, cmd Command) Result
}

// Router dispatches commands to handlers by action name. Safe for
// concurrent use; commands run concurrently.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handlers: make(map[string]Handler), logger: logger}
}

// Register binds every action of h. A later registration of the same
// action replaces the earlier one.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range h.Actions() {
		r.handlers[strings.ToLower(a)] = h
	}
}

// Actions lists the registered action names, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Dispatch runs cmd. Action names are case-insensitive and reach the
// handler lowercased. Commands without an id get one, so results can be
// correlated in logs.
func (r *Router) Dispatch(ctx context.Context, cmd Command) Result {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.Action = strings.ToLower(cmd.Action)
	r.mu.RLock()
	h, ok := r.handlers[cmd.Action]
	r.mu.RUnlock()
	if !ok {
		return Fail(cmd, "UnknownAction", fmt.Errorf("unknown action %q", cmd.Action))
	}

	start := time.Now()
	res := h.Handle(ctx, cmd)
	r.logger.Debug("command handled",
		"id", cmd.ID, "action", cmd.Action, "session", cmd.SessionID,
		"success", res.Success, "reason", res.Reason, "took", time.Since(start))
	return res
}
