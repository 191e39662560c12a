package client

import (
	"encoding/json"
	"time"
)

// CommandRequest is the body of POST /v1/commands.
type CommandRequest struct {
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandResult is the structured answer to a command. Payload is left
// raw; its shape depends on the action.
type CommandResult struct {
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Session describes one live desktop session.
type Session struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Quality   int       `json:"quality"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	HelperPid int       `json:"helper_pid,omitempty"`
	Started   time.Time `json:"started"`
}

// Event is one helper message.
type Event struct {
	Time      time.Time `json:"ts"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
}

// JournalEntry is one session journal row.
type JournalEntry struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Mode      string    `json:"mode,omitempty"`
	Pid       int       `json:"pid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// JournalQuery filters journal entries. Zero fields match everything.
type JournalQuery struct {
	SessionID string
	Since     time.Time
	Limit     int
}

// Status is the daemon status.
type Status struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Platform string   `json:"platform"`
	Uptime   string   `json:"uptime"`
	Sessions int      `json:"sessions"`
	Actions  []string `json:"actions"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}
