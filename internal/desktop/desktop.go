// Package desktop manages remote-desktop sessions.
//
// A Registry maps session ids to live sessions. A session captures frames
// and injects input either through a helper process running in the
// interactive user session (Helper mode) or through the OS bridge in this
// process (Direct mode). The mode is derived from whether a helper link
// is attached and alive.
//
// Every call on one session is serialized; different sessions proceed
// independently.
package desktop

import (
	"context"
	"errors"
	"time"

	"github.com/xfeldman/deskagent/internal/config"
	"github.com/xfeldman/deskagent/internal/frame"
	"github.com/xfeldman/deskagent/internal/journal"
	"github.com/xfeldman/deskagent/internal/launcher"
	"github.com/xfeldman/deskagent/internal/native"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrRegistryClosed  = errors.New("registry closed")
	ErrCaptureFailed   = errors.New("all capture methods failed")
	ErrInputFailed     = errors.New("input failed")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnknownAction   = errors.New("unknown action")
)

// Mode is how a session reaches the user's desktop.
type Mode int

const (
	ModeDirect Mode = iota
	ModeHelper
)

func (m Mode) String() string {
	if m == ModeHelper {
		return "helper"
	}
	return "direct"
}

// Direct is the in-process capture and input surface.
type Direct interface {
	native.ScreenCapturer
	native.InputInjector
	// Interactive reports whether this process already runs in the
	// user's session, making a helper unnecessary.
	Interactive() bool
}

// HelperLauncher starts a helper and returns a Ready link.
type HelperLauncher interface {
	Launch(ctx context.Context, opts launcher.Options) (*launcher.Link, error)
}

// Journal records session lifecycle.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// EventSink receives out-of-band helper messages.
type EventSink interface {
	Append(sessionID, kind, text string)
}

// Config holds the registry's tunables.
type Config struct {
	HelperPath string
	Desktop    string
	ChannelDir string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	ExitGrace        time.Duration

	DefaultQuality    int
	PlaceholderWidth  int
	PlaceholderHeight int

	RelaunchLimit  int
	RelaunchWindow time.Duration
}

// ConfigFrom extracts the registry settings from the agent config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		HelperPath:        c.HelperPath(),
		Desktop:           c.Desktop,
		ChannelDir:        c.SocketsDir,
		ConnectTimeout:    c.ConnectTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		CallTimeout:       c.CallTimeout,
		ExitGrace:         c.ExitGrace,
		DefaultQuality:    c.DefaultQuality,
		PlaceholderWidth:  c.PlaceholderWidth,
		PlaceholderHeight: c.PlaceholderHeight,
		RelaunchLimit:     c.RelaunchLimit,
		RelaunchWindow:    c.RelaunchWindow,
	}
}

// DefaultConfig mirrors config.DefaultConfig without paths.
func DefaultConfig() Config {
	return Config{
		Desktop:           `winsta0\default`,
		ConnectTimeout:    10 * time.Second,
		HandshakeTimeout:  3 * time.Second,
		CallTimeout:       10 * time.Second,
		ExitGrace:         2 * time.Second,
		DefaultQuality:    frame.DefaultQuality,
		PlaceholderWidth:  800,
		PlaceholderHeight: 600,
		RelaunchLimit:     3,
		RelaunchWindow:    2 * time.Minute,
	}
}

// Reason classifies err into the failure names reported to the server.
func Reason(err error) string {
	var le *launcher.LaunchError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExists):
		return "SessionAlreadyExists"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, native.ErrNoActiveSession):
		return "NoActiveInteractiveSession"
	case errors.Is(err, launcher.ErrTokenAcquisition):
		return "TokenAcquisitionFailed"
	case errors.Is(err, launcher.ErrHelperNotFound):
		return "HelperNotFound"
	case errors.Is(err, launcher.ErrHandshakeTimeout):
		return "HandshakeTimeout"
	case errors.Is(err, launcher.ErrChannelClosed):
		return "ChannelClosed"
	case errors.Is(err, ErrCaptureFailed):
		return "CaptureFailed"
	case errors.Is(err, ErrInvalidPayload):
		return "InvalidPayload"
	case errors.Is(err, ErrUnknownAction):
		return "UnknownAction"
	case errors.Is(err, ErrInputFailed):
		return "InputFailed"
	case errors.As(err, &le):
		return "LaunchFailed"
	case errors.Is(err, ErrRegistryClosed):
		return "ShuttingDown"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "InternalError"
	}
}
