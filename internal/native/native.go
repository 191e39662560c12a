// Package native is the thin bridge to the operating system primitives the
// remote desktop needs: interactive-session discovery, user-token
// acquisition, launching a process inside another session, and direct
// screen capture and input injection.
//
// The bridge is split into small capability interfaces so each consumer
// depends only on what it calls. Every call is fallible; privilege and
// platform restrictions surface as errors, never as panics.
//
// Only Windows has a session boundary between services and the logged-in
// user. Other platforms get a bridge that reports itself interactive and
// returns ErrUnsupported from the native primitives.
package native

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

var (
	// ErrUnsupported is returned by primitives the platform does not provide.
	ErrUnsupported = errors.New("not supported on this platform")

	// ErrNoActiveSession is returned when no session is in the active state.
	ErrNoActiveSession = errors.New("no active interactive session")
)

// SessionState mirrors the terminal-services connection state.
type SessionState int

const (
	StateActive SessionState = iota
	StateConnected
	StateConnectQuery
	StateShadow
	StateDisconnected
	StateIdle
	StateListen
	StateReset
	StateDown
	StateInit
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateConnected:
		return "connected"
	case StateConnectQuery:
		return "connect-query"
	case StateShadow:
		return "shadow"
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateListen:
		return "listen"
	case StateReset:
		return "reset"
	case StateDown:
		return "down"
	case StateInit:
		return "init"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one entry of the OS session table.
type Session struct {
	ID      uint32
	State   SessionState
	Station string
}

// Token is a borrowed user security context. Close releases it.
type Token interface {
	Close() error
}

// Process is a launched helper process.
type Process interface {
	Pid() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	Kill() error
	// Release frees the OS handle. Safe to call more than once.
	Release() error
}

// SessionLister enumerates OS sessions.
type SessionLister interface {
	ListSessions() ([]Session, error)
}

// TokenSource borrows the security context of a logged-in user.
type TokenSource interface {
	UserToken(sessionID uint32) (Token, error)
	EnvironmentBlock(tok Token) ([]string, error)
}

// ProcessLauncher starts a process bound to a session's window station and
// desktop, with no visible window.
type ProcessLauncher interface {
	LaunchInSession(tok Token, env []string, path string, args []string, desktop string) (Process, error)
}

// ScreenCapturer grabs the full virtual screen. CaptureScreenFallback uses
// a second, independent method for when the primary one is blocked.
type ScreenCapturer interface {
	Bounds() (image.Rectangle, error)
	CaptureScreen() (*image.RGBA, error)
	CaptureScreenFallback() (*image.RGBA, error)
}

// InputInjector synthesizes pointer and keyboard input.
type InputInjector interface {
	SetCursorPos(x, y int) error
	MouseEvent(button MouseButton, down bool) error
	KeyEvent(code uint16, down bool) error
}

// Bridge is the full native surface. Interactive reports whether this
// process already runs inside the interactive user session, in which case
// capture and input work in-process and no helper is needed.
type Bridge interface {
	SessionLister
	TokenSource
	ProcessLauncher
	ScreenCapturer
	InputInjector
	Interactive() bool
}

// ActiveSession returns the first session in the active state.
func ActiveSession(l SessionLister) (Session, error) {
	sessions, err := l.ListSessions()
	if err != nil {
		return Session{}, fmt.Errorf("enumerate sessions: %w", err)
	}
	for _, s := range sessions {
		if s.State == StateActive {
			return s, nil
		}
	}
	return Session{}, ErrNoActiveSession
}

// MouseButton identifies a pointer button.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonRight
	ButtonMiddle
)

func (b MouseButton) String() string {
	switch b {
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	default:
		return "left"
	}
}

// ParseButton accepts "left", "right" and "middle" in any case.
// An empty name means left.
func ParseButton(name string) (MouseButton, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "left":
		return ButtonLeft, nil
	case "right":
		return ButtonRight, nil
	case "middle":
		return ButtonMiddle, nil
	default:
		return ButtonLeft, fmt.Errorf("unknown mouse button %q", name)
	}
}
