package desktop

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xfeldman/deskagent/internal/frame"
	"github.com/xfeldman/deskagent/internal/helper"
	"github.com/xfeldman/deskagent/internal/journal"
	"github.com/xfeldman/deskagent/internal/launcher"
	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/wire"
)

// QualityEnv carries the session quality into the helper's environment.
const QualityEnv = helper.QualityEnv

// Session is one remote-desktop engagement.
type Session struct {
	ID      string
	Quality int
	Width   int
	Height  int
	Started time.Time

	reg *Registry

	// sem serializes every call on the session. Fields below it are
	// only touched while it is held.
	sem        chan struct{}
	removed    bool
	relaunches []time.Time

	link atomic.Pointer[launcher.Link]
}

func newSession(r *Registry, id string, quality int) *Session {
	return &Session{
		ID:      id,
		Quality: quality,
		Started: time.Now(),
		reg:     r,
		sem:     make(chan struct{}, 1),
	}
}

func (s *Session) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) unlock() { <-s.sem }

func (s *Session) setLink(l *launcher.Link) { s.link.Store(l) }

// Mode is Helper while a helper link is attached and alive.
func (s *Session) Mode() Mode {
	if l := s.link.Load(); l != nil && l.Alive() {
		return ModeHelper
	}
	return ModeDirect
}

func (s *Session) pid() int {
	if l := s.link.Load(); l != nil {
		return l.Pid()
	}
	return 0
}

func (s *Session) info() Info {
	i := Info{
		SessionID: s.ID,
		Mode:      s.Mode().String(),
		Quality:   s.Quality,
		Width:     s.Width,
		Height:    s.Height,
		Started:   s.Started,
	}
	if i.Mode == ModeHelper.String() {
		i.HelperPid = s.pid()
	}
	return i
}

func (r *Registry) launch(ctx context.Context, s *Session) (*launcher.Link, error) {
	logger := r.logger.With("session", s.ID)
	link, err := r.helpers.Launch(ctx, launcher.Options{
		HelperPath:       r.cfg.HelperPath,
		Desktop:          r.cfg.Desktop,
		ChannelDir:       r.cfg.ChannelDir,
		ConnectTimeout:   r.cfg.ConnectTimeout,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
		Env:              []string{QualityEnv + "=" + strconv.Itoa(s.Quality)},
		OnEvent: func(kind, text string) {
			logger.Debug("helper event", "kind", kind, "text", text)
			if r.events != nil {
				r.events.Append(s.ID, kind, text)
			}
		},
		OnExit: func(pid int) {
			logger.Warn("helper exited unexpectedly", "pid", pid)
			r.record(s.ID, journal.EventHelperExit, ModeDirect, pid, "helper process exited")
		},
	})
	if err != nil {
		return nil, err
	}
	r.record(s.ID, journal.EventLaunched, ModeHelper, link.Pid(), link.Name())
	return link, nil
}

// ensureHelper replaces a dead helper link, subject to the relaunch
// budget. Failure leaves the session in Direct mode.
func (s *Session) ensureHelper(ctx context.Context) {
	r := s.reg
	if !r.needsHelper() {
		return
	}
	old := s.link.Load()
	if old != nil && old.Alive() {
		return
	}
	if old != nil {
		old.Close("", 0)
		s.link.Store(nil)
	}

	now := time.Now()
	kept := s.relaunches[:0]
	for _, t := range s.relaunches {
		if now.Sub(t) < r.cfg.RelaunchWindow {
			kept = append(kept, t)
		}
	}
	s.relaunches = kept
	if len(s.relaunches) >= r.cfg.RelaunchLimit {
		return
	}
	s.relaunches = append(s.relaunches, now)

	link, err := r.launch(ctx, s)
	if err != nil {
		r.logger.Warn("helper relaunch failed", "session", s.ID, "attempt", len(s.relaunches), "error", err)
		r.record(s.ID, journal.EventLaunchFailed, ModeDirect, 0, err.Error())
		return
	}
	s.setLink(link)
}

func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.reg.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.reg.cfg.CallTimeout)
}

// Frame is one encoded capture.
type Frame struct {
	SessionID string
	Data      []byte
	Width     int
	Height    int
	Mode      Mode
	// Source names the method that produced the frame: helper, primary,
	// fallback or placeholder.
	Source string
}

// capture runs the strategy chain: helper, direct primary, direct
// fallback, placeholder. Only ctx cancellation makes it fail.
func (s *Session) capture(ctx context.Context) (Frame, error) {
	s.ensureHelper(ctx)
	r := s.reg
	logger := r.logger.With("session", s.ID)
	var failures []string

	if link := s.link.Load(); link != nil && link.Alive() {
		cctx, cancel := s.callCtx(ctx)
		resp, err := link.Call(cctx, wire.Simple(wire.VerbCapture))
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			failures = append(failures, "helper: "+err.Error())
		case resp.Kind != wire.KindImage:
			failures = append(failures, "helper: "+resp.Text)
		default:
			w, h, err := frame.Size(resp.Image)
			if err != nil {
				w, h = s.Width, s.Height
			}
			return Frame{SessionID: s.ID, Data: resp.Image, Width: w, Height: h, Mode: ModeHelper, Source: "helper"}, nil
		}
		logger.Debug("helper capture failed", "error", failures[len(failures)-1])
	}

	methods := []struct {
		name    string
		capture func() (*image.RGBA, error)
	}{
		{"primary", r.direct.CaptureScreen},
		{"fallback", r.direct.CaptureScreenFallback},
	}
	for _, m := range methods {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		img, err := m.capture()
		if err == nil {
			var data []byte
			if data, err = frame.Encode(img, s.Quality); err == nil {
				b := img.Bounds()
				return Frame{SessionID: s.ID, Data: data, Width: b.Dx(), Height: b.Dy(), Mode: s.Mode(), Source: m.name}, nil
			}
		}
		failures = append(failures, m.name+": "+err.Error())
	}

	logger.Warn("capture degraded to placeholder", "failures", strings.Join(failures, "; "))
	w, h := r.cfg.PlaceholderWidth, r.cfg.PlaceholderHeight
	msg := "Screen capture unavailable\n\n" + strings.Join(failures, "\n")
	data, err := frame.Encode(frame.Placeholder(w, h, msg), s.Quality)
	if err != nil {
		// Encoding a plain RGBA image does not fail in practice.
		return Frame{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	return Frame{SessionID: s.ID, Data: data, Width: w, Height: h, Mode: s.Mode(), Source: "placeholder"}, nil
}

// input routes ev through the helper when attached, else directly.
func (s *Session) input(ctx context.Context, ev InputEvent) error {
	s.ensureHelper(ctx)

	if link := s.link.Load(); link != nil && link.Alive() {
		cctx, cancel := s.callCtx(ctx)
		defer cancel()
		resp, err := link.Call(cctx, ev.Command())
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInputFailed, ev.Kind, err)
		}
		if resp.Kind != wire.KindAck {
			return fmt.Errorf("%w: %s: helper replied %q", ErrInputFailed, ev.Kind, resp.Text)
		}
		return nil
	}

	if err := ev.apply(s.reg.direct); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInputFailed, ev.Kind, err)
	}
	return nil
}

// dispose detaches and closes the helper link, if any.
func (s *Session) dispose(verb wire.Verb) {
	if link := s.link.Swap(nil); link != nil {
		link.Close(verb, s.reg.cfg.ExitGrace)
	}
}

// InputKind is a pointer or keyboard action.
type InputKind int

const (
	InputMouseMove InputKind = iota
	InputMouseClick
	InputMouseDown
	InputMouseUp
	InputKeyDown
	InputKeyUp
	InputKeyPress
)

var inputVerbs = [...]wire.Verb{
	InputMouseMove:  wire.VerbMouseMove,
	InputMouseClick: wire.VerbMouseClick,
	InputMouseDown:  wire.VerbMouseDown,
	InputMouseUp:    wire.VerbMouseUp,
	InputKeyDown:    wire.VerbKeyDown,
	InputKeyUp:      wire.VerbKeyUp,
	InputKeyPress:   wire.VerbKeyPress,
}

func (k InputKind) String() string {
	if k < 0 || int(k) >= len(inputVerbs) {
		return "input(" + strconv.Itoa(int(k)) + ")"
	}
	return strings.ToLower(string(inputVerbs[k]))
}

// InputEvent is one input action.
type InputEvent struct {
	Kind   InputKind
	X, Y   int
	Button native.MouseButton
	Key    uint16
}

// Command encodes the event for the helper.
func (ev InputEvent) Command() wire.Command {
	v := inputVerbs[ev.Kind]
	switch ev.Kind {
	case InputMouseMove:
		return wire.MouseMove(ev.X, ev.Y)
	case InputMouseClick, InputMouseDown, InputMouseUp:
		return wire.Mouse(v, ev.Button.String())
	default:
		return wire.Key(v, int(ev.Key))
	}
}

// apply performs the event with in-process injection.
func (ev InputEvent) apply(in native.InputInjector) error {
	switch ev.Kind {
	case InputMouseMove:
		return in.SetCursorPos(ev.X, ev.Y)
	case InputMouseDown:
		return in.MouseEvent(ev.Button, true)
	case InputMouseUp:
		return in.MouseEvent(ev.Button, false)
	case InputMouseClick:
		if err := in.MouseEvent(ev.Button, true); err != nil {
			return err
		}
		return in.MouseEvent(ev.Button, false)
	case InputKeyDown:
		return in.KeyEvent(ev.Key, true)
	case InputKeyUp:
		return in.KeyEvent(ev.Key, false)
	case InputKeyPress:
		if err := in.KeyEvent(ev.Key, true); err != nil {
			return err
		}
		return in.KeyEvent(ev.Key, false)
	default:
		return fmt.Errorf("unknown input kind %d", ev.Kind)
	}
}
