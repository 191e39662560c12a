// Package launcher starts the desktop helper inside the interactive user
// session and hands back an established link to it.
//
// Launch walks a fixed sequence of states:
//
//	Idle → ResolvingSession → AcquiringToken → BuildingEnvironment →
//	CreatingChannels → SpawningProcess → AwaitingConnection →
//	Handshaking → Ready
//
// Any step can move to Failed. A failed launch releases everything it
// acquired (token, endpoints, process) before returning.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/pipe"
	"github.com/xfeldman/deskagent/internal/wire"
)

// State is a launch step.
type State int

const (
	StateIdle State = iota
	StateResolvingSession
	StateAcquiringToken
	StateBuildingEnvironment
	StateCreatingChannels
	StateSpawningProcess
	StateAwaitingConnection
	StateHandshaking
	StateReady
	StateFailed
)

var stateNames = [...]string{
	"idle",
	"resolving-session",
	"acquiring-token",
	"building-environment",
	"creating-channels",
	"spawning-process",
	"awaiting-connection",
	"handshaking",
	"ready",
	"failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var (
	ErrTokenAcquisition = errors.New("user token acquisition failed")
	ErrHelperNotFound   = errors.New("helper binary not found")
	ErrHandshakeTimeout = errors.New("helper handshake timed out")
	ErrBadHandshake     = errors.New("unexpected handshake reply")
	ErrHelperExited     = errors.New("helper exited before connecting")
)

// LaunchError records the state a launch failed in.
type LaunchError struct {
	State State
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch helper (%s): %v", e.State, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Native is the subset of the OS bridge the launcher needs.
type Native interface {
	native.SessionLister
	native.TokenSource
	native.ProcessLauncher
}

// Options configures one launch.
type Options struct {
	HelperPath string
	Desktop    string // window station and desktop, e.g. winsta0\default
	ChannelDir string // where channel endpoints live, if the transport uses files

	ConnectTimeout   time.Duration // both endpoints connected
	HandshakeTimeout time.Duration // PING answered

	// Env is appended to the user's environment block.
	Env []string

	// OnEvent receives EVENT lines from the helper.
	OnEvent func(kind, text string)
	// OnExit is called once if the helper process exits while the link
	// is up and nobody asked it to.
	OnExit func(pid int)
	// OnState observes every transition.
	OnState func(State)
}

// Launcher starts helpers. It is safe for concurrent use.
type Launcher struct {
	native    Native
	transport pipe.Transport
	logger    *slog.Logger
}

func New(n Native, t pipe.Transport, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{native: n, transport: t, logger: logger}
}

// attempt carries what a launch has acquired so far, for cleanup.
type attempt struct {
	opts   Options
	logger *slog.Logger
	state  State

	token     native.Token
	listeners []pipe.Listener
	conns     []net.Conn
	proc      native.Process
}

func (a *attempt) enter(s State) {
	a.state = s
	a.logger.Debug("helper launch", "state", s.String())
	if a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}

func (a *attempt) fail(err error) error {
	failed := a.state
	a.enter(StateFailed)
	a.release(true)
	return &LaunchError{State: failed, Err: err}
}

// release frees everything the attempt holds. On success only the token
// and listeners go; the link owns the connections and the process.
func (a *attempt) release(all bool) {
	if a.token != nil {
		a.token.Close()
		a.token = nil
	}
	for _, ln := range a.listeners {
		ln.Close()
	}
	a.listeners = nil
	if !all {
		return
	}
	for _, c := range a.conns {
		if c != nil {
			c.Close()
		}
	}
	a.conns = nil
	if a.proc != nil {
		a.proc.Kill()
		a.proc.Release()
		a.proc = nil
	}
}

// Launch runs the full sequence and returns a Ready link.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Link, error) {
	a := &attempt{opts: opts, logger: l.logger}
	a.enter(StateIdle)

	a.enter(StateResolvingSession)
	sess, err := native.ActiveSession(l.native)
	if err != nil {
		return nil, a.fail(err)
	}
	a.logger = a.logger.With("session", sess.ID)

	a.enter(StateAcquiringToken)
	a.token, err = l.native.UserToken(sess.ID)
	if err != nil {
		return nil, a.fail(fmt.Errorf("%w: %w", ErrTokenAcquisition, err))
	}

	a.enter(StateBuildingEnvironment)
	env, err := l.native.EnvironmentBlock(a.token)
	if err != nil {
		return nil, a.fail(fmt.Errorf("environment block: %w", err))
	}
	env = append(env, opts.Env...)

	a.enter(StateCreatingChannels)
	name := pipe.NewName(opts.ChannelDir)
	for _, ep := range []string{pipe.OutEndpoint(name), pipe.InEndpoint(name)} {
		ln, err := l.transport.Listen(ep)
		if err != nil {
			return nil, a.fail(err)
		}
		a.listeners = append(a.listeners, ln)
	}

	a.enter(StateSpawningProcess)
	if _, err := os.Stat(opts.HelperPath); err != nil {
		return nil, a.fail(fmt.Errorf("%w: %s", ErrHelperNotFound, opts.HelperPath))
	}
	a.proc, err = l.native.LaunchInSession(a.token, env, opts.HelperPath, []string{name}, opts.Desktop)
	if err != nil {
		return nil, a.fail(fmt.Errorf("spawn %s: %w", opts.HelperPath, err))
	}
	a.logger = a.logger.With("pid", a.proc.Pid())

	a.enter(StateAwaitingConnection)
	out, in, err := l.accept(ctx, a, opts.ConnectTimeout)
	if err != nil {
		return nil, a.fail(err)
	}

	a.enter(StateHandshaking)
	link := newLink(name, a.proc, out, in, opts.OnEvent, a.logger)
	if err := handshake(ctx, link, opts.HandshakeTimeout); err != nil {
		// The link owns the handles now; tear it down without a goodbye.
		link.teardown("", 0)
		a.proc, a.conns = nil, nil
		return nil, a.fail(err)
	}

	a.release(false)
	a.enter(StateReady)
	link.watch(opts.OnExit)
	a.logger.Info("helper ready", "channel", name)
	return link, nil
}

// accept waits for the helper to connect both endpoints. The wait ends
// early if the helper process exits.
func (l *Launcher) accept(ctx context.Context, a *attempt, timeout time.Duration) (out, in net.Conn, err error) {
	pctx, pcancel := context.WithCancelCause(ctx)
	defer pcancel(nil)
	actx, cancel := context.WithTimeoutCause(pctx, timeout, ErrHandshakeTimeout)
	defer cancel()

	// Bound now: Launch clears a.proc on failure while this may still run.
	exited := a.proc.Done()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-exited:
			pcancel(ErrHelperExited)
		case <-stop:
		}
	}()

	conns := make([]net.Conn, 2)
	g, gctx := errgroup.WithContext(actx)
	for i, ln := range a.listeners {
		g.Go(func() error {
			c, err := ln.Accept(gctx)
			conns[i] = c
			return err
		})
	}
	err = g.Wait()
	a.conns = conns
	if err != nil {
		if actx.Err() != nil {
			return nil, nil, context.Cause(actx)
		}
		return nil, nil, fmt.Errorf("accept helper connection: %w", err)
	}
	return conns[0], conns[1], nil
}

func handshake(ctx context.Context, link *Link, timeout time.Duration) error {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := link.Call(hctx, wire.Simple(wire.VerbPing))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrHandshakeTimeout
		}
		return err
	}
	if resp.Kind != wire.KindPong {
		return fmt.Errorf("%w: %s %q", ErrBadHandshake, resp.Kind, resp.Text)
	}
	return nil
}
