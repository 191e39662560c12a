package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/wire"
)

// ErrChannelClosed is returned by Call once the link is dead.
var ErrChannelClosed = errors.New("helper channel closed")

// Link is an established connection to a running helper.
//
// A single reader goroutine owns the inbound endpoint. EVENT lines go to
// the event callback; every other line answers the one outstanding Call.
// Calls are serialized, so at most one request is in flight.
type Link struct {
	name   string
	proc   native.Process
	out    net.Conn
	in     net.Conn
	w      *wire.Writer
	logger *slog.Logger

	onEvent func(kind, text string)
	replies chan string

	callMu sync.Mutex
	owed   int // replies still due to calls that gave up waiting

	// pending counts replies the helper still owes, whether or not their
	// caller is still waiting. Lines beyond it are dropped.
	pendingMu sync.Mutex
	pending   int

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error

	closing    atomic.Bool
	closed     chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
}

func newLink(name string, proc native.Process, out, in net.Conn, onEvent func(kind, text string), logger *slog.Logger) *Link {
	l := &Link{
		name:       name,
		proc:       proc,
		out:        out,
		in:         in,
		w:          wire.NewWriter(out),
		logger:     logger,
		onEvent:    onEvent,
		replies:    make(chan string, 8),
		dead:       make(chan struct{}),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Name is the channel name the helper was started with.
func (l *Link) Name() string { return l.name }

// Pid is the helper's process id.
func (l *Link) Pid() int { return l.proc.Pid() }

// Dead is closed when the link can no longer carry requests.
func (l *Link) Dead() <-chan struct{} { return l.dead }

// Alive reports whether the link still carries requests.
func (l *Link) Alive() bool {
	select {
	case <-l.dead:
		return false
	default:
		return true
	}
}

// Err is the reason the link died, or nil while alive.
func (l *Link) Err() error {
	select {
	case <-l.dead:
		return l.deadErr
	default:
		return nil
	}
}

func (l *Link) markDead(err error) {
	l.deadOnce.Do(func() {
		l.deadErr = err
		close(l.dead)
	})
}

func (l *Link) readLoop() {
	defer close(l.readerDone)
	r := wire.NewReader(l.in)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !l.closing.Load() {
				l.logger.Debug("helper channel read ended", "error", err)
			}
			l.markDead(fmt.Errorf("%w: %v", ErrChannelClosed, err))
			return
		}

		if wire.IsEvent(line) {
			if l.onEvent != nil {
				ev := wire.ParseResponse(line)
				l.onEvent(ev.Event, ev.Text)
			}
			continue
		}

		if !l.expect(-1) {
			l.logger.Warn("dropping unsolicited helper line", "line", truncate(line, 80))
			continue
		}
		select {
		case l.replies <- line:
		default:
			l.logger.Warn("dropping unsolicited helper line", "line", truncate(line, 80))
		}
	}
}

// expect adjusts the count of owed replies. Taking one back fails when
// none is owed.
func (l *Link) expect(delta int) bool {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if l.pending+delta < 0 {
		return false
	}
	l.pending += delta
	return true
}

// Call sends cmd and waits for its reply. If ctx ends first the reply is
// still owed and is discarded when it arrives, keeping later calls
// aligned with their own replies.
func (l *Link) Call(ctx context.Context, cmd wire.Command) (wire.Response, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	if !l.Alive() {
		return wire.Response{}, l.deadErr
	}

	// Counted before the write so a fast reply is not taken as stray.
	l.expect(1)
	if err := l.send(ctx, cmd.String()); err != nil {
		l.expect(-1)
		if ctx.Err() != nil {
			return wire.Response{}, ctx.Err()
		}
		l.markDead(fmt.Errorf("%w: %v", ErrChannelClosed, err))
		return wire.Response{}, l.deadErr
	}

	for {
		select {
		case line := <-l.replies:
			if l.owed > 0 {
				l.owed--
				continue
			}
			return wire.ParseResponse(line), nil
		case <-ctx.Done():
			l.owed++
			return wire.Response{}, ctx.Err()
		case <-l.dead:
			return wire.Response{}, l.deadErr
		}
	}
}

// send writes one line, abandoning the write when ctx ends.
func (l *Link) send(ctx context.Context, line string) error {
	stop := context.AfterFunc(ctx, func() {
		l.out.SetWriteDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			l.out.SetWriteDeadline(time.Time{})
		}
	}()
	return l.w.WriteLine(line)
}

// watch marks the link dead when the helper process exits and reports
// unrequested exits through onExit.
func (l *Link) watch(onExit func(pid int)) {
	go func() {
		select {
		case <-l.proc.Done():
		case <-l.closed:
			return
		}
		if l.closing.Load() {
			return
		}
		pid := l.proc.Pid()
		l.logger.Warn("helper exited")
		l.markDead(fmt.Errorf("%w: helper process %d exited", ErrChannelClosed, pid))
		l.out.Close()
		l.in.Close()
		if onExit != nil {
			onExit(pid)
		}
	}()
}

// Close asks the helper to leave with verb (EXIT or SHUTDOWN), waits up
// to grace for it, then kills it. Handles are released whatever happens.
func (l *Link) Close(verb wire.Verb, grace time.Duration) {
	l.teardown(verb, grace)
}

func (l *Link) teardown(verb wire.Verb, grace time.Duration) {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		defer close(l.closed)

		if verb != "" && l.Alive() {
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			if err := l.send(ctx, string(verb)); err != nil {
				l.logger.Debug("helper goodbye not delivered", "verb", verb, "error", err)
			}
			cancel()
		}

		select {
		case <-l.proc.Done():
		case <-time.After(grace):
			if err := l.proc.Kill(); err != nil {
				l.logger.Debug("kill helper", "error", err)
			}
		}

		l.markDead(fmt.Errorf("%w: link closed", ErrChannelClosed))
		l.out.Close()
		l.in.Close()
		<-l.readerDone
		if err := l.proc.Release(); err != nil {
			l.logger.Debug("release helper handle", "error", err)
		}
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
