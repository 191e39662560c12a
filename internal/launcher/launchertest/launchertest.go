// Package launchertest provides in-memory stand-ins for the OS bridge and
// the channel transport, plus scripted helpers, for tests that launch a
// helper without a real session boundary.
package launchertest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/pipe"
	"github.com/xfeldman/deskagent/internal/wire"
)

// HelperBinary creates an empty file to stand in for the helper
// executable and returns its path.
func HelperBinary(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskagent-helper")
	if err := os.WriteFile(path, nil, 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// Transport is an in-memory pipe.Transport built on net.Pipe. It counts
// open listeners and connections so tests can assert nothing leaks.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	open      atomic.Int32
}

func NewTransport() *Transport {
	return &Transport{listeners: make(map[string]*listener)}
}

// Open is the number of listeners and connection ends not yet closed.
func (t *Transport) Open() int { return int(t.open.Load()) }

type listener struct {
	t        *Transport
	endpoint string
	mu       sync.Mutex
	ch       chan net.Conn
	closed   bool
	done     chan struct{}
}

func (t *Transport) Listen(endpoint string) (pipe.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[endpoint]; ok {
		return nil, fmt.Errorf("listen %s: address in use", endpoint)
	}
	l := &listener{t: t, endpoint: endpoint, ch: make(chan net.Conn, 1), done: make(chan struct{})}
	t.listeners[endpoint] = l
	t.open.Add(1)
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	t.mu.Lock()
	l, ok := t.listeners[endpoint]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: no listener", endpoint)
	}

	client, server := net.Pipe()
	cc, sc := t.track(client), t.track(server)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		cc.Close()
		sc.Close()
		return nil, fmt.Errorf("dial %s: listener closed", endpoint)
	}
	select {
	case l.ch <- sc:
		return cc, nil
	default:
		cc.Close()
		sc.Close()
		return nil, fmt.Errorf("dial %s: already connected", endpoint)
	}
}

func (l *listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		l.Close()
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	select {
	case c := <-l.ch:
		c.Close()
	default:
	}
	l.t.mu.Lock()
	delete(l.t.listeners, l.endpoint)
	l.t.mu.Unlock()
	l.t.open.Add(-1)
	return nil
}

func (l *listener) Endpoint() string { return l.endpoint }

type trackedConn struct {
	net.Conn
	once sync.Once
	t    *Transport
}

func (t *Transport) track(c net.Conn) net.Conn {
	t.open.Add(1)
	return &trackedConn{Conn: c, t: t}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.t.open.Add(-1) })
	return err
}

// Helper is the behaviour of a simulated helper process once it has
// connected both endpoints. It returns when the process should exit.
type Helper func(env []string, r *wire.Reader, w *wire.Writer)

// Native is an in-memory OS bridge. Launched processes run their Helper
// in a goroutine, dialling the Transport exactly as the real helper does.
type Native struct {
	Transport *Transport
	Helper    Helper
	// NoConnect makes launched processes never dial back.
	NoConnect bool

	Sessions []native.Session
	ListErr  error
	TokenErr error
	EnvErr   error
	SpawnErr error

	mu       sync.Mutex
	launches [][]string
	envs     [][]string
	procs    []*Process

	tokens atomic.Int32
}

// NewNative returns a bridge with one active session.
func NewNative(t *Transport, h Helper) *Native {
	return &Native{
		Transport: t,
		Helper:    h,
		Sessions:  []native.Session{{ID: 0, State: native.StateDisconnected}, {ID: 1, State: native.StateActive}},
	}
}

func (n *Native) ListSessions() ([]native.Session, error) {
	return n.Sessions, n.ListErr
}

type token struct {
	n    *Native
	once sync.Once
}

func (t *token) Close() error {
	t.once.Do(func() { t.n.tokens.Add(-1) })
	return nil
}

func (n *Native) UserToken(sessionID uint32) (native.Token, error) {
	if n.TokenErr != nil {
		return nil, n.TokenErr
	}
	n.tokens.Add(1)
	return &token{n: n}, nil
}

func (n *Native) EnvironmentBlock(native.Token) ([]string, error) {
	if n.EnvErr != nil {
		return nil, n.EnvErr
	}
	return []string{"USERNAME=tester"}, nil
}

func (n *Native) LaunchInSession(tok native.Token, env []string, path string, args []string, desktop string) (native.Process, error) {
	if n.SpawnErr != nil {
		return nil, n.SpawnErr
	}
	if len(args) != 1 {
		return nil, errors.New("helper takes exactly one argument")
	}

	n.mu.Lock()
	p := &Process{pid: 1000 + len(n.procs), done: make(chan struct{})}
	n.procs = append(n.procs, p)
	n.launches = append(n.launches, args)
	n.envs = append(n.envs, env)
	n.mu.Unlock()

	go p.run(n, env, args[0])
	return p, nil
}

// OpenTokens is the number of tokens handed out and not closed.
func (n *Native) OpenTokens() int { return int(n.tokens.Load()) }

// Launches is the number of processes started.
func (n *Native) Launches() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.procs)
}

// Env returns the environment of the i'th launch.
func (n *Native) Env(i int) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.envs[i]
}

// Process returns the i'th launched process.
func (n *Native) Process(i int) *Process {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.procs[i]
}

// LiveProcesses counts processes that have not exited.
func (n *Native) LiveProcesses() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	live := 0
	for _, p := range n.procs {
		if !p.Exited() {
			live++
		}
	}
	return live
}

// UnreleasedProcesses counts process handles never released.
func (n *Native) UnreleasedProcesses() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, p := range n.procs {
		if !p.released.Load() {
			open++
		}
	}
	return open
}

// Process is a simulated helper process.
type Process struct {
	pid      int
	done     chan struct{}
	exitOnce sync.Once
	released atomic.Bool
	killed   atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func (p *Process) run(n *Native, env []string, name string) {
	defer p.exit()
	if n.NoConnect {
		<-p.done
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	out, err := n.Transport.Dial(ctx, pipe.OutEndpoint(name))
	if err != nil {
		return
	}
	p.hold(out)
	in, err := n.Transport.Dial(ctx, pipe.InEndpoint(name))
	if err != nil {
		return
	}
	p.hold(in)

	if n.Helper != nil {
		n.Helper(env, wire.NewReader(out), wire.NewWriter(in))
	}
}

func (p *Process) hold(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		c.Close()
	default:
		p.conns = append(p.conns, c)
	}
}

func (p *Process) exit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		close(p.done)
		for _, c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
	})
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

// Crash ends the process as if it died on its own.
func (p *Process) Crash() { p.exit() }

func (p *Process) Release() error {
	p.released.Store(true)
	return nil
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Killed reports whether the process was force-terminated.
func (p *Process) Killed() bool { return p.killed.Load() }

// Recorder collects the command lines a helper received.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *Recorder) add(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

// Lines returns a copy of what was received, in order.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Responsive answers PING with PONG, CAPTURE with frame, and every input
// command with ACK. It exits on EXIT or SHUTDOWN. rec may be nil.
func Responsive(frame []byte, rec *Recorder) Helper {
	return func(env []string, r *wire.Reader, w *wire.Writer) {
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}
			if rec != nil {
				rec.add(line)
			}
			cmd, err := wire.ParseCommand(line)
			if err != nil {
				w.WriteLine(wire.ErrorLine(err.Error()))
				continue
			}
			switch {
			case cmd.Verb == wire.VerbPing:
				w.WriteLine(wire.LinePong)
			case cmd.Verb == wire.VerbCapture:
				w.WriteLine(wire.ImageLine(frame))
			case cmd.Verb.IsInput():
				w.WriteLine(wire.LineAck)
			case cmd.Verb == wire.VerbExit, cmd.Verb == wire.VerbShutdown:
				return
			}
		}
	}
}

// Silent connects and reads but never answers.
func Silent() Helper {
	return func(env []string, r *wire.Reader, w *wire.Writer) {
		for {
			if _, err := r.ReadLine(); err != nil {
				return
			}
		}
	}
}

// Scripted answers each command with the next line from replies, or
// stays silent once they run out. Lines are written as-is, so EVENT lines
// and errors can be injected.
func Scripted(replies ...[]string) Helper {
	return func(env []string, r *wire.Reader, w *wire.Writer) {
		for i := 0; ; i++ {
			if _, err := r.ReadLine(); err != nil {
				return
			}
			if i < len(replies) {
				for _, line := range replies[i] {
					w.WriteLine(line)
				}
			}
		}
	}
}
