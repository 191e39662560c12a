//go:build windows

package native

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Bridge over the terminal-services, security and process APIs.
type winBridge struct{}

// New returns the Windows bridge.
func New() Bridge {
	return winBridge{}
}

// Interactive is false in session 0, where services run without a desktop
// that belongs to any user.
func (winBridge) Interactive() bool {
	var sid uint32
	if err := windows.ProcessIdToSessionId(windows.GetCurrentProcessId(), &sid); err != nil {
		return false
	}
	return sid != 0
}

func (winBridge) ListSessions() ([]Session, error) {
	var (
		info  *windows.WTS_SESSION_INFO
		count uint32
	)
	if err := windows.WTSEnumerateSessions(0, 0, 1, &info, &count); err != nil {
		return nil, fmt.Errorf("WTSEnumerateSessions: %w", err)
	}
	defer windows.WTSFreeMemory(uintptr(unsafe.Pointer(info)))

	entries := unsafe.Slice(info, count)
	out := make([]Session, 0, count)
	for _, e := range entries {
		out = append(out, Session{
			ID:      e.SessionID,
			State:   SessionState(e.State),
			Station: windows.UTF16PtrToString(e.WindowStationName),
		})
	}
	return out, nil
}

type winToken struct {
	t windows.Token
}

func (w *winToken) Close() error {
	return w.t.Close()
}

// UserToken needs SeTcbPrivilege, which LocalSystem holds.
func (winBridge) UserToken(sessionID uint32) (Token, error) {
	var t windows.Token
	if err := windows.WTSQueryUserToken(sessionID, &t); err != nil {
		return nil, fmt.Errorf("WTSQueryUserToken(session %d): %w", sessionID, err)
	}
	return &winToken{t: t}, nil
}

func (winBridge) EnvironmentBlock(tok Token) ([]string, error) {
	wt, ok := tok.(*winToken)
	if !ok {
		return nil, errors.New("foreign token type")
	}
	env, err := wt.t.Environ(false)
	if err != nil {
		return nil, fmt.Errorf("CreateEnvironmentBlock: %w", err)
	}
	return env, nil
}

func (winBridge) LaunchInSession(tok Token, env []string, path string, args []string, desktop string) (Process, error) {
	wt, ok := tok.(*winToken)
	if !ok {
		return nil, errors.New("foreign token type")
	}

	cmdline, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{path}, args...)))
	if err != nil {
		return nil, fmt.Errorf("command line: %w", err)
	}
	app, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("application path: %w", err)
	}
	desk, err := windows.UTF16PtrFromString(desktop)
	if err != nil {
		return nil, fmt.Errorf("desktop name: %w", err)
	}

	si := windows.StartupInfo{
		Desktop:    desk,
		Flags:      windows.STARTF_USESHOWWINDOW,
		ShowWindow: windows.SW_HIDE,
	}
	si.Cb = uint32(unsafe.Sizeof(si))

	var pi windows.ProcessInformation
	flags := uint32(windows.CREATE_UNICODE_ENVIRONMENT | windows.CREATE_NO_WINDOW)
	if err := windows.CreateProcessAsUser(wt.t, app, cmdline, nil, nil, false, flags, envBlock(env), nil, &si, &pi); err != nil {
		return nil, fmt.Errorf("CreateProcessAsUser: %w", err)
	}
	windows.CloseHandle(pi.Thread)

	return newWinProcess(pi.Process, int(pi.ProcessId)), nil
}

// envBlock encodes env as a double-NUL terminated UTF-16 block.
func envBlock(env []string) *uint16 {
	var b []uint16
	for _, kv := range env {
		b = append(b, utf16.Encode([]rune(kv))...)
		b = append(b, 0)
	}
	if len(b) == 0 {
		b = append(b, 0)
	}
	b = append(b, 0)
	return &b[0]
}

// winProcess owns a process handle. A single goroutine waits on it; the
// handle is closed once the process has exited and Release was called,
// whichever happens last.
type winProcess struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	handle   windows.Handle
	exited   bool
	released bool
}

func newWinProcess(h windows.Handle, pid int) *winProcess {
	p := &winProcess{pid: pid, handle: h, done: make(chan struct{})}
	go p.wait()
	return p
}

func (p *winProcess) wait() {
	windows.WaitForSingleObject(p.handle, windows.INFINITE)
	p.mu.Lock()
	p.exited = true
	if p.released {
		windows.CloseHandle(p.handle)
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *winProcess) Pid() int              { return p.pid }
func (p *winProcess) Done() <-chan struct{} { return p.done }

func (p *winProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	if err := windows.TerminateProcess(p.handle, 1); err != nil {
		return fmt.Errorf("TerminateProcess(%d): %w", p.pid, err)
	}
	return nil
}

func (p *winProcess) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	if p.exited {
		return windows.CloseHandle(p.handle)
	}
	return nil
}
