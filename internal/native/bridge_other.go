//go:build !windows

package native

import "image"

// unsupported is the bridge for platforms without a service/user session
// split. The agent already runs next to the user's display, so it reports
// itself interactive and the desktop falls through to its placeholder
// frame when capture is unavailable.
type unsupported struct{}

// New returns the bridge for this platform.
func New() Bridge {
	return unsupported{}
}

func (unsupported) Interactive() bool { return true }

func (unsupported) ListSessions() ([]Session, error) { return nil, ErrUnsupported }

func (unsupported) UserToken(uint32) (Token, error) { return nil, ErrUnsupported }

func (unsupported) EnvironmentBlock(Token) ([]string, error) { return nil, ErrUnsupported }

func (unsupported) LaunchInSession(Token, []string, string, []string, string) (Process, error) {
	return nil, ErrUnsupported
}

func (unsupported) Bounds() (image.Rectangle, error) { return image.Rectangle{}, ErrUnsupported }

func (unsupported) CaptureScreen() (*image.RGBA, error) { return nil, ErrUnsupported }

func (unsupported) CaptureScreenFallback() (*image.RGBA, error) { return nil, ErrUnsupported }

func (unsupported) SetCursorPos(int, int) error { return ErrUnsupported }

func (unsupported) MouseEvent(MouseButton, bool) error { return ErrUnsupported }

func (unsupported) KeyEvent(uint16, bool) error { return ErrUnsupported }
