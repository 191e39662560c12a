//go:build !windows

package pipe

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// NewName returns a fresh channel name under dir. The uuid is truncated
// to keep socket paths below the sun_path limit.
func NewName(dir string) string {
	return filepath.Join(dir, "dk-"+uuid.NewString()[:8])
}

type unixSockets struct{}

// Default returns the unix-socket transport.
func Default() Transport { return unixSockets{} }

func (unixSockets) Listen(endpoint string) (Listener, error) {
	path := endpoint + ".sock"
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	// The helper may run as another local user.
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return &netListener{ln: ln, endpoint: endpoint}, nil
}

func (unixSockets) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint+".sock")
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
