//go:build windows

package pipe

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"
)

// channelSDDL grants full access to SYSTEM and administrators and
// read/write to interactive and authenticated users.
const channelSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;IU)(A;;GRGW;;;AU)"

const pipePrefix = `\\.\pipe\`

// NewName returns a fresh channel name. dir is unused on Windows; pipe
// names live in the kernel namespace.
func NewName(dir string) string {
	return "deskagent-" + uuid.NewString()
}

type namedPipes struct{}

// Default returns the named-pipe transport.
func Default() Transport { return namedPipes{} }

func pipePath(endpoint string) string {
	if strings.HasPrefix(endpoint, pipePrefix) {
		return endpoint
	}
	return pipePrefix + endpoint
}

func (namedPipes) Listen(endpoint string) (Listener, error) {
	ln, err := winio.ListenPipe(pipePath(endpoint), &winio.PipeConfig{
		SecurityDescriptor: channelSDDL,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return &netListener{ln: ln, endpoint: endpoint}, nil
}

func (namedPipes) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, pipePath(endpoint))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}
