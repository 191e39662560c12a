// Package pipe provides the named local byte-stream endpoints the agent
// and its helper talk over.
//
// A channel name identifies one duplex link made of two unidirectional
// endpoints: OutEndpoint carries agent → helper commands, InEndpoint
// carries helper → agent responses and events. The agent listens on both;
// the helper dials both.
//
// On Windows the endpoints are named pipes whose security descriptor lets
// any interactive or authenticated local user connect, since the helper
// runs under the user's token rather than the service's. Elsewhere they
// are unix domain sockets.
package pipe

import (
	"context"
	"net"
)

// Listener accepts a single peer on an endpoint.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done. On ctx
	// expiry the listener is closed.
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Endpoint() string
}

// Transport creates and connects endpoints.
type Transport interface {
	Listen(endpoint string) (Listener, error)
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
}

// OutEndpoint is the agent → helper endpoint for a channel name.
func OutEndpoint(name string) string { return name + "-out" }

// InEndpoint is the helper → agent endpoint for a channel name.
func InEndpoint(name string) string { return name + "-in" }

// netListener adapts a net.Listener to context-aware Accept.
type netListener struct {
	ln       net.Listener
	endpoint string
}

func (l *netListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		l.ln.Close()
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (l *netListener) Close() error     { return l.ln.Close() }
func (l *netListener) Endpoint() string { return l.endpoint }
