// Package helper is the session-side half of the remote desktop. It runs
// inside the interactive user session, answers the agent's line commands
// and does the capture and input work the agent cannot do from the
// service session.
//
// The helper connects outbound to the two channel endpoints the agent
// created, then serves one command at a time until told to exit or until
// the agent goes away.
package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/xfeldman/deskagent/internal/frame"
	"github.com/xfeldman/deskagent/internal/native"
	"github.com/xfeldman/deskagent/internal/pipe"
	"github.com/xfeldman/deskagent/internal/wire"
)

// QualityEnv carries the JPEG quality chosen when the session started.
const QualityEnv = "DESKAGENT_JPEG_QUALITY"

// Bridge is what the helper needs from the OS.
type Bridge interface {
	native.ScreenCapturer
	native.InputInjector
}

// Server answers agent commands over one channel.
type Server struct {
	bridge  Bridge
	quality int
	logger  *slog.Logger
}

func NewServer(b Bridge, quality int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bridge: b, quality: frame.Clamp(quality), logger: logger}
}

// QualityFromEnv reads QualityEnv, falling back to the default quality
// when unset or unparseable.
func QualityFromEnv() int {
	q, err := strconv.Atoi(os.Getenv(QualityEnv))
	if err != nil {
		return frame.DefaultQuality
	}
	return frame.Clamp(q)
}

// Serve reads commands from r and writes answers to w. It returns nil
// when the agent sends EXIT or SHUTDOWN or closes its end, and ctx.Err()
// if ctx ends first. Every non-event answer corresponds to exactly one
// command, in order.
func (s *Server) Serve(ctx context.Context, r *wire.Reader, w *wire.Writer) error {
	if err := w.WriteLine(wire.EventLine("log", "ready")); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("agent closed the channel")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read command: %w", err)
		}

		cmd, err := wire.ParseCommand(line)
		if err != nil {
			s.logger.Warn("bad command", "line", truncate(line), "error", err)
			if err := w.WriteLine(wire.ErrorLine(err.Error())); err != nil {
				return fmt.Errorf("write answer: %w", err)
			}
			continue
		}

		switch cmd.Verb {
		case wire.VerbExit, wire.VerbShutdown:
			s.logger.Info("exit requested", "verb", string(cmd.Verb))
			return nil
		}

		if err := w.WriteLine(s.answer(cmd)); err != nil {
			return fmt.Errorf("write answer: %w", err)
		}
	}
}

func (s *Server) answer(cmd wire.Command) string {
	switch {
	case cmd.Verb == wire.VerbPing:
		return wire.LinePong
	case cmd.Verb == wire.VerbCapture:
		data, err := s.capture()
		if err != nil {
			s.logger.Warn("capture failed", "error", err)
			return wire.ErrorLine("capture failed: " + err.Error())
		}
		return wire.ImageLine(data)
	case cmd.Verb.IsInput():
		if err := s.inject(cmd); err != nil {
			s.logger.Warn("input failed", "command", cmd.String(), "error", err)
			return wire.ErrorLine(fmt.Sprintf("%s failed: %v", cmd.Verb, err))
		}
		return wire.LineAck
	default:
		return wire.ErrorLine("unsupported command " + string(cmd.Verb))
	}
}

func (s *Server) capture() ([]byte, error) {
	start := time.Now()
	img, err := s.bridge.CaptureScreen()
	if err != nil {
		var ferr error
		img, ferr = s.bridge.CaptureScreenFallback()
		if ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		s.logger.Debug("primary capture failed, used fallback", "error", err)
	}
	data, err := frame.Encode(img, s.quality)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("captured", "bytes", len(data), "took", time.Since(start))
	return data, nil
}

func (s *Server) inject(cmd wire.Command) error {
	in := s.bridge
	switch cmd.Verb {
	case wire.VerbMouseMove:
		return in.SetCursorPos(cmd.X, cmd.Y)
	case wire.VerbMouseClick, wire.VerbMouseDown, wire.VerbMouseUp:
		b, err := native.ParseButton(cmd.Button)
		if err != nil {
			return err
		}
		if cmd.Verb == wire.VerbMouseUp {
			return in.MouseEvent(b, false)
		}
		if err := in.MouseEvent(b, true); err != nil {
			return err
		}
		if cmd.Verb == wire.VerbMouseClick {
			return in.MouseEvent(b, false)
		}
		return nil
	default:
		if cmd.Key < 1 || cmd.Key > 0xFE {
			return fmt.Errorf("key code %d out of range", cmd.Key)
		}
		code := uint16(cmd.Key)
		if cmd.Verb == wire.VerbKeyUp {
			return in.KeyEvent(code, false)
		}
		if err := in.KeyEvent(code, true); err != nil {
			return err
		}
		if cmd.Verb == wire.VerbKeyPress {
			return in.KeyEvent(code, false)
		}
		return nil
	}
}

// Connect dials both endpoints of the named channel, retrying until the
// agent's listeners are up or ctx ends.
func Connect(ctx context.Context, t pipe.Transport, name string, logger *slog.Logger) (r *wire.Reader, w *wire.Writer, closeFn func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	out, err := dial(ctx, t, pipe.OutEndpoint(name), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	in, err := dial(ctx, t, pipe.InEndpoint(name), logger)
	if err != nil {
		out.Close()
		return nil, nil, nil, err
	}
	closeFn = func() {
		out.Close()
		in.Close()
	}
	return wire.NewReader(out), wire.NewWriter(in), closeFn, nil
}

func dial(ctx context.Context, t pipe.Transport, endpoint string, logger *slog.Logger) (io.ReadWriteCloser, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := t.Dial(dctx, endpoint)
		cancel()
		if err == nil {
			logger.Debug("connected", "endpoint", endpoint, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		logger.Debug("connect attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w (last error: %v)", endpoint, ctx.Err(), lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
