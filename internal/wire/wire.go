// Package wire is the line protocol spoken between the agent and its
// session helper.
//
// Every frame is one UTF-8 line terminated by '\n'. The agent sends
// commands:
//
//	PING | CAPTURE | EXIT | SHUTDOWN
//	MOUSEMOVE:<x>,<y>
//	MOUSECLICK:<button> | MOUSEDOWN:<button> | MOUSEUP:<button>
//	KEYDOWN:<code> | KEYUP:<code> | KEYPRESS:<code>
//
// and the helper answers each one with exactly one of PONG, ACK,
// IMAGE:<base64> or a free-text error line. The helper may also emit
// EVENT:<kind>:<text> at any time; those are out-of-band and never answer
// a command.
//
// The codec only frames and serializes. Retrying, timeouts and deciding
// what a failure means belong to the caller.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb is a command name.
type Verb string

const (
	VerbPing       Verb = "PING"
	VerbCapture    Verb = "CAPTURE"
	VerbMouseMove  Verb = "MOUSEMOVE"
	VerbMouseClick Verb = "MOUSECLICK"
	VerbMouseDown  Verb = "MOUSEDOWN"
	VerbMouseUp    Verb = "MOUSEUP"
	VerbKeyDown    Verb = "KEYDOWN"
	VerbKeyUp      Verb = "KEYUP"
	VerbKeyPress   Verb = "KEYPRESS"
	VerbExit       Verb = "EXIT"
	VerbShutdown   Verb = "SHUTDOWN"
)

// ErrMalformed is returned for lines that are not a valid command.
var ErrMalformed = errors.New("malformed command")

// Command is one agent → helper request.
type Command struct {
	Verb   Verb
	X, Y   int    // MOUSEMOVE
	Button string // MOUSECLICK, MOUSEDOWN, MOUSEUP
	Key    int    // KEYDOWN, KEYUP, KEYPRESS
}

// Simple builds an argument-free command (PING, CAPTURE, EXIT, SHUTDOWN).
func Simple(v Verb) Command { return Command{Verb: v} }

// MouseMove builds MOUSEMOVE:<x>,<y>.
func MouseMove(x, y int) Command { return Command{Verb: VerbMouseMove, X: x, Y: y} }

// Mouse builds a button command.
func Mouse(v Verb, button string) Command { return Command{Verb: v, Button: button} }

// Key builds a key command.
func Key(v Verb, code int) Command { return Command{Verb: v, Key: code} }

// IsInput reports whether the verb is answered with ACK.
func (v Verb) IsInput() bool {
	switch v {
	case VerbMouseMove, VerbMouseClick, VerbMouseDown, VerbMouseUp,
		VerbKeyDown, VerbKeyUp, VerbKeyPress:
		return true
	}
	return false
}

// String encodes the command as a line without the terminator.
func (c Command) String() string {
	switch c.Verb {
	case VerbMouseMove:
		return fmt.Sprintf("%s:%d,%d", c.Verb, c.X, c.Y)
	case VerbMouseClick, VerbMouseDown, VerbMouseUp:
		return string(c.Verb) + ":" + c.Button
	case VerbKeyDown, VerbKeyUp, VerbKeyPress:
		return string(c.Verb) + ":" + strconv.Itoa(c.Key)
	default:
		return string(c.Verb)
	}
}

// ParseCommand decodes a command line.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, arg, hasArg := strings.Cut(line, ":")
	v := Verb(strings.ToUpper(name))

	switch v {
	case VerbPing, VerbCapture, VerbExit, VerbShutdown:
		if hasArg {
			return Command{}, fmt.Errorf("%w: %s takes no argument", ErrMalformed, v)
		}
		return Simple(v), nil
	case VerbMouseMove:
		xs, ys, ok := strings.Cut(arg, ",")
		if !ok {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		x, errX := strconv.Atoi(strings.TrimSpace(xs))
		y, errY := strconv.Atoi(strings.TrimSpace(ys))
		if errX != nil || errY != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		return MouseMove(x, y), nil
	case VerbMouseClick, VerbMouseDown, VerbMouseUp:
		if !hasArg || arg == "" {
			return Command{}, fmt.Errorf("%w: %s needs a button", ErrMalformed, v)
		}
		return Mouse(v, arg), nil
	case VerbKeyDown, VerbKeyUp, VerbKeyPress:
		code, err := strconv.Atoi(strings.TrimSpace(arg))
		if !hasArg || err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		return Key(v, code), nil
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrMalformed, name)
	}
}

// Kind classifies a helper → agent line.
type Kind int

const (
	KindError Kind = iota
	KindPong
	KindAck
	KindImage
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindPong:
		return "pong"
	case KindAck:
		return "ack"
	case KindImage:
		return "image"
	case KindEvent:
		return "event"
	default:
		return "error"
	}
}

// Response is one decoded helper line.
type Response struct {
	Kind  Kind
	Image []byte // KindImage
	Event string // KindEvent: the event kind, e.g. "chat"
	Text  string // KindEvent payload, or the KindError line
}

const (
	LinePong = "PONG"
	LineAck  = "ACK"

	prefixImage = "IMAGE:"
	prefixEvent = "EVENT:"
	prefixError = "ERROR: "
)

// ImageLine encodes a captured frame.
func ImageLine(data []byte) string {
	return prefixImage + base64.StdEncoding.EncodeToString(data)
}

// EventLine encodes an out-of-band message. Line breaks in text are
// flattened so the message stays one frame.
func EventLine(kind, text string) string {
	return prefixEvent + kind + ":" + flatten(text)
}

// ErrorLine encodes a failure answer.
func ErrorLine(msg string) string {
	return prefixError + flatten(msg)
}

// IsEvent reports whether line is out-of-band without decoding it.
func IsEvent(line string) bool {
	return strings.HasPrefix(line, prefixEvent)
}

// ParseResponse decodes a helper line. It never fails: anything that is
// not a recognised answer is a KindError carrying the line verbatim.
func ParseResponse(line string) Response {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == LinePong:
		return Response{Kind: KindPong}
	case line == LineAck:
		return Response{Kind: KindAck}
	case strings.HasPrefix(line, prefixImage):
		data, err := base64.StdEncoding.DecodeString(line[len(prefixImage):])
		if err != nil {
			return Response{Kind: KindError, Text: fmt.Sprintf("bad image payload: %v", err)}
		}
		return Response{Kind: KindImage, Image: data}
	case strings.HasPrefix(line, prefixEvent):
		kind, text, _ := strings.Cut(line[len(prefixEvent):], ":")
		return Response{Kind: KindEvent, Event: kind, Text: text}
	default:
		return Response{Kind: KindError, Text: strings.TrimPrefix(line, prefixError)}
	}
}

func flatten(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
