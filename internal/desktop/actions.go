package desktop

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/xfeldman/deskagent/internal/command"
	"github.com/xfeldman/deskagent/internal/native"
)

// Module exposes the registry as command actions.
type Module struct {
	reg            *Registry
	defaultQuality int
}

func NewModule(reg *Registry) *Module {
	q := reg.cfg.DefaultQuality
	if q == 0 {
		q = DefaultConfig().DefaultQuality
	}
	return &Module{reg: reg, defaultQuality: q}
}

func (m *Module) Actions() []string {
	return []string{
		"start", "stop", "frame",
		"mousemove", "mouseclick", "mousedown", "mouseup",
		"keydown", "keyup", "keypress",
	}
}

type StartResponse struct {
	SessionID string `json:"sessionId"`
	Started   bool   `json:"started"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Quality   int    `json:"quality"`
	Mode      string `json:"mode"`
}

// StopResponse reports stopped for unknown sessions too; Found tells
// the two apart.
type StopResponse struct {
	SessionID string `json:"sessionId"`
	Stopped   bool   `json:"stopped"`
	Found     bool   `json:"found"`
}

type FrameResponse struct {
	SessionID   string `json:"sessionId"`
	FrameBase64 string `json:"frameBase64"`
	Size        int    `json:"size"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Source      string `json:"source"`
}

type MouseMoveResponse struct {
	X   int  `json:"x"`
	Y   int  `json:"y"`
	Ack bool `json:"ack"`
}

type ButtonResponse struct {
	Ack    bool   `json:"ack"`
	Button string `json:"button"`
}

type KeyResponse struct {
	Ack bool `json:"ack"`
	Key int  `json:"key"`
}

var buttonKinds = map[string]InputKind{
	"mouseclick": InputMouseClick,
	"mousedown":  InputMouseDown,
	"mouseup":    InputMouseUp,
}

var keyKinds = map[string]InputKind{
	"keydown":  InputKeyDown,
	"keyup":    InputKeyUp,
	"keypress": InputKeyPress,
}

func (m *Module) Handle(ctx context.Context, cmd command.Command) command.Result {
	payload, err := m.handle(ctx, cmd)
	if err != nil {
		return command.Fail(cmd, Reason(err), err)
	}
	return command.OK(cmd, payload)
}

func (m *Module) handle(ctx context.Context, cmd command.Command) (any, error) {
	id := cmd.SessionID
	switch cmd.Action {
	case "start":
		var p struct {
			Quality *int `json:"quality"`
		}
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		q := m.defaultQuality
		if p.Quality != nil {
			q = *p.Quality
		}
		res, err := m.reg.Start(ctx, id, q)
		if err != nil {
			return nil, err
		}
		return StartResponse{SessionID: res.SessionID, Started: true, Width: res.Width, Height: res.Height, Quality: res.Quality, Mode: res.Mode.String()}, nil

	case "stop":
		found, err := m.reg.Stop(ctx, id)
		if err != nil {
			return nil, err
		}
		return StopResponse{SessionID: id, Stopped: true, Found: found}, nil

	case "frame":
		f, err := m.reg.Capture(ctx, id)
		if err != nil {
			return nil, err
		}
		return FrameResponse{
			SessionID:   f.SessionID,
			FrameBase64: base64.StdEncoding.EncodeToString(f.Data),
			Size:        len(f.Data),
			Width:       f.Width,
			Height:      f.Height,
			Source:      f.Source,
		}, nil

	case "mousemove":
		var p struct {
			X *int `json:"x"`
			Y *int `json:"y"`
		}
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		if p.X == nil || p.Y == nil {
			return nil, fmt.Errorf("%w: x and y are required", ErrInvalidPayload)
		}
		ack, err := m.reg.SendInput(ctx, id, InputEvent{Kind: InputMouseMove, X: *p.X, Y: *p.Y})
		if err != nil {
			return nil, err
		}
		return MouseMoveResponse{X: *p.X, Y: *p.Y, Ack: ack}, nil

	case "mouseclick", "mousedown", "mouseup":
		var p struct {
			Button string `json:"button"`
		}
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		button, err := native.ParseButton(p.Button)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		ack, err := m.reg.SendInput(ctx, id, InputEvent{Kind: buttonKinds[cmd.Action], Button: button})
		if err != nil {
			return nil, err
		}
		return ButtonResponse{Ack: ack, Button: button.String()}, nil

	case "keydown", "keyup", "keypress":
		var p struct {
			Key json.RawMessage `json:"key"`
		}
		if err := decode(cmd.Payload, &p); err != nil {
			return nil, err
		}
		code, err := ParseKey(p.Key)
		if err != nil {
			return nil, err
		}
		ack, err := m.reg.SendInput(ctx, id, InputEvent{Kind: keyKinds[cmd.Action], Key: code})
		if err != nil {
			return nil, err
		}
		return KeyResponse{Ack: ack, Key: int(code)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

// decode tolerates an absent payload.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
