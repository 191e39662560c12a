package desktop

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"testing"

	"github.com/xfeldman/deskagent/internal/command"
	"github.com/xfeldman/deskagent/internal/launcher"
	"github.com/xfeldman/deskagent/internal/native"
)

func run(t *testing.T, m *Module, action, id, payload string) command.Result {
	t.Helper()
	cmd := command.Command{Action: action, SessionID: id}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	return m.Handle(context.Background(), cmd)
}

func TestModuleStartAndFrame(t *testing.T) {
	reg, _ := directRegistry(t)
	m := NewModule(reg)

	res := run(t, m, "start", "s1", `{"quality": 5}`)
	if !res.Success {
		t.Fatalf("start failed: %+v", res)
	}
	start := res.Payload.(StartResponse)
	if !start.Started || start.Quality != 10 || start.Width != 1920 || start.SessionID != "s1" {
		t.Errorf("start = %+v", start)
	}

	res = run(t, m, "start", "S1", "")
	if res.Success || res.Reason != "SessionAlreadyExists" {
		t.Errorf("duplicate start = %+v", res)
	}

	res = run(t, m, "frame", "s1", "")
	if !res.Success {
		t.Fatalf("frame failed: %+v", res)
	}
	fr := res.Payload.(FrameResponse)
	data, err := base64.StdEncoding.DecodeString(fr.FrameBase64)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Size != len(data) {
		t.Errorf("size = %d, len = %d", fr.Size, len(data))
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("frame not decodable: %v", err)
	}
}

func TestModuleStartDefaultQuality(t *testing.T) {
	reg, _ := directRegistry(t)
	res := run(t, NewModule(reg), "start", "s", "")
	if got := res.Payload.(StartResponse).Quality; got != 75 {
		t.Errorf("quality = %d, want default 75", got)
	}
}

func TestModuleStopIsIdempotent(t *testing.T) {
	reg, _ := directRegistry(t)
	m := NewModule(reg)
	run(t, m, "start", "s", "")

	res := run(t, m, "stop", "s", "")
	if !res.Success || !res.Payload.(StopResponse).Found {
		t.Errorf("stop = %+v", res)
	}
	res = run(t, m, "stop", "s", "")
	if !res.Success {
		t.Fatalf("second stop failed: %+v", res)
	}
	if p := res.Payload.(StopResponse); !p.Stopped || p.Found {
		t.Errorf("second stop payload = %+v", p)
	}
}

func TestModuleFrameUnknown(t *testing.T) {
	reg, _ := directRegistry(t)
	res := run(t, NewModule(reg), "frame", "ghost", "")
	if res.Success || res.Reason != "SessionNotFound" {
		t.Errorf("result = %+v", res)
	}
}

func TestModuleInput(t *testing.T) {
	reg, d := directRegistry(t)
	m := NewModule(reg)
	run(t, m, "start", "s", "")

	res := run(t, m, "mousemove", "s", `{"x": 3, "y": 4}`)
	if p := res.Payload.(MouseMoveResponse); !res.Success || !p.Ack || p.X != 3 || p.Y != 4 {
		t.Errorf("mousemove = %+v", res)
	}

	res = run(t, m, "mousedown", "s", `{"button": "Middle"}`)
	if p := res.Payload.(ButtonResponse); !p.Ack || p.Button != "middle" {
		t.Errorf("mousedown = %+v", res)
	}

	res = run(t, m, "keypress", "s", `{"key": "enter"}`)
	if p := res.Payload.(KeyResponse); !p.Ack || p.Key != 0x0D {
		t.Errorf("keypress = %+v", res)
	}

	res = run(t, m, "keyup", "s", `{"key": 65}`)
	if p := res.Payload.(KeyResponse); !p.Ack || p.Key != 65 {
		t.Errorf("keyup = %+v", res)
	}

	if n := len(d.recorded()); n != 5 {
		t.Errorf("recorded %d native inputs, want 5", n)
	}
}

func TestModuleInputUnknownSession(t *testing.T) {
	reg, _ := directRegistry(t)
	res := run(t, NewModule(reg), "mouseclick", "ghost", `{"button": "left"}`)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Payload.(ButtonResponse).Ack {
		t.Error("ack = true for unknown session")
	}
}

func TestModuleInvalidPayloads(t *testing.T) {
	reg, _ := directRegistry(t)
	m := NewModule(reg)
	run(t, m, "start", "s", "")

	tests := []struct{ action, payload string }{
		{"start", `{"quality": "high"}`},
		{"mousemove", `{"x": 1}`},
		{"mousemove", `not json`},
		{"mouseclick", `{"button": "fourth"}`},
		{"keydown", `{}`},
		{"keydown", `{"key": "hyper"}`},
		{"keydown", `{"key": 4096}`},
	}
	for _, tt := range tests {
		res := run(t, m, tt.action, "s", tt.payload)
		if res.Success || res.Reason != "InvalidPayload" {
			t.Errorf("%s %s = %+v", tt.action, tt.payload, res)
		}
	}
}

func TestModuleViaRouter(t *testing.T) {
	reg, _ := directRegistry(t)
	r := command.NewRouter(nil)
	r.Register(NewModule(reg))

	res := r.Dispatch(context.Background(), command.Command{Action: "START", SessionID: "s"})
	if !res.Success {
		t.Fatalf("START = %+v", res)
	}
	res = r.Dispatch(context.Background(), command.Command{Action: "chat", SessionID: "s"})
	if res.Reason != "UnknownAction" {
		t.Errorf("chat = %+v", res)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrSessionExists), "SessionAlreadyExists"},
		{&launcher.LaunchError{State: launcher.StateResolvingSession, Err: native.ErrNoActiveSession}, "NoActiveInteractiveSession"},
		{&launcher.LaunchError{State: launcher.StateAcquiringToken, Err: launcher.ErrTokenAcquisition}, "TokenAcquisitionFailed"},
		{&launcher.LaunchError{State: launcher.StateSpawningProcess, Err: launcher.ErrHelperNotFound}, "HelperNotFound"},
		{&launcher.LaunchError{State: launcher.StateHandshaking, Err: launcher.ErrHandshakeTimeout}, "HandshakeTimeout"},
		{&launcher.LaunchError{State: launcher.StateHandshaking, Err: launcher.ErrBadHandshake}, "LaunchFailed"},
		{fmt.Errorf("%w: keydown: %w", ErrInputFailed, launcher.ErrChannelClosed), "ChannelClosed"},
		{fmt.Errorf("%w: keydown: denied", ErrInputFailed), "InputFailed"},
		{ErrCaptureFailed, "CaptureFailed"},
		{context.DeadlineExceeded, "Timeout"},
		{errors.New("boom"), "InternalError"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
