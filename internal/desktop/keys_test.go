package desktop

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw     string
		want    uint16
		wantErr bool
	}{
		{`13`, 0x0D, false},
		{`"13"`, 0x0D, false},
		{`"a"`, 'A', false},
		{`"Z"`, 'Z', false},
		{`" "`, 0x20, false},
		{`"Enter"`, 0x0D, false},
		{`"esc"`, 0x1B, false},
		{`"F5"`, 0x74, false},
		{`"f12"`, 0x7B, false},
		{`"pagedown"`, 0x22, false},
		{`0`, 0, true},
		{`300`, 0, true},
		{`"f25"`, 0, true},
		{`"hyper"`, 0, true},
		{`true`, 0, true},
		{`null`, 0, true},
		{``, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKey(json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKey(%s) err = %v", tt.raw, err)
			continue
		}
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("ParseKey(%s) err %v is not ErrInvalidPayload", tt.raw, err)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKey(%s) = %#x, want %#x", tt.raw, got, tt.want)
		}
	}
}

func TestInputEventCommand(t *testing.T) {
	tests := []struct {
		ev   InputEvent
		want string
	}{
		{InputEvent{Kind: InputMouseMove, X: 7, Y: 9}, "MOUSEMOVE:7,9"},
		{InputEvent{Kind: InputMouseClick}, "MOUSECLICK:left"},
		{InputEvent{Kind: InputKeyUp, Key: 65}, "KEYUP:65"},
	}
	for _, tt := range tests {
		if got := tt.ev.Command().String(); got != tt.want {
			t.Errorf("%v → %q, want %q", tt.ev.Kind, got, tt.want)
		}
	}
	if InputMouseDown.String() != "mousedown" {
		t.Errorf("String = %q", InputMouseDown.String())
	}
}
