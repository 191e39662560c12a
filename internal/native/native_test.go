package native

import (
	"errors"
	"testing"
)

type staticLister struct {
	sessions []Session
	err      error
}

func (s staticLister) ListSessions() ([]Session, error) { return s.sessions, s.err }

func TestActiveSession(t *testing.T) {
	l := staticLister{sessions: []Session{
		{ID: 0, State: StateDisconnected, Station: "Services"},
		{ID: 1, State: StateConnected, Station: "Console"},
		{ID: 3, State: StateActive, Station: "RDP-Tcp#0"},
		{ID: 4, State: StateActive, Station: "RDP-Tcp#1"},
	}}
	s, err := ActiveSession(l)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if s.ID != 3 {
		t.Errorf("session = %d, want first active (3)", s.ID)
	}
}

func TestActiveSession_NoneActive(t *testing.T) {
	l := staticLister{sessions: []Session{{ID: 0, State: StateDisconnected}}}
	if _, err := ActiveSession(l); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestActiveSession_EnumerationFailure(t *testing.T) {
	boom := errors.New("access denied")
	_, err := ActiveSession(staticLister{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped enumeration error", err)
	}
	if errors.Is(err, ErrNoActiveSession) {
		t.Fatal("enumeration failure must not read as no active session")
	}
}

func TestParseButton(t *testing.T) {
	tests := []struct {
		in      string
		want    MouseButton
		wantErr bool
	}{
		{"", ButtonLeft, false},
		{"left", ButtonLeft, false},
		{"Right", ButtonRight, false},
		{" middle ", ButtonMiddle, false},
		{"x1", ButtonLeft, true},
	}
	for _, tt := range tests {
		got, err := ParseButton(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseButton(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseButton(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != normalize(tt.in) {
			t.Errorf("String() = %q", got.String())
		}
	}
}

func normalize(s string) string {
	switch s {
	case "", "left":
		return "left"
	case "Right":
		return "right"
	default:
		return "middle"
	}
}
