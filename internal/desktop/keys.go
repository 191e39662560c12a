package desktop

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// keyNames maps common key names to virtual-key codes.
var keyNames = map[string]uint16{
	"backspace":   0x08,
	"tab":         0x09,
	"enter":       0x0D,
	"return":      0x0D,
	"shift":       0x10,
	"ctrl":        0x11,
	"control":     0x11,
	"alt":         0x12,
	"pause":       0x13,
	"capslock":    0x14,
	"escape":      0x1B,
	"esc":         0x1B,
	"space":       0x20,
	"pageup":      0x21,
	"pagedown":    0x22,
	"end":         0x23,
	"home":        0x24,
	"left":        0x25,
	"up":          0x26,
	"right":       0x27,
	"down":        0x28,
	"printscreen": 0x2C,
	"insert":      0x2D,
	"delete":      0x2E,
	"del":         0x2E,
	"win":         0x5B,
	"meta":        0x5B,
	"lwin":        0x5B,
	"rwin":        0x5C,
	"menu":        0x5D,
	"numlock":     0x90,
	"scrolllock":  0x91,
}

// ParseKey reads a key payload: a virtual-key number, a numeric string,
// a single letter, or a name such as "enter" or "f5".
func ParseKey(raw json.RawMessage) (uint16, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: key is required", ErrInvalidPayload)
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return checkKey(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: key must be a number or a string", ErrInvalidPayload)
	}
	return keyFromString(s)
}

func keyFromString(s string) (uint16, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return checkKey(n)
	}
	if len(s) == 1 {
		c := s[0]
		switch {
		case c >= 'a' && c <= 'z':
			return uint16(c - 'a' + 'A'), nil
		case c >= 'A' && c <= 'Z', c == ' ':
			return uint16(c), nil
		}
	}

	name := strings.ToLower(strings.TrimSpace(s))
	if vk, ok := keyNames[name]; ok {
		return vk, nil
	}
	if strings.HasPrefix(name, "f") {
		if n, err := strconv.Atoi(name[1:]); err == nil && n >= 1 && n <= 24 {
			return uint16(0x70 + n - 1), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown key %q", ErrInvalidPayload, s)
}

func checkKey(n int) (uint16, error) {
	if n < 1 || n > 0xFE {
		return 0, fmt.Errorf("%w: key code %d out of range", ErrInvalidPayload, n)
	}
	return uint16(n), nil
}
