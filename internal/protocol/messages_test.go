package protocol

import (
	"errors"
	"testing"
)

func TestParseClientControlKnownTypes(t *testing.T) {
	for _, raw := range []string{
		`{"type":"tts_start"}`,
		`{"type":"tts_stop"}`,
		`{"type":"clear_history"}`,
		`{"type":"interrupt"}`,
	} {
		msg, err := ParseClientControl([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientControl(%s) error = %v", raw, err)
		}
		if msg.Type == "" {
			t.Fatalf("ParseClientControl(%s) returned empty type", raw)
		}
	}
}

func TestParseClientControlSetSpeed(t *testing.T) {
	msg, err := ParseClientControl([]byte(`{"type":"set_speed","speed":1.25}`))
	if err != nil {
		t.Fatalf("ParseClientControl() error = %v", err)
	}
	if msg.Speed != 1.25 {
		t.Fatalf("Speed = %v, want 1.25", msg.Speed)
	}
}

func TestParseClientControlSetSpeedOutOfRange(t *testing.T) {
	if _, err := ParseClientControl([]byte(`{"type":"set_speed","speed":9}`)); err == nil {
		t.Fatalf("expected error for out-of-range speed")
	}
	if _, err := ParseClientControl([]byte(`{"type":"set_speed"}`)); err == nil {
		t.Fatalf("expected error for missing speed")
	}
}

func TestParseClientControlUnknownType(t *testing.T) {
	_, err := ParseClientControl([]byte(`{"type":"mystery"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientControlMalformed(t *testing.T) {
	if _, err := ParseClientControl([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
