package transport

import "testing"

func TestEvent_String(t *testing.T) {
	tests := []struct {
		e    Event
		want string
	}{
		{EventConnected, "connected"},
		{EventDisconnected, "disconnected"},
		{EventReconnecting, "reconnecting"},
		{EventError, "error"},
		{Event(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("Event(%d).String() = %q, want %q", tt.e, got, tt.want)
		}
	}
}
