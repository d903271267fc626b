package store

import (
	"testing"
	"time"
)

func TestCapturePath(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"utc", time.Date(2025, 10, 4, 12, 34, 56, 0, time.UTC), "captures/AABBCCDDEEFF/2025/10/04/image_1.jpg"},
		{"converted to utc", time.Date(2025, 1, 1, 1, 0, 0, 0, time.FixedZone("X", 3*3600)), "captures/AABBCCDDEEFF/2024/12/31/image_1.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CapturePath("AABBCCDDEEFF", tt.at, "image_1.jpg"); got != tt.want {
				t.Errorf("CapturePath = %s, want %s", got, tt.want)
			}
		})
	}
}
