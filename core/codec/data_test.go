package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeData_Announcement(t *testing.T) {
	body := []byte(`{
		"device_id": "AABBCCDDEEFF",
		"capture_timeStamp": "2025-10-04T12:34:56Z",
		"image_name": "image_123.jpg",
		"image_size": 45678,
		"max_chunks_size": 1024,
		"total_chunk_count": 45,
		"location": "office_404",
		"error": 0,
		"temperature": 23.5,
		"humidity": 45.2
	}`)

	msg, err := DecodeData(body)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if msg.Kind != KindAnnouncement {
		t.Fatalf("Kind = %v, want announcement", msg.Kind)
	}
	a := msg.Announcement
	if a.Name != "image_123.jpg" || a.ImageSize != 45678 || a.ChunkSize != 1024 || a.TotalChunks != 45 {
		t.Errorf("unexpected announcement: %+v", a)
	}
	if !a.HasSensors() {
		t.Error("HasSensors should be true")
	}
	if a.Pressure != nil {
		t.Error("Pressure should be nil when absent")
	}
	want := time.Date(2025, 10, 4, 12, 34, 56, 0, time.UTC)
	if got := a.CapturedAt(time.Time{}); !got.Equal(want) {
		t.Errorf("CapturedAt = %v, want %v", got, want)
	}
}

func TestAnnouncement_CapturedAtFallback(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Announcement{Timestamp: "not a time"}
	if got := a.CapturedAt(fallback); !got.Equal(fallback) {
		t.Errorf("CapturedAt = %v, want fallback", got)
	}
	a = &Announcement{TimestampLC: "2025-10-05T17:30:00Z"}
	if got := a.CapturedAt(fallback); got.Year() != 2025 {
		t.Errorf("lower-case timestamp field should be accepted, got %v", got)
	}
}

func TestDecodeData_Chunk(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8})
	body := []byte(`{"image_name":"a.jpg","chunk_id":0,"max_chunk_size":2,"payload":"` + payload + `"}`)

	msg, err := DecodeData(body)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if msg.Kind != KindChunk {
		t.Fatalf("Kind = %v, want chunk", msg.Kind)
	}
	if msg.Chunk.Index != 0 || len(msg.Chunk.Data) != 2 || msg.Chunk.Data[0] != 0xFF {
		t.Errorf("unexpected chunk: %+v", msg.Chunk)
	}
	if msg.Name() != "a.jpg" {
		t.Errorf("Name() = %q", msg.Name())
	}
}

func TestDecodeData_NullChunkIDIsAnnouncement(t *testing.T) {
	msg, err := DecodeData([]byte(`{"image_name":"a.jpg","chunk_id":null,"total_chunk_count":2}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if msg.Kind != KindAnnouncement {
		t.Errorf("Kind = %v, want announcement", msg.Kind)
	}
}

func TestDecodeData_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		wantMsg bool
	}{
		{"not json", `{not json`, ErrMalformed, false},
		{"json null", `null`, ErrMalformed, false},
		{"array", `[1,2]`, ErrMalformed, false},
		{"missing payload", `{"image_name":"a.jpg","chunk_id":3}`, ErrMissingPayload, true},
		{"bad base64", `{"image_name":"a.jpg","chunk_id":3,"payload":"!!!"}`, ErrPayloadDecode, true},
		{"announcement without name", `{"total_chunk_count":3}`, ErrMissingName, true},
		{"chunk without name", `{"chunk_id":1,"payload":"AA=="}`, ErrMissingName, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeData([]byte(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if (msg != nil) != tt.wantMsg {
				t.Errorf("msg != nil = %v, want %v", msg != nil, tt.wantMsg)
			}
		})
	}
}

func TestAuditView_StripsPayload(t *testing.T) {
	body := []byte(`{"image_name":"a.jpg","chunk_id":1,"payload":"AAAA"}`)
	msg, err := DecodeData(body)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}

	var view map[string]any
	if err := json.Unmarshal(msg.AuditView(), &view); err != nil {
		t.Fatalf("AuditView is not JSON: %v", err)
	}
	if _, ok := view["payload"]; ok {
		t.Error("payload should be removed from the audit view")
	}
	if view["payload_length"] != float64(4) {
		t.Errorf("payload_length = %v, want 4", view["payload_length"])
	}
	if view["image_name"] != "a.jpg" {
		t.Errorf("image_name = %v", view["image_name"])
	}
}

func TestAuditView_AnnouncementHasNoPayloadLength(t *testing.T) {
	msg, err := DecodeData([]byte(`{"image_name":"a.jpg","total_chunk_count":1}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	var view map[string]any
	_ = json.Unmarshal(msg.AuditView(), &view)
	if _, ok := view["payload_length"]; ok {
		t.Error("announcements should not carry payload_length")
	}
}

func TestDeviceErrorReason(t *testing.T) {
	tests := map[int]string{
		1:  "Camera initialization failed",
		2:  "Image capture failed",
		3:  "Sensor read failed",
		4:  "Memory allocation failed",
		99: "Unknown error",
	}
	for code, want := range tests {
		if got := DeviceErrorReason(code); got != want {
			t.Errorf("DeviceErrorReason(%d) = %q, want %q", code, got, want)
		}
	}
}
