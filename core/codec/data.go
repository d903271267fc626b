// Package codec encodes and decodes the JSON messages exchanged with camera
// devices.
//
// Devices publish two kinds of message on the data channel. An announcement
// declares the shape of an image transfer (name, size, chunk count) and may
// carry environmental sensor readings. A chunk carries one base64-encoded
// slice of the image. The two are told apart by the presence of chunk_id.
//
// Field names follow the firmware exactly, including its inconsistencies
// (max_chunks_size on announcements, max_chunk_size on chunks).
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrMalformed      = errors.New("message body is not a JSON object")
	ErrMissingName    = errors.New("image_name is required")
	ErrMissingPayload = errors.New("chunk has no payload")
	ErrPayloadDecode  = errors.New("chunk payload is not valid base64")
)

// Kind distinguishes data-channel messages.
type Kind int

const (
	KindAnnouncement Kind = iota
	KindChunk
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Announcement declares a transfer before or while its chunks arrive.
type Announcement struct {
	Name        string `json:"image_name"`
	ImageSize   int64  `json:"image_size"`
	ChunkSize   int    `json:"max_chunks_size"`
	TotalChunks int    `json:"total_chunk_count"`
	Timestamp   string `json:"capture_timeStamp"`
	TimestampLC string `json:"capture_timestamp"`
	Location    string `json:"location"`
	Error       int    `json:"error"`

	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	GasResistance *float64 `json:"gas_resistance"`
}

// CapturedAt returns the device capture time, or fallback when the
// timestamp is absent or unparseable.
func (a *Announcement) CapturedAt(fallback time.Time) time.Time {
	for _, s := range []string{a.Timestamp, a.TimestampLC} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// HasSensors reports whether any environmental reading is present.
func (a *Announcement) HasSensors() bool {
	return a.Temperature != nil || a.Humidity != nil || a.Pressure != nil || a.GasResistance != nil
}

// Chunk is one slice of a transfer.
type Chunk struct {
	Name      string `json:"image_name"`
	Index     int    `json:"chunk_id"`
	ChunkSize int    `json:"max_chunk_size"`
	Payload   string `json:"payload"`

	// Optional sizing hints used when the chunk arrives before its
	// announcement.
	TotalHint int   `json:"total_chunks_count"`
	ImageSize int64 `json:"image_size"`

	// Data is the decoded payload.
	Data []byte `json:"-"`
}

// Message is a decoded data-channel message.
type Message struct {
	Kind         Kind
	Announcement *Announcement
	Chunk        *Chunk

	fields map[string]json.RawMessage
}

// DecodeData decodes a data-channel message body.
//
// On ErrMissingPayload and ErrPayloadDecode the returned Message is non-nil
// so the caller can still report which transfer and chunk were affected.
func DecodeData(body []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, ErrMalformed
	}

	msg := &Message{fields: fields}
	if idx, ok := fields["chunk_id"]; ok && !isNull(idx) {
		msg.Kind = KindChunk
		var c Chunk
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg.Chunk = &c
		if c.Name == "" {
			return msg, ErrMissingName
		}
		if c.Payload == "" {
			return msg, ErrMissingPayload
		}
		data, err := base64.StdEncoding.DecodeString(c.Payload)
		if err != nil {
			return msg, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		c.Data = data
		return msg, nil
	}

	msg.Kind = KindAnnouncement
	var a Announcement
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Announcement = &a
	if a.Name == "" {
		return msg, ErrMissingName
	}
	return msg, nil
}

// Name returns the transfer name carried by the message.
func (m *Message) Name() string {
	switch {
	case m.Chunk != nil:
		return m.Chunk.Name
	case m.Announcement != nil:
		return m.Announcement.Name
	default:
		return ""
	}
}

// AuditView returns the message as JSON suitable for the audit log. Chunk
// payloads are replaced by their encoded length.
func (m *Message) AuditView() json.RawMessage {
	view := make(map[string]json.RawMessage, len(m.fields)+1)
	for k, v := range m.fields {
		if k == "payload" {
			continue
		}
		view[k] = v
	}
	if m.Kind == KindChunk {
		n := 0
		if m.Chunk != nil {
			n = len(m.Chunk.Payload)
		}
		view["payload_length"] = json.RawMessage(strconv.Itoa(n))
	}
	out, err := json.Marshal(view)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}

// Fields returns the raw top-level fields of the message.
func (m *Message) Fields() map[string]json.RawMessage {
	return m.fields
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DeviceErrorReason decodes a device-reported capture error code.
func DeviceErrorReason(code int) string {
	switch code {
	case 1:
		return "Camera initialization failed"
	case 2:
		return "Image capture failed"
	case 3:
		return "Sensor read failed"
	case 4:
		return "Memory allocation failed"
	default:
		return "Unknown error"
	}
}
