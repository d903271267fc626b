package codec

import (
	"bytes"
	"encoding/json"
)

// Nack asks a device to resend the listed chunks.
type Nack struct {
	Name    string `json:"image_name"`
	Missing []int  `json:"missing_chunks"`
}

// AckOK confirms a transfer was stored. It is the only signal that lets the
// device stop retransmitting.
type AckOK struct {
	Name string    `json:"image_name"`
	OK   AckOKBody `json:"ACK_OK"`
}

// AckOKBody carries optional hints for the device.
type AckOKBody struct {
	NextWakeTime string `json:"next_wake_time,omitempty"`
}

// AckError tells a device its reported capture failure was recorded.
type AckError struct {
	Name string       `json:"image_name"`
	Err  AckErrorBody `json:"ACK_ERROR"`
}

// AckErrorBody echoes the device error.
type AckErrorBody struct {
	Code   int    `json:"error"`
	Reason string `json:"reason"`
}

// EncodeNack encodes a negative acknowledgement.
func EncodeNack(name string, missing []int) ([]byte, error) {
	if missing == nil {
		missing = []int{}
	}
	return json.Marshal(Nack{Name: name, Missing: missing})
}

// EncodeAckOK encodes a positive acknowledgement. nextWake may be empty.
func EncodeAckOK(name, nextWake string) ([]byte, error) {
	return json.Marshal(AckOK{Name: name, OK: AckOKBody{NextWakeTime: nextWake}})
}

// EncodeAckError encodes the reply to a device-reported error.
func EncodeAckError(name string, code int) ([]byte, error) {
	return json.Marshal(AckError{
		Name: name,
		Err:  AckErrorBody{Code: code, Reason: DeviceErrorReason(code)},
	})
}

// EncodeCommand encodes a queued command in the shape the firmware expects:
// the command type is the key and its argument the value. An empty payload
// becomes true, a single-field object is unwrapped to its value, and any
// other payload is passed through.
func EncodeCommand(id, commandType string, payload json.RawMessage) ([]byte, error) {
	var value json.RawMessage = json.RawMessage("true")

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			switch len(obj) {
			case 0:
			case 1:
				for _, v := range obj {
					value = v
				}
			default:
				value = trimmed
			}
		} else {
			value = trimmed
		}
	}

	return json.Marshal(map[string]json.RawMessage{
		"command_id": mustString(id),
		commandType:  value,
	})
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
