package codec

import (
	"encoding/json"
	"fmt"
)

// Status is a device heartbeat published on the status channel.
type Status struct {
	Status     string `json:"status"`
	PendingImg *int   `json:"pendingImg"`
	BatteryMV  *int   `json:"battery_mv"`
	WifiRSSI   *int   `json:"wifi_rssi"`
	UptimeMS   *int64 `json:"uptime_ms"`
	BootCount  *int   `json:"boot_count"`

	Raw json.RawMessage `json:"-"`
}

// DecodeStatus decodes a status message body. A missing status string is
// reported as "unknown".
func DecodeStatus(body []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.Status == "" {
		s.Status = "unknown"
	}
	s.Raw = append(json.RawMessage(nil), body...)
	return &s, nil
}
