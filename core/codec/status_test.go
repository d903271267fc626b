package codec

import (
	"errors"
	"testing"
)

func TestDecodeStatus(t *testing.T) {
	body := []byte(`{"status":"idle","pendingImg":2,"battery_mv":3710,"wifi_rssi":-61,"uptime_ms":123456,"boot_count":7}`)

	s, err := DecodeStatus(body)
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if s.Status != "idle" {
		t.Errorf("Status = %q, want idle", s.Status)
	}
	if s.PendingImg == nil || *s.PendingImg != 2 {
		t.Errorf("PendingImg = %v, want 2", s.PendingImg)
	}
	if s.BatteryMV == nil || *s.BatteryMV != 3710 {
		t.Errorf("BatteryMV = %v, want 3710", s.BatteryMV)
	}
	if s.WifiRSSI == nil || *s.WifiRSSI != -61 {
		t.Errorf("WifiRSSI = %v, want -61", s.WifiRSSI)
	}
	if s.UptimeMS == nil || *s.UptimeMS != 123456 {
		t.Errorf("UptimeMS = %v, want 123456", s.UptimeMS)
	}
	if s.BootCount == nil || *s.BootCount != 7 {
		t.Errorf("BootCount = %v, want 7", s.BootCount)
	}
	if string(s.Raw) != string(body) {
		t.Errorf("Raw = %s, want the original body", s.Raw)
	}
}

func TestDecodeStatus_MissingFields(t *testing.T) {
	s, err := DecodeStatus([]byte(`{}`))
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if s.Status != "unknown" {
		t.Errorf("Status = %q, want unknown", s.Status)
	}
	if s.PendingImg != nil || s.BatteryMV != nil || s.BootCount != nil {
		t.Error("absent fields should stay nil")
	}
}

func TestDecodeStatus_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `[1,2]`, `{"status":5}`} {
		if _, err := DecodeStatus([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeStatus(%s) error = %v, want ErrMalformed", body, err)
		}
	}
}
