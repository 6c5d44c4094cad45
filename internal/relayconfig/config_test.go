package relayconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte("control_addr: \":4443\"\ndomain: tunnel.example.com\n"), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ControlAddr != ":4443" || cfg.Domain != "tunnel.example.com" {
		t.Errorf("unexpected parsed fields: %+v", cfg)
	}
	if cfg.ReservationTTLSeconds != 300 {
		t.Errorf("ReservationTTLSeconds = %d, want 300", cfg.ReservationTTLSeconds)
	}
	if cfg.MaxStreamsPerSession != 1024 {
		t.Errorf("MaxStreamsPerSession = %d, want 1024", cfg.MaxStreamsPerSession)
	}
	if cfg.BodyCaptureCapBytes != 1<<20 {
		t.Errorf("BodyCaptureCapBytes = %d, want %d", cfg.BodyCaptureCapBytes, 1<<20)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/relay.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte("control_addr: [unterminated"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestReservationTTLConversion(t *testing.T) {
	cfg := &Config{ReservationTTLSeconds: 60}
	if got := cfg.ReservationTTL().Seconds(); got != 60 {
		t.Errorf("ReservationTTL() = %v, want 60s", cfg.ReservationTTL())
	}
}

func TestTCPPortRangeParsing(t *testing.T) {
	cfg := &Config{TCPPortRange: "21000-21999"}
	if start, end := cfg.TCPPortRangeStart(), cfg.TCPPortRangeEnd(); start != 21000 || end != 21999 {
		t.Errorf("range = %d-%d, want 21000-21999", start, end)
	}
}

func TestTCPPortRangeDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	if start, end := cfg.TCPPortRangeStart(), cfg.TCPPortRangeEnd(); start != 20000 || end != 20999 {
		t.Errorf("default range = %d-%d, want 20000-20999", start, end)
	}
}

func TestTCPPortRangeDefaultsOnMalformedValue(t *testing.T) {
	cfg := &Config{TCPPortRange: "not-a-range"}
	if start, end := cfg.TCPPortRangeStart(), cfg.TCPPortRangeEnd(); start != 20000 || end != 20999 {
		t.Errorf("malformed range = %d-%d, want fallback default", start, end)
	}
}
