package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"connect_timeout", cfg.ConnectTimeout, 10 * time.Second},
		{"auth_grace", cfg.AuthGrace, 500 * time.Millisecond},
		{"stall_timeout", cfg.StallTimeout, 15 * time.Second},
		{"first_frame_grace", cfg.FirstFrameGrace, 3 * time.Second},
		{"frame_ttl", cfg.FrameTTL, 5 * time.Second},
		{"idle_timeout", cfg.IdleTimeout, 5 * time.Minute},
		{"cleanup_interval", cfg.CleanupInterval, 30 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.DevicePort != 6000 {
		t.Errorf("DevicePort = %d, want 6000", cfg.DevicePort)
	}
	if cfg.MinFrameSize != 1024 || cfg.MaxFrameSize != 8<<20 {
		t.Errorf("frame band = [%d, %d], want [1024, 8388608]", cfg.MinFrameSize, cfg.MaxFrameSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	codeFile := writeFile(t, "code.txt", "  abcd1234\n")
	path := writeFile(t, "bblcam.yaml", `
listen_port: 9090
log_level: debug
ca_file: /etc/bblcam/ca.pem
frame_ttl: 2s
idle_timeout: 90s
first_frame_grace: 1500ms
max_frame_size: 4194304
printers:
  - id: workshop
    name: Workshop P1S
    ip: 192.168.1.20
    serial: 01P00A000000000
    access_code: "12345678"
  - id: garage
    serial: 03W00X000000001
    access_code_file: `+codeFile+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 9090 {
		t.Errorf("ListenPort = %d, want 9090", cfg.ListenPort)
	}
	if cfg.FrameTTL != 2*time.Second {
		t.Errorf("FrameTTL = %v, want 2s", cfg.FrameTTL)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", cfg.IdleTimeout)
	}
	if cfg.FirstFrameGrace != 1500*time.Millisecond {
		t.Errorf("FirstFrameGrace = %v, want 1.5s", cfg.FirstFrameGrace)
	}
	if cfg.MaxFrameSize != 4<<20 {
		t.Errorf("MaxFrameSize = %d, want 4194304", cfg.MaxFrameSize)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 10s", cfg.ConnectTimeout)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, want debug", cfg.SlogLevel())
	}

	if len(cfg.Printers) != 2 {
		t.Fatalf("printers = %d, want 2", len(cfg.Printers))
	}
	p, ok := cfg.Printer("workshop")
	if !ok {
		t.Fatal("printer workshop not found")
	}
	params := p.Params()
	if params.PrinterID != "workshop" || params.IP != "192.168.1.20" || params.SerialNumber != "01P00A000000000" || params.AccessCode != "12345678" {
		t.Errorf("Params = %+v", params)
	}
	g, _ := cfg.Printer("garage")
	if g.AccessCode != "abcd1234" {
		t.Errorf("access code from file = %q, want abcd1234", g.AccessCode)
	}
	if _, ok := cfg.Printer("missing"); ok {
		t.Error("Printer(missing) found")
	}

	opts := cfg.DialOptions()
	if opts.Port != 6000 || opts.AuthGrace != 500*time.Millisecond || opts.MaxFrameSize != 4<<20 {
		t.Errorf("DialOptions = %+v", opts)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FrameTTL != 5*time.Second {
		t.Errorf("FrameTTL = %v, want 5s", cfg.FrameTTL)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown_key", "frame_tll: 5s\n", "frame_tll"},
		{"bad_duration", "frame_ttl: soon\n", "soon"},
		{"zero_ttl", "frame_ttl: 0s\n", "frame_ttl"},
		{"empty_band", "min_frame_size: 2048\nmax_frame_size: 1024\n", "frame size band"},
		{"no_serial", "printers:\n  - id: p1\n    access_code: \"1\"\n", "serial"},
		{"no_code", "printers:\n  - id: p1\n    serial: S\n", "access_code"},
		{"duplicate", "printers:\n  - {id: p1, serial: S, access_code: a}\n  - {id: p1, serial: T, access_code: b}\n", "duplicate"},
		{"long_code", "printers:\n  - {id: p1, serial: S, access_code: " + strings.Repeat("x", 33) + "}\n", "longer"},
	}
	for _, tt := range tests {
		_, err := Load(writeFile(t, tt.name+".yaml", tt.content))
		if err == nil {
			t.Errorf("%s: Load succeeded, want error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BBLCAM_LISTEN_PORT", "9999")
	t.Setenv("BBLCAM_FRAME_TTL", "750ms")
	t.Setenv("BBLCAM_ADVERTISE", "false")
	t.Setenv("BBLCAM_IDLE_TIMEOUT", "not-a-duration")
	t.Setenv("BBLCAM_PRINTER_SERIAL", "01P00A000000000")
	t.Setenv("BBLCAM_PRINTER_IP", "10.0.0.9")
	t.Setenv("BBLCAM_ACCESS_CODE", "87654321")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 9999 {
		t.Errorf("ListenPort = %d, want 9999", cfg.ListenPort)
	}
	if cfg.FrameTTL != 750*time.Millisecond {
		t.Errorf("FrameTTL = %v, want 750ms", cfg.FrameTTL)
	}
	if cfg.Advertise {
		t.Error("Advertise = true, want false")
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want default kept for invalid value", cfg.IdleTimeout)
	}
	p, ok := cfg.Printer("default")
	if !ok {
		t.Fatal("env printer not defined")
	}
	if p.IP != "10.0.0.9" || p.Serial != "01P00A000000000" || p.AccessCode != "87654321" {
		t.Errorf("env printer = %+v", p)
	}
}

func TestApplyEnv_FilePrintersWin(t *testing.T) {
	t.Setenv("BBLCAM_PRINTER_SERIAL", "03W00X000000001")
	t.Setenv("BBLCAM_ACCESS_CODE", "87654321")
	path := writeFile(t, "cfg.yaml", "printers:\n  - {id: p1, serial: S, access_code: a}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Printers) != 1 || cfg.Printers[0].ID != "p1" {
		t.Errorf("Printers = %+v, want only p1", cfg.Printers)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
