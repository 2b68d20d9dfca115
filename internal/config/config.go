// Package config loads bblcam settings from a YAML file and BBLCAM_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mzyy94/bblcam/internal/bbl"
)

// Printer is one configured camera.
type Printer struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	IP             string `yaml:"ip,omitempty" json:"ip,omitempty"` // empty: discover via SSDP
	Serial         string `yaml:"serial" json:"serial"`
	AccessCode     string `yaml:"access_code,omitempty" json:"-"`
	AccessCodeFile string `yaml:"access_code_file,omitempty" json:"-"`
}

// Params returns the connection parameters for p.
func (p Printer) Params() bbl.ConnectionParams {
	return bbl.ConnectionParams{
		PrinterID:    p.ID,
		IP:           p.IP,
		AccessCode:   p.AccessCode,
		SerialNumber: p.Serial,
	}
}

// Config holds every tunable of the service.
type Config struct {
	ListenPort int    `yaml:"listen_port"`
	LogLevel   string `yaml:"log_level"`
	DeviceName string `yaml:"device_name"` // mDNS instance name
	Advertise  bool   `yaml:"advertise"`

	CAFile     string `yaml:"ca_file"`
	DevicePort int    `yaml:"device_port"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	AuthGrace        time.Duration `yaml:"auth_grace"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	FirstFrameGrace  time.Duration `yaml:"first_frame_grace"`
	FrameTTL         time.Duration `yaml:"frame_ttl"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	MinFrameSize uint32 `yaml:"min_frame_size"`
	MaxFrameSize uint32 `yaml:"max_frame_size"`

	Printers []Printer `yaml:"printers"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenPort:       8080,
		LogLevel:         "info",
		DeviceName:       "bblcam",
		Advertise:        true,
		DevicePort:       bbl.DefaultCameraPort,
		ConnectTimeout:   10 * time.Second,
		AuthGrace:        500 * time.Millisecond,
		StallTimeout:     15 * time.Second,
		FirstFrameGrace:  3 * time.Second,
		FrameTTL:         5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		CleanupInterval:  30 * time.Second,
		DiscoveryTimeout: 30 * time.Second,
		MinFrameSize:     bbl.DefaultMinFrameSize,
		MaxFrameSize:     bbl.DefaultMaxFrameSize,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if any), then environment overrides. Access code files are read and
// the result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.ResolveSecrets(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from BBLCAM_* variables. BBLCAM_PRINTER_SERIAL
// with BBLCAM_ACCESS_CODE (or BBLCAM_ACCESS_CODE_FILE) defines a printer
// named "default" when the file configured none.
func (c *Config) ApplyEnv() {
	c.ListenPort = envInt("BBLCAM_LISTEN_PORT", c.ListenPort)
	c.LogLevel = envStr("BBLCAM_LOG_LEVEL", c.LogLevel)
	c.DeviceName = envStr("BBLCAM_DEVICE_NAME", c.DeviceName)
	c.Advertise = envBool("BBLCAM_ADVERTISE", c.Advertise)
	c.CAFile = envStr("BBLCAM_CA_FILE", c.CAFile)
	c.DevicePort = envInt("BBLCAM_DEVICE_PORT", c.DevicePort)
	c.ConnectTimeout = envDuration("BBLCAM_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.AuthGrace = envDuration("BBLCAM_AUTH_GRACE", c.AuthGrace)
	c.StallTimeout = envDuration("BBLCAM_STALL_TIMEOUT", c.StallTimeout)
	c.FirstFrameGrace = envDuration("BBLCAM_FIRST_FRAME_GRACE", c.FirstFrameGrace)
	c.FrameTTL = envDuration("BBLCAM_FRAME_TTL", c.FrameTTL)
	c.IdleTimeout = envDuration("BBLCAM_IDLE_TIMEOUT", c.IdleTimeout)
	c.CleanupInterval = envDuration("BBLCAM_CLEANUP_INTERVAL", c.CleanupInterval)
	c.DiscoveryTimeout = envDuration("BBLCAM_DISCOVERY_TIMEOUT", c.DiscoveryTimeout)

	serial := os.Getenv("BBLCAM_PRINTER_SERIAL")
	if len(c.Printers) == 0 && serial != "" {
		c.Printers = append(c.Printers, Printer{
			ID:             envStr("BBLCAM_PRINTER_ID", "default"),
			IP:             os.Getenv("BBLCAM_PRINTER_IP"),
			Serial:         serial,
			AccessCode:     os.Getenv("BBLCAM_ACCESS_CODE"),
			AccessCodeFile: os.Getenv("BBLCAM_ACCESS_CODE_FILE"),
		})
	}
}

// ResolveSecrets reads access_code_file for printers without an inline code.
func (c *Config) ResolveSecrets() error {
	for i := range c.Printers {
		p := &c.Printers[i]
		if p.AccessCode != "" || p.AccessCodeFile == "" {
			continue
		}
		data, err := os.ReadFile(p.AccessCodeFile)
		if err != nil {
			return fmt.Errorf("printer %s: read access code file: %w", p.ID, err)
		}
		p.AccessCode = strings.TrimSpace(string(data))
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.DevicePort <= 0 || c.DevicePort > 65535 {
		return fmt.Errorf("device_port %d out of range", c.DevicePort)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"auth_grace", c.AuthGrace},
		{"first_frame_grace", c.FirstFrameGrace},
		{"frame_ttl", c.FrameTTL},
		{"idle_timeout", c.IdleTimeout},
		{"cleanup_interval", c.CleanupInterval},
		{"discovery_timeout", c.DiscoveryTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.d)
		}
	}
	if c.MinFrameSize == 0 || c.MinFrameSize > c.MaxFrameSize {
		return fmt.Errorf("frame size band [%d, %d] is empty", c.MinFrameSize, c.MaxFrameSize)
	}

	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		if p.ID == "" {
			return fmt.Errorf("printers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("printers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Serial == "" {
			return fmt.Errorf("printer %s: serial is required", p.ID)
		}
		if p.AccessCode == "" {
			return fmt.Errorf("printer %s: access_code or access_code_file is required", p.ID)
		}
		if len(p.AccessCode) > bbl.AuthFieldSize {
			return fmt.Errorf("printer %s: access code longer than %d characters", p.ID, bbl.AuthFieldSize)
		}
	}
	return nil
}

// Printer returns the printer with the given id.
func (c *Config) Printer(id string) (Printer, bool) {
	for _, p := range c.Printers {
		if p.ID == id {
			return p, true
		}
	}
	return Printer{}, false
}

// DialOptions returns the camera connection settings. RootCAs is left unset;
// the caller loads it from CAFile.
func (c *Config) DialOptions() bbl.DialOptions {
	return bbl.DialOptions{
		Port:           c.DevicePort,
		ConnectTimeout: c.ConnectTimeout,
		AuthGrace:      c.AuthGrace,
		StallTimeout:   c.StallTimeout,
		MinFrameSize:   c.MinFrameSize,
		MaxFrameSize:   c.MaxFrameSize,
	}
}

// SlogLevel returns LogLevel as a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps "debug", "warn", "error" to slog levels; anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring invalid integer", "env", key, "value", v)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("ignoring invalid boolean", "env", key, "value", v)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration", "env", key, "value", v)
	}
	return fallback
}
