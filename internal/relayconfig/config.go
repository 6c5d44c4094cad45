// Package relayconfig loads the relay's YAML configuration file (§6),
// mirroring the client's gopkg.in/yaml.v3-based config loader.
package relayconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay configuration file schema (§6 "Configuration").
type Config struct {
	ControlAddr string `yaml:"control_addr"`

	HTTPAddr     string `yaml:"http_addr"`
	HTTPSAddr    string `yaml:"https_addr"`
	TLSAddr      string `yaml:"tls_addr"`
	TCPPortRange string `yaml:"tcp_port_range"` // "START-END"
	MetricsAddr  string `yaml:"metrics_addr"`

	Domain string `yaml:"domain"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	JWTSecret string `yaml:"jwt_secret"`

	ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`
	MaxStreamsPerSession  int `yaml:"max_streams_per_session"`
	BodyCaptureCapBytes   int `yaml:"body_capture_cap_bytes"`

	ACMEDir string `yaml:"acme_cert_dir"`
}

// Defaults applies the documented default values (§6) for fields left
// unset in the file.
func (c *Config) Defaults() {
	if c.ReservationTTLSeconds == 0 {
		c.ReservationTTLSeconds = 300
	}
	if c.MaxStreamsPerSession == 0 {
		c.MaxStreamsPerSession = 1024
	}
	if c.BodyCaptureCapBytes == 0 {
		c.BodyCaptureCapBytes = 1 << 20
	}
	if c.ACMEDir == "" {
		c.ACMEDir = "./acme-cache"
	}
}

// ReservationTTL returns ReservationTTLSeconds as a time.Duration.
func (c *Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSeconds) * time.Second
}

// defaultTCPPortRangeStart and defaultTCPPortRangeEnd apply when
// TCPPortRange is unset, giving Tcp tunnels a usable range out of the box.
const (
	defaultTCPPortRangeStart = 20000
	defaultTCPPortRangeEnd   = 20999
)

// TCPPortRangeStart parses the lower bound of TCPPortRange ("START-END").
func (c *Config) TCPPortRangeStart() uint16 {
	start, _ := c.parseTCPPortRange()
	return start
}

// TCPPortRangeEnd parses the upper bound of TCPPortRange ("START-END").
func (c *Config) TCPPortRangeEnd() uint16 {
	_, end := c.parseTCPPortRange()
	return end
}

func (c *Config) parseTCPPortRange() (uint16, uint16) {
	if c.TCPPortRange == "" {
		return defaultTCPPortRangeStart, defaultTCPPortRangeEnd
	}
	start, end, ok := strings.Cut(c.TCPPortRange, "-")
	if !ok {
		return defaultTCPPortRangeStart, defaultTCPPortRangeEnd
	}
	s, err1 := strconv.ParseUint(strings.TrimSpace(start), 10, 16)
	e, err2 := strconv.ParseUint(strings.TrimSpace(end), 10, 16)
	if err1 != nil || err2 != nil {
		return defaultTCPPortRangeStart, defaultTCPPortRangeEnd
	}
	return uint16(s), uint16(e)
}

// Load reads and parses a relay config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relayconfig: invalid config file %s: %w", path, err)
	}
	cfg.Defaults()
	return &cfg, nil
}
