// =============================================================================
// SERVER CONFIGURATION
// =============================================================================
//
// Configuration comes from three layers, later layers winning:
//
//   1. Default()            built-in values, enough to run locally
//   2. YAML file            config.Load(path), unknown keys are rejected
//   3. Environment          STRATA_DATA_DIR, STRATA_TCP_ADDRESS,
//                           STRATA_HTTP_ADDRESS
//
// Example:
//
//   data_dir: ./data
//   tcp:  { enabled: true, address: "127.0.0.1:8090" }
//   http: { enabled: true, address: "127.0.0.1:3000" }
//   message_saver: { enabled: true, enforce_fsync: true, interval: 30s }
//   partition: { messages_required_to_save: 5000, enforce_fsync: false }
//   segment: { size: 1GB, messages: 1000000 }
//   cache: { enabled: true, capacity: 100000 }
//   dispatch: { shards: 4, channel_capacity: 1024 }
//   compression: none
//   metrics: { enabled: true, include_go_collector: true, include_process_collector: true }
//   logging: { level: info, format: text }
//
// Sizes accept bytefmt units ("64MB", "1G") or a plain byte count. Durations
// use Go syntax ("30s", "1m").
//
// =============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDataDir     = "STRATA_DATA_DIR"
	EnvTCPAddress  = "STRATA_TCP_ADDRESS"
	EnvHTTPAddress = "STRATA_HTTP_ADDRESS"
)

// Config is the full server configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	TCP          ListenerConfig     `yaml:"tcp"`
	HTTP         ListenerConfig     `yaml:"http"`
	MessageSaver MessageSaverConfig `yaml:"message_saver"`
	Partition    PartitionConfig    `yaml:"partition"`
	Segment      SegmentConfig      `yaml:"segment"`
	Cache        CacheConfig        `yaml:"cache"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Compression  string             `yaml:"compression"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MessageSaverConfig struct {
	Enabled      bool     `yaml:"enabled"`
	EnforceFsync bool     `yaml:"enforce_fsync"`
	Interval     Duration `yaml:"interval"`
}

type PartitionConfig struct {
	// MessagesRequiredToSave persists a partition's buffer on the append
	// path once it holds this many messages. 0 leaves it to the saver.
	MessagesRequiredToSave int  `yaml:"messages_required_to_save"`
	EnforceFsync           bool `yaml:"enforce_fsync"`
}

type SegmentConfig struct {
	Size     ByteSize `yaml:"size"`
	Messages uint64   `yaml:"messages"`
}

type CacheConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

type DispatchConfig struct {
	Shards int `yaml:"shards"`

	// ChannelCapacity bounds each shard queue. 0 means unbounded.
	ChannelCapacity int `yaml:"channel_capacity"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	IncludeGoCollector      bool `yaml:"include_go_collector"`
	IncludeProcessCollector bool `yaml:"include_process_collector"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: "./data",
		TCP:     ListenerConfig{Enabled: true, Address: "127.0.0.1:8090"},
		HTTP:    ListenerConfig{Enabled: true, Address: "127.0.0.1:3000"},
		MessageSaver: MessageSaverConfig{
			Enabled:      true,
			EnforceFsync: true,
			Interval:     Duration(30 * time.Second),
		},
		Partition: PartitionConfig{MessagesRequiredToSave: 5000},
		Segment:   SegmentConfig{Size: ByteSize(bytefmt.GIGABYTE), Messages: 1_000_000},
		Cache:     CacheConfig{Enabled: true, Capacity: 100_000},
		Dispatch:  DispatchConfig{Shards: 4, ChannelCapacity: 1024},
		Metrics: MetricsConfig{
			Enabled:                 true,
			IncludeGoCollector:      true,
			IncludeProcessCollector: true,
		},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Compression: "none",
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without environment overrides or
// validation.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies the STRATA_* overrides found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvTCPAddress); ok && v != "" {
		c.TCP.Address = v
	}
	if v, ok := lookup(EnvHTTPAddress); ok && v != "" {
		c.HTTP.Address = v
	}
}

// =============================================================================
// VALUE TYPES
// =============================================================================

// ByteSize is a byte count written as "64MB", "1G" or a plain integer.
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

// ParseByteSize parses a plain byte count or a bytefmt quantity.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Duration is a time.Duration written in Go syntax.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
