package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strata/internal/storage"
)

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /var/lib/strata
tcp: { address: "0.0.0.0:9090" }
message_saver: { enforce_fsync: false, interval: 5s }
segment: { size: 64MB }
dispatch: { shards: 8, channel_capacity: 0 }
compression: snappy
logging: { level: debug, format: json }
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/strata" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.TCP.Address != "0.0.0.0:9090" || !cfg.TCP.Enabled {
		t.Errorf("TCP = %+v, want the address replaced and enabled kept", cfg.TCP)
	}
	if cfg.MessageSaver.Interval.Std() != 5*time.Second || cfg.MessageSaver.EnforceFsync || !cfg.MessageSaver.Enabled {
		t.Errorf("MessageSaver = %+v", cfg.MessageSaver)
	}
	if cfg.Segment.Size != 64<<20 || cfg.Segment.Messages != 1_000_000 {
		t.Errorf("Segment = %+v", cfg.Segment)
	}
	if cfg.Dispatch.Shards != 8 || cfg.Dispatch.ChannelCapacity != 0 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Cache.Capacity != 100_000 {
		t.Errorf("Cache.Capacity = %d, want default", cfg.Cache.Capacity)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "data_dri: ./data\n",
		"bad size":     "segment: { size: lots }\n",
		"bad duration": "message_saver: { interval: soon }\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Errorf("Parse(%q) succeeded", doc)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if cfg.Dispatch.Shards != Default().Dispatch.Shards {
		t.Errorf("empty document changed defaults: %+v", cfg.Dispatch)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"1024", 1024, false},
		{"0", 0, false},
		{"64MB", 64 << 20, false},
		{"1G", 1 << 30, false},
		{"2KB", 2048, false},
		{"many", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDataDir:     "/tmp/strata",
		EnvHTTPAddress: "127.0.0.1:4000",
		EnvTCPAddress:  "",
	}
	cfg := Default()
	cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	if cfg.DataDir != "/tmp/strata" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.HTTP.Address != "127.0.0.1:4000" {
		t.Errorf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.TCP.Address != Default().TCP.Address {
		t.Errorf("empty override replaced TCP.Address with %q", cfg.TCP.Address)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	doc := "data_dir: " + filepath.Join(dir, "data") + "\ncache: { enabled: false }\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvTCPAddress, "127.0.0.1:9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TCP.Address != "127.0.0.1:9999" {
		t.Errorf("env override not applied: %q", cfg.TCP.Address)
	}
	if bc := cfg.BrokerConfig("test", nil, nil); bc.CacheCapacity != 0 {
		t.Errorf("disabled cache has capacity %d", bc.CacheCapacity)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}

	if err := os.WriteFile(path, []byte("dispatch: { shards: 0 }\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dispatch.shards") {
		t.Errorf("Load err = %v, want a validation error", err)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Compression = "snappy"
	cfg.Partition.EnforceFsync = true

	opts := cfg.StorageOptions(nil)
	if opts.Compression != storage.CompressionSnappy || !opts.EnforceFsync {
		t.Errorf("StorageOptions = %+v", opts)
	}
	if opts.MaxSegmentBytes != 1<<30 || opts.MessagesRequiredToSave != 5000 {
		t.Errorf("StorageOptions = %+v", opts)
	}

	saver := cfg.SaverConfig()
	if !saver.Enabled || saver.Interval != 30*time.Second {
		t.Errorf("SaverConfig = %+v", saver)
	}

	d := cfg.DispatchOptions(nil)
	if d.Shards != 4 || d.ChannelCapacity != 1024 {
		t.Errorf("DispatchOptions = %+v", d)
	}

	if m := cfg.MetricsConfig(); !m.Enabled || m.Namespace != "strata" {
		t.Errorf("MetricsConfig = %+v", m)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging = LoggingConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected a JSON record, got: %s", out)
	}
}
