package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"strata/internal/broker"
	"strata/internal/dispatch"
	"strata/internal/metrics"
	"strata/internal/storage"
)

// NewLogger builds the process logger from the logging section.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}

// StorageOptions returns the per-partition log options. Validate has already
// rejected an unknown compression.
func (c Config) StorageOptions(logger *slog.Logger) storage.Options {
	compression, _ := storage.ParseCompression(c.Compression)
	return storage.Options{
		MaxSegmentBytes:        int64(c.Segment.Size),
		MaxSegmentMessages:     c.Segment.Messages,
		MessagesRequiredToSave: c.Partition.MessagesRequiredToSave,
		EnforceFsync:           c.Partition.EnforceFsync,
		Compression:            compression,
		Logger:                 logger,
	}
}

// BrokerConfig returns the engine configuration. A disabled cache keeps
// capacity 0 so lookups still count misses.
func (c Config) BrokerConfig(version string, observer broker.Observer, logger *slog.Logger) broker.Config {
	capacity := c.Cache.Capacity
	if !c.Cache.Enabled {
		capacity = 0
	}
	return broker.Config{
		DataDir:       c.DataDir,
		Storage:       c.StorageOptions(logger),
		CacheCapacity: capacity,
		ServerVersion: version,
		Observer:      observer,
		Logger:        logger,
	}
}

// DispatchOptions returns the pipeline options without resolver or observer.
func (c Config) DispatchOptions(logger *slog.Logger) dispatch.Options {
	return dispatch.Options{
		Shards:          c.Dispatch.Shards,
		ChannelCapacity: c.Dispatch.ChannelCapacity,
		Logger:          logger,
	}
}

func (c Config) SaverConfig() dispatch.SaverConfig {
	return dispatch.SaverConfig{
		Enabled:      c.MessageSaver.Enabled,
		EnforceFsync: c.MessageSaver.EnforceFsync,
		Interval:     c.MessageSaver.Interval.Std(),
	}
}

func (c Config) MetricsConfig() metrics.Config {
	m := metrics.DefaultConfig()
	m.Enabled = c.Metrics.Enabled
	m.IncludeGoCollector = c.Metrics.IncludeGoCollector
	m.IncludeProcessCollector = c.Metrics.IncludeProcessCollector
	return m
}
