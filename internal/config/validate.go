package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"strata/internal/storage"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// Validation accumulates every problem instead of stopping at the first one,
// so an operator fixes the whole file in one pass:
//
//   configuration validation failed:
//     1. tcp.address: invalid: must be host:port format: ...
//     2. dispatch.shards: must be >= 1, got 0
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks every section and returns a *ValidationError listing all
// problems, or nil.
func (c Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir: must not be empty")
	} else {
		errs = append(errs, validateDataDir(c.DataDir)...)
	}

	errs = append(errs, validateListener("tcp", c.TCP)...)
	errs = append(errs, validateListener("http", c.HTTP)...)

	if c.MessageSaver.Enabled && c.MessageSaver.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("message_saver.interval: must be > 0 when enabled, got %s", c.MessageSaver.Interval.Std()))
	}
	if c.Partition.MessagesRequiredToSave < 0 {
		errs = append(errs, fmt.Sprintf("partition.messages_required_to_save: must be >= 0, got %d", c.Partition.MessagesRequiredToSave))
	}
	if c.Segment.Size == 0 && c.Segment.Messages == 0 {
		errs = append(errs, "segment: size and messages cannot both be 0, segments would never roll over")
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Sprintf("cache.capacity: must be >= 0, got %d", c.Cache.Capacity))
	}
	if c.Dispatch.Shards < 1 {
		errs = append(errs, fmt.Sprintf("dispatch.shards: must be >= 1, got %d", c.Dispatch.Shards))
	}
	if c.Dispatch.ChannelCapacity < 0 {
		errs = append(errs, fmt.Sprintf("dispatch.channel_capacity: must be >= 0, got %d", c.Dispatch.ChannelCapacity))
	}
	if _, err := storage.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("compression: %v", err))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level: %v", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateListener(name string, l ListenerConfig) []string {
	if !l.Enabled {
		return nil
	}
	if l.Address == "" {
		return []string{fmt.Sprintf("%s.address: must not be empty when enabled", name)}
	}
	if err := validateAddress(l.Address); err != nil {
		return []string{fmt.Sprintf("%s.address: invalid: %v", name, err)}
	}
	return nil
}

// validateDataDir accepts an existing directory, or a missing one whose
// parent exists.
func validateDataDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("data_dir: cannot resolve path %q: %v", dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("data_dir: %q exists but is not a directory", absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("data_dir: cannot access %q: %v", absDir, err))
		return errs
	}

	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("data_dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}

	return errs
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}

