// =============================================================================
// SERVER STATS - SNAPSHOT AND ENCODINGS
// =============================================================================
//
// ServerStats is a read-only snapshot assembled by the broker on GetStats.
// Cache metrics are keyed by cache.Key in memory and by the string
// "{stream}-{topic}-{partition}" on the wire:
//
//   {
//     "streams_count": 2,
//     ...
//     "cache_metrics": {
//       "1-1-1": {"hits": 10, "misses": 2, "hit_ratio": 0.8333}
//     }
//   }
//
// Host fields the process cannot determine carry "unknown_*" placeholders
// (see New) and server_semver is null when the version does not parse.
//
// Two encodings share one wire struct: JSON for the HTTP endpoint and the
// GetStats command, msgpack for compact binary consumers. Decoding skips
// keys that do not parse instead of failing the whole snapshot, and
// recomputes hit_ratio from the counters.
//
// =============================================================================

package stats

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack"

	"strata/internal/cache"
)

// Placeholders for host fields that could not be read.
const (
	UnknownHostname      = "unknown_hostname"
	UnknownOSName        = "unknown_os_name"
	UnknownOSVersion     = "unknown_os_version"
	UnknownKernelVersion = "unknown_kernel_version"
	UnknownServerVersion = "unknown_server_version"
)

// ServerStats describes the process and the data it holds.
type ServerStats struct {
	ProcessID     uint32
	Hostname      string
	OSName        string
	OSVersion     string
	KernelVersion string
	GoVersion     string
	Goroutines    int

	// Percentages. CPUUsage is this process, TotalCPUUsage the whole host.
	CPUUsage      float32
	TotalCPUUsage float32

	MemoryUsage     uint64
	TotalMemory     uint64
	AvailableMemory uint64

	// Bytes the process read from and wrote to storage devices.
	ReadBytes    uint64
	WrittenBytes uint64

	// Microseconds since the Unix epoch / since start.
	StartTime uint64
	RunTime   uint64

	StreamsCount      uint32
	TopicsCount       uint32
	PartitionsCount   uint32
	SegmentsCount     uint32
	MessagesCount     uint64
	MessagesSizeBytes uint64
	UnsavedMessages   uint64
	ClientsCount      uint32

	ConsumerGroupsCount uint32

	ServerVersion string
	// major*1000000 + minor*1000 + patch; zero when ServerVersion is not
	// a semantic version.
	ServerSemver  uint32

	CacheMetrics map[cache.Key]cache.Metrics
}

// New returns an empty snapshot with the unknown placeholders set.
func New() ServerStats {
	return ServerStats{
		Hostname:      UnknownHostname,
		OSName:        UnknownOSName,
		OSVersion:     UnknownOSVersion,
		KernelVersion: UnknownKernelVersion,
		ServerVersion: UnknownServerVersion,
	}
}

// Semver packs "major.minor.patch" into one number. A leading "v" and any
// pre-release or build suffix are ignored.
func Semver(version string) (uint32, bool) {
	version = strings.TrimPrefix(version, "v")
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, false
	}
	var packed uint32
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || v > 999 {
			return 0, false
		}
		packed = packed*1000 + uint32(v)
	}
	return packed, true
}

type wireCacheMetrics struct {
	Hits     uint64  `json:"hits" msgpack:"hits"`
	Misses   uint64  `json:"misses" msgpack:"misses"`
	HitRatio float32 `json:"hit_ratio" msgpack:"hit_ratio"`
}

type wireStats struct {
	ProcessID         uint32                      `json:"process_id" msgpack:"process_id"`
	Hostname          string                      `json:"hostname" msgpack:"hostname"`
	OSName            string                      `json:"os_name" msgpack:"os_name"`
	OSVersion         string                      `json:"os_version" msgpack:"os_version"`
	KernelVersion     string                      `json:"kernel_version" msgpack:"kernel_version"`
	GoVersion         string                      `json:"go_version" msgpack:"go_version"`
	Goroutines        int                         `json:"goroutines" msgpack:"goroutines"`
	CPUUsage          float32                     `json:"cpu_usage" msgpack:"cpu_usage"`
	TotalCPUUsage     float32                     `json:"total_cpu_usage" msgpack:"total_cpu_usage"`
	MemoryUsage       uint64                      `json:"memory_usage" msgpack:"memory_usage"`
	TotalMemory       uint64                      `json:"total_memory" msgpack:"total_memory"`
	AvailableMemory   uint64                      `json:"available_memory" msgpack:"available_memory"`
	ReadBytes         uint64                      `json:"read_bytes" msgpack:"read_bytes"`
	WrittenBytes      uint64                      `json:"written_bytes" msgpack:"written_bytes"`
	StartTime         uint64                      `json:"start_time" msgpack:"start_time"`
	RunTime           uint64                      `json:"run_time" msgpack:"run_time"`
	StreamsCount      uint32                      `json:"streams_count" msgpack:"streams_count"`
	TopicsCount       uint32                      `json:"topics_count" msgpack:"topics_count"`
	PartitionsCount   uint32                      `json:"partitions_count" msgpack:"partitions_count"`
	SegmentsCount     uint32                      `json:"segments_count" msgpack:"segments_count"`
	MessagesCount     uint64                      `json:"messages_count" msgpack:"messages_count"`
	MessagesSizeBytes uint64                      `json:"messages_size_bytes" msgpack:"messages_size_bytes"`
	UnsavedMessages   uint64                      `json:"unsaved_messages" msgpack:"unsaved_messages"`
	ClientsCount      uint32                      `json:"clients_count" msgpack:"clients_count"`
	ConsumerGroups    uint32                      `json:"consumer_groups_count" msgpack:"consumer_groups_count"`
	ServerVersion     string                      `json:"server_version" msgpack:"server_version"`
	ServerSemver      *uint32                     `json:"server_semver" msgpack:"server_semver"`
	CacheMetrics      map[string]wireCacheMetrics `json:"cache_metrics" msgpack:"cache_metrics"`
}

// FormatKey renders a partition key as "{stream}-{topic}-{partition}".
func FormatKey(k cache.Key) string {
	return k.String()
}

// ParseKey is the inverse of FormatKey.
func ParseKey(s string) (cache.Key, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return cache.Key{}, fmt.Errorf("stats: malformed cache key %q", s)
	}
	var ids [3]uint32
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return cache.Key{}, fmt.Errorf("stats: malformed cache key %q: %w", s, err)
		}
		ids[i] = uint32(v)
	}
	return cache.Key{StreamID: ids[0], TopicID: ids[1], PartitionID: ids[2]}, nil
}

func (s ServerStats) toWire() wireStats {
	w := wireStats{
		ProcessID:         s.ProcessID,
		Hostname:          s.Hostname,
		OSName:            s.OSName,
		OSVersion:         s.OSVersion,
		KernelVersion:     s.KernelVersion,
		GoVersion:         s.GoVersion,
		Goroutines:        s.Goroutines,
		CPUUsage:          s.CPUUsage,
		TotalCPUUsage:     s.TotalCPUUsage,
		MemoryUsage:       s.MemoryUsage,
		TotalMemory:       s.TotalMemory,
		AvailableMemory:   s.AvailableMemory,
		ReadBytes:         s.ReadBytes,
		WrittenBytes:      s.WrittenBytes,
		StartTime:         s.StartTime,
		RunTime:           s.RunTime,
		StreamsCount:      s.StreamsCount,
		TopicsCount:       s.TopicsCount,
		PartitionsCount:   s.PartitionsCount,
		SegmentsCount:     s.SegmentsCount,
		MessagesCount:     s.MessagesCount,
		MessagesSizeBytes: s.MessagesSizeBytes,
		UnsavedMessages:   s.UnsavedMessages,
		ClientsCount:      s.ClientsCount,
		ConsumerGroups:    s.ConsumerGroupsCount,
		ServerVersion:     s.ServerVersion,
		CacheMetrics:      make(map[string]wireCacheMetrics, len(s.CacheMetrics)),
	}
	if s.ServerSemver != 0 {
		semver := s.ServerSemver
		w.ServerSemver = &semver
	}
	for key, m := range s.CacheMetrics {
		w.CacheMetrics[FormatKey(key)] = wireCacheMetrics{
			Hits:     m.Hits,
			Misses:   m.Misses,
			HitRatio: m.HitRatio(),
		}
	}
	return w
}

func fromWire(w wireStats) ServerStats {
	s := ServerStats{
		ProcessID:         w.ProcessID,
		Hostname:          w.Hostname,
		OSName:            w.OSName,
		OSVersion:         w.OSVersion,
		KernelVersion:     w.KernelVersion,
		GoVersion:         w.GoVersion,
		Goroutines:        w.Goroutines,
		CPUUsage:          w.CPUUsage,
		TotalCPUUsage:     w.TotalCPUUsage,
		MemoryUsage:       w.MemoryUsage,
		TotalMemory:       w.TotalMemory,
		AvailableMemory:   w.AvailableMemory,
		ReadBytes:         w.ReadBytes,
		WrittenBytes:      w.WrittenBytes,
		StartTime:         w.StartTime,
		RunTime:           w.RunTime,
		StreamsCount:      w.StreamsCount,
		TopicsCount:       w.TopicsCount,
		PartitionsCount:   w.PartitionsCount,
		SegmentsCount:     w.SegmentsCount,
		MessagesCount:     w.MessagesCount,
		MessagesSizeBytes: w.MessagesSizeBytes,
		UnsavedMessages:   w.UnsavedMessages,
		ClientsCount:      w.ClientsCount,
		ServerVersion:     w.ServerVersion,
		CacheMetrics:      make(map[cache.Key]cache.Metrics, len(w.CacheMetrics)),
	}
	s.ConsumerGroupsCount = w.ConsumerGroups
	if w.ServerSemver != nil {
		s.ServerSemver = *w.ServerSemver
	}
	for raw, m := range w.CacheMetrics {
		key, err := ParseKey(raw)
		if err != nil {
			continue
		}
		s.CacheMetrics[key] = cache.Metrics{Hits: m.Hits, Misses: m.Misses}
	}
	return s
}

// MarshalJSON implements json.Marshaler.
func (s ServerStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toWire())
}

// defaultWire seeds decoding so absent host fields read as unknown.
func defaultWire() wireStats {
	d := New()
	return wireStats{
		Hostname:      d.Hostname,
		OSName:        d.OSName,
		OSVersion:     d.OSVersion,
		KernelVersion: d.KernelVersion,
		ServerVersion: d.ServerVersion,
	}
}

// UnmarshalJSON implements json.Unmarshaler. Malformed cache keys are
// skipped.
func (s *ServerStats) UnmarshalJSON(data []byte) error {
	w := defaultWire()
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = fromWire(w)
	return nil
}

// MarshalBinary encodes the snapshot with msgpack.
func (s ServerStats) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(s.toWire())
}

// UnmarshalBinary decodes a msgpack snapshot. Malformed cache keys are
// skipped.
func (s *ServerStats) UnmarshalBinary(data []byte) error {
	w := defaultWire()
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("stats: decode msgpack: %w", err)
	}
	*s = fromWire(w)
	return nil
}
