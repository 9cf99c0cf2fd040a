package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strata/internal/cache"
	"strata/internal/stats"
)

// SnapshotSource produces the same snapshot GetStats returns.
// *dispatch.Pipeline implements it.
type SnapshotSource interface {
	Stats(ctx context.Context) (stats.ServerStats, error)
}

// snapshotTimeout bounds how long a scrape waits behind queued commands.
const snapshotTimeout = 5 * time.Second

// =============================================================================
// SNAPSHOT COLLECTOR
// =============================================================================

type snapshotCollector struct {
	source SnapshotSource

	streams           *prometheus.Desc
	topics            *prometheus.Desc
	partitions        *prometheus.Desc
	segments          *prometheus.Desc
	messages          *prometheus.Desc
	messagesSizeBytes *prometheus.Desc
	unsavedMessages   *prometheus.Desc
	clients           *prometheus.Desc
}

func newSnapshotCollector(namespace string, source SnapshotSource) *snapshotCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", name), help, nil, nil)
	}
	return &snapshotCollector{
		source:            source,
		streams:           desc("streams", "Number of streams"),
		topics:            desc("topics", "Number of topics"),
		partitions:        desc("partitions", "Number of partitions"),
		segments:          desc("segments", "Number of segment files"),
		messages:          desc("messages", "Messages held across all partitions, unsaved included"),
		messagesSizeBytes: desc("messages_size_bytes", "Bytes held across all partitions"),
		unsavedMessages:   desc("unsaved_messages", "Messages waiting in unsaved buffers"),
		clients:           desc("clients", "Connected clients"),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streams
	ch <- c.topics
	ch <- c.partitions
	ch <- c.segments
	ch <- c.messages
	ch <- c.messagesSizeBytes
	ch <- c.unsavedMessages
	ch <- c.clients
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	st, err := c.source.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.streams, err)
		return
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.streams, float64(st.StreamsCount))
	gauge(c.topics, float64(st.TopicsCount))
	gauge(c.partitions, float64(st.PartitionsCount))
	gauge(c.segments, float64(st.SegmentsCount))
	gauge(c.messages, float64(st.MessagesCount))
	gauge(c.messagesSizeBytes, float64(st.MessagesSizeBytes))
	gauge(c.unsavedMessages, float64(st.UnsavedMessages))
	gauge(c.clients, float64(st.ClientsCount))
}

// =============================================================================
// CACHE COLLECTOR
// =============================================================================

type cacheCollector struct {
	cache *cache.Cache

	entries   *prometheus.Desc
	capacity  *prometheus.Desc
	evictions *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
}

func newCacheCollector(namespace string, c *cache.Cache) *cacheCollector {
	partition := []string{"stream", "topic", "partition"}
	return &cacheCollector{
		cache: c,
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "entries"),
			"Messages currently cached", nil, nil),
		capacity: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "capacity"),
			"Configured cache capacity in messages", nil, nil),
		evictions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "evictions_total"),
			"Messages evicted to stay within capacity", nil, nil),
		hits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Cache lookups served from memory", partition, nil),
		misses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Cache lookups that went to the log", partition, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.capacity
	ch <- c.evictions
	ch <- c.hits
	ch <- c.misses
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.cache.Len()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.cache.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(c.cache.Evictions()))

	for key, m := range c.cache.Snapshot() {
		labels := []string{
			strconv.FormatUint(uint64(key.StreamID), 10),
			strconv.FormatUint(uint64(key.TopicID), 10),
			strconv.FormatUint(uint64(key.PartitionID), 10),
		}
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), labels...)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), labels...)
	}
}
