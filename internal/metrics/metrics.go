// =============================================================================
// PROMETHEUS METRICS - REGISTRY
// =============================================================================
//
// The broker exposes three kinds of metrics:
//
//   ┌─────────────────────────────────────────────────────────────────────────┐
//   │                                                                         │
//   │   EVENTS (pushed by observers)        SNAPSHOTS (pulled at scrape)      │
//   │   ─────────────────────────           ────────────────────────────      │
//   │   broker:   messages sent / polled    streams, topics, partitions       │
//   │   storage:  saves, save latency       segments, messages, unsaved       │
//   │   dispatch: commands, latency, depth  cache hits / misses / size        │
//   │                                                                         │
//   │   RUNTIME (optional)                                                    │
//   │   go_* and process_* collectors                                         │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// Event metrics are recorded through the broker.Observer and dispatch.Observer
// interfaces, both implemented by *Registry. Snapshot metrics are collected
// from the live broker on every scrape so they never drift from GetStats.
//
// Everything lives in a private prometheus.Registry rather than the global
// default one, so tests can build as many registries as they like.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strata/internal/cache"
)

// Registry owns every strata metric.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Broker   *BrokerMetrics
	Storage  *StorageMetrics
	Dispatch *DispatchMetrics
}

// Config controls what the registry collects.
type Config struct {
	// Enabled turns metrics collection on/off. When disabled every
	// observer method is a no-op and the handler serves a placeholder.
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// IncludePartitionLabel adds a partition label to per-topic metrics.
	// Cardinality grows with the partition count.
	IncludePartitionLabel bool

	IncludeGoCollector      bool
	IncludeProcessCollector bool

	// HistogramBuckets for latency measurements, in seconds.
	HistogramBuckets []float64
}

// DefaultConfig returns the configuration used by the server.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "strata",
		IncludePartitionLabel:   false,
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.0001, // 100µs - in-memory appends and cached polls
			0.0005,
			0.001,
			0.005,
			0.01,
			0.025,
			0.05,
			0.1,
			0.25,
			0.5,
			1,
			2.5, // fsync of a large batch
			5,
		},
	}
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// NewRegistry creates a registry. A nil logger uses slog.Default().
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Broker = newBrokerMetrics(r)
	r.Storage = newStorageMetrics(r)
	r.Dispatch = newDispatchMetrics(r)

	logger.Info("metrics registry initialized",
		"namespace", config.Namespace,
		"include_partition_label", config.IncludePartitionLabel,
	)
	return r
}

// RegisterSnapshot collects broker-wide gauges from source on every scrape.
func (r *Registry) RegisterSnapshot(source SnapshotSource) {
	if !r.enabled {
		return
	}
	r.promRegistry.MustRegister(newSnapshotCollector(r.config.Namespace, source))
}

// RegisterCache collects size and eviction gauges from c on every scrape.
func (r *Registry) RegisterCache(c *cache.Cache) {
	if !r.enabled {
		return
	}
	r.promRegistry.MustRegister(newCacheCollector(r.config.Namespace, c))
}

// =============================================================================
// HTTP EXPOSITION
// =============================================================================

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to promhttp.Logger.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (r *Registry) Enabled() bool {
	return r.enabled
}

func (r *Registry) Config() Config {
	return r.config
}

// PrometheusRegistry exposes the underlying registry for tests and for
// callers that gather directly.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC HELPERS
// =============================================================================

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogram := prometheus.NewHistogram(opts)
	r.promRegistry.MustRegister(histogram)
	return histogram
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// topicLabels returns the label names used by per-topic metrics.
func (r *Registry) topicLabels() []string {
	if r.config.IncludePartitionLabel {
		return []string{"stream", "topic", "partition"}
	}
	return []string{"stream", "topic"}
}

// =============================================================================
// OBSERVER IMPLEMENTATIONS
// =============================================================================

// MessagesAppended implements broker.Observer.
func (r *Registry) MessagesAppended(key cache.Key, count int, bytes int) {
	if !r.enabled {
		return
	}
	r.Broker.RecordSend(r.labelValues(key), count, bytes)
}

// MessagesPolled implements broker.Observer.
func (r *Registry) MessagesPolled(key cache.Key, count int) {
	if !r.enabled {
		return
	}
	r.Broker.RecordPoll(r.labelValues(key), count)
}

// MessagesPersisted implements broker.Observer.
func (r *Registry) MessagesPersisted(count int, duration time.Duration, err error) {
	if !r.enabled {
		return
	}
	r.Storage.RecordSave(count, duration, err)
}

// CommandExecuted implements dispatch.Observer.
func (r *Registry) CommandExecuted(command string, shard int, duration time.Duration, err error) {
	if !r.enabled {
		return
	}
	r.Dispatch.RecordCommand(command, shard, duration, err)
}

// QueueDepth implements dispatch.Observer.
func (r *Registry) QueueDepth(shard int, depth int) {
	if !r.enabled {
		return
	}
	r.Dispatch.SetQueueDepth(shard, depth)
}
