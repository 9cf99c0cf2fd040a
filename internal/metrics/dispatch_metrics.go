package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"strata/internal/protocol"
)

// DispatchMetrics describes the command pipeline.
type DispatchMetrics struct {
	// Commands counts executed commands by name and status, where status is
	// "ok" or the protocol error name.
	Commands *prometheus.CounterVec

	// CommandLatency is execution time on the shard, excluding queueing.
	CommandLatency *prometheus.HistogramVec

	// QueueDepth is the number of envelopes waiting on each shard, sampled
	// whenever the shard takes one off its channel.
	QueueDepth *prometheus.GaugeVec
}

func newDispatchMetrics(r *Registry) *DispatchMetrics {
	m := &DispatchMetrics{}

	m.Commands = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Total number of executed commands",
		},
		[]string{"command", "status"},
	)
	m.CommandLatency = r.newHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command on its shard",
		},
		[]string{"command"},
	)
	m.QueueDepth = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Envelopes waiting on a shard channel",
		},
		[]string{"shard"},
	)
	return m
}

// RecordCommand records one executed command.
func (m *DispatchMetrics) RecordCommand(command string, _ int, duration time.Duration, err error) {
	m.Commands.WithLabelValues(command, protocol.StatusName(err)).Inc()
	m.CommandLatency.WithLabelValues(command).Observe(duration.Seconds())
}

// SetQueueDepth sets the sampled depth of one shard.
func (m *DispatchMetrics) SetQueueDepth(shard int, depth int) {
	m.QueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}
