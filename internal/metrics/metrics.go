// Package metrics exposes clank's live operational counters via
// github.com/prometheus/client_golang, separate from the durable,
// Store-backed Metric entity the Processor records for retention and
// aggregation (spec.md §2 component H, added by this project's
// operability expansion).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gauge/counter the Supervisor and Processor
// touch. A zero Registry is not usable; build one with New.
type Registry struct {
	EventsProcessed  *prometheus.CounterVec
	FilterBlocks     *prometheus.CounterVec
	GeneratorCalls   *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	Emissions        *prometheus.CounterVec
	Aggregate        *prometheus.GaugeVec
	ChannelsJoined   prometheus.Gauge
	ReconnectAttempt prometheus.Counter
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer-wrapped registry in production.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clank_events_processed_total",
			Help: "Inbound events processed, by channel and kind.",
		}, []string{"channel", "kind"}),
		FilterBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clank_filter_blocks_total",
			Help: "Filter classifications that returned blocked, by channel and direction.",
		}, []string{"channel", "direction"}),
		GeneratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clank_generator_calls_total",
			Help: "Generator Client calls, by channel and result.",
		}, []string{"channel", "result"}),
		QueueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clank_queue_drops_total",
			Help: "Oldest-event drops under per-channel backpressure.",
		}, []string{"channel"}),
		Emissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clank_emissions_total",
			Help: "Successful chat emissions, by channel and trigger kind.",
		}, []string{"channel", "trigger"}),
		Aggregate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clank_aggregate_value",
			Help: "Store.Aggregate's windowed sum for a channel and metric kind, refreshed periodically.",
		}, []string{"channel", "kind"}),
		ChannelsJoined: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clank_channels_joined",
			Help: "Number of channels currently joined.",
		}),
		ReconnectAttempt: factory.NewCounter(prometheus.CounterOpts{
			Name: "clank_reconnect_attempts_total",
			Help: "Chat reconnection attempts since startup.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
