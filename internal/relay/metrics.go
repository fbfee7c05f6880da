package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates relay metrics for Prometheus scraping. It covers
// the polling backend, the socket hub, and client-reported telemetry
// arriving on the POST /metrics sink.
type Collector struct {
	roomsCreated     prometheus.Counter
	roomsJoined      prometheus.Counter
	signalsStored    *prometheus.CounterVec
	duplicateSignals prometheus.Counter
	pollRequests     prometheus.Counter
	relayPayloads    prometheus.Counter
	telemetryEvents  *prometheus.CounterVec

	socketClients   prometheus.Gauge
	socketForwarded *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers the relay metrics with reg and returns them.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	// Scrapes must read the same registry the metrics landed in.
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	return &Collector{
		gatherer: gatherer,
		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		roomsJoined: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rooms_joined_total",
			Help: "Total number of successful room joins",
		}),
		signalsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_signals_stored_total",
				Help: "Total signaling messages appended to room logs",
			},
			[]string{"type"},
		),
		duplicateSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_signals_duplicate_total",
			Help: "Total signaling messages rejected as duplicates",
		}),
		pollRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_poll_requests_total",
			Help: "Total poll requests served",
		}),
		relayPayloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_payloads_total",
			Help: "Total gameplay payloads forwarded through the edge relay",
		}),
		telemetryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_client_events_total",
				Help: "Client-reported telemetry events",
			},
			[]string{"event"},
		),
		socketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_socket_clients",
			Help: "Number of connected socket-hub clients",
		}),
		socketForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_socket_messages_forwarded_total",
				Help: "Messages forwarded between socket-hub peers",
			},
			[]string{"type"},
		),
	}
}

// ClientConnected records a socket-hub client attach.
func (c *Collector) ClientConnected() { c.socketClients.Inc() }

// ClientDisconnected records a socket-hub client detach.
func (c *Collector) ClientDisconnected() { c.socketClients.Dec() }

// MessageForwarded records a hub fan-out of one message.
func (c *Collector) MessageForwarded(msgType string) {
	c.socketForwarded.WithLabelValues(msgType).Inc()
}

// Handler returns the Prometheus scrape handler for the registry the
// collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
