// Package metrics defines prometheus metric types for the bus client.
//
// When adding instrumentation, these are helpful values to track:
//   - messages and bytes entering or leaving a connection.
//   - the success or error status of dispatched calls.
//   - the distribution of call round-trip latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessageRxTotal counts received messages by message type.
	MessageRxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbucket_message_rx_total",
			Help: "Messages received, by message type.",
		}, []string{"type"})

	// MessageTxTotal counts sent messages by message type.
	MessageTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbucket_message_tx_total",
			Help: "Messages sent, by message type.",
		}, []string{"type"})

	// DroppedSignalTotal counts signals dropped because a subscriber
	// queue was full.  Each drop also arms that queue's overflow mark.
	DroppedSignalTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbucket_dropped_signal_total",
			Help: "Signals dropped on full subscriber queues.",
		})

	// DispatchErrorTotal counts inbound method calls answered with an
	// error, by D-Bus error name.
	DispatchErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbucket_dispatch_error_total",
			Help: "Inbound calls answered with an error, by error name.",
		}, []string{"name"})

	// PendingCalls tracks method calls awaiting a reply.
	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbucket_pending_calls",
			Help: "Outstanding method calls awaiting replies.",
		})

	// CallTimeHistogram tracks method call round-trip latency.
	CallTimeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dbucket_call_time_histogram",
			Help: "Method call round trip latency distribution (seconds)",
			Buckets: []float64{
				0.0001, 0.000125, 0.00016, 0.0002, 0.00025, 0.00032, 0.0004, 0.0005, 0.00063, 0.00079,
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1, 0.125, 0.16, 0.2,
			},
		})

	// ConnectTotal counts successful bus attachments, by mechanism.
	ConnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbucket_connect_total",
			Help: "Successful bus attachments, by auth mechanism.",
		}, []string{"mechanism"})

	// ReconnectTotal counts reconnection attempts by the persistent
	// wrapper.
	ReconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbucket_reconnect_total",
			Help: "Reconnect attempts by the persistent wrapper, by outcome.",
		}, []string{"status"})
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are
// auto-registered, which means they are registered as soon as this
// package is loaded, and the exact time this occurs (and whether this
// occurs at all in a given context) can be opaque.
func init() {
	log.Println("Prometheus metrics in dbucket.metrics are registered.")
}
