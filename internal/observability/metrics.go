package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the hub.
type Metrics struct {
	ConnectedClients  prometheus.Gauge
	BroadcastMessages *prometheus.CounterVec
	ReplayedPayloads  prometheus.Counter
	FrameErrors       *prometheus.CounterVec
	SayRequests       *prometheus.CounterVec
	AdmissionDenials  *prometheus.CounterVec
	WorkerMessages    *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of live websocket connections.",
		}),
		BroadcastMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Broadcast payloads by message type.",
		}, []string{"type"}),
		ReplayedPayloads: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_payloads_total",
			Help:      "Cached payloads replayed to newly connected sockets.",
		}),
		FrameErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Inbound frame problems by kind.",
		}, []string{"kind"}),
		SayRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "say_requests_total",
			Help:      "Say requests by outcome.",
		}, []string{"outcome"}),
		AdmissionDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Gate denials by reason.",
		}, []string{"reason"}),
		WorkerMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Synthesis worker feedback messages by type.",
		}, []string{"type"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
