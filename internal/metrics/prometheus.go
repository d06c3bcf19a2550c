package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder implements Recorder backed by Prometheus counters/gauges.
type PromRecorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	connOpened       prometheus.Counter
	connClosed       prometheus.Counter
	connectedClients prometheus.Gauge
	handshakeFailed  prometheus.Counter
	templatesSent    prometheus.Counter
	solutions        *prometheus.CounterVec
	txDataRequests   prometheus.Counter
}

// NewPromRecorder creates a Prometheus-backed Recorder and exposes a
// handler for scraping. namespace defaults to "sv2tp" when empty.
func NewPromRecorder(namespace string) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "sv2tp"
	}
	reg := prometheus.NewRegistry()

	connOpened := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_opened_total", Help: "Total TCP connections accepted."})
	connClosed := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_closed_total", Help: "Total TCP connections closed."})
	connectedClients := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connected_clients", Help: "Currently connected clients."})
	handshakeFailed := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "handshake_failed_total", Help: "Noise handshakes that did not complete."})
	templatesSent := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "templates_sent_total", Help: "NewTemplate messages pushed to clients."})
	solutions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "solutions_submitted_total", Help: "Block solutions received, by outcome."}, []string{"status"})
	txDataRequests := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tx_data_requests_total", Help: "RequestTransactionData messages received."})

	collectors := []prometheus.Collector{connOpened, connClosed, connectedClients, handshakeFailed, templatesSent, solutions, txDataRequests}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PromRecorder{
		registry:         reg,
		handler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		connOpened:       connOpened,
		connClosed:       connClosed,
		connectedClients: connectedClients,
		handshakeFailed:  handshakeFailed,
		templatesSent:    templatesSent,
		solutions:        solutions,
		txDataRequests:   txDataRequests,
	}, nil
}

// Handler exposes the HTTP handler for scraping.
func (p *PromRecorder) Handler() http.Handler {
	return p.handler
}

func (p *PromRecorder) ConnOpened() {
	p.connOpened.Inc()
	p.connectedClients.Inc()
}

func (p *PromRecorder) ConnClosed() {
	p.connClosed.Inc()
	p.connectedClients.Dec()
}

func (p *PromRecorder) HandshakeFailed() { p.handshakeFailed.Inc() }
func (p *PromRecorder) TemplateSent()    { p.templatesSent.Inc() }

func (p *PromRecorder) SolutionSubmitted(status string) {
	p.solutions.WithLabelValues(status).Inc()
}

func (p *PromRecorder) TxDataRequest() { p.txDataRequests.Inc() }
