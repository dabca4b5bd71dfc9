package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for the engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	notifications  prometheus.Counter
	programs       prometheus.Counter
	drains         *prometheus.CounterVec
	entries        prometheus.Counter
	decodeErrors   prometheus.Counter
	slots          *prometheus.GaugeVec
	queueDepth     prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the peripheral",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Total number of frames received from the peripheral",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames no consumer claimed",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "router",
			Name:      "notifications_total",
			Help:      "Total number of notifications queued to subscribers",
		}),
		programs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "programmer",
			Name:      "programs_uploaded_total",
			Help:      "Total number of trigger programs uploaded",
		}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "log",
			Name:      "drains_total",
			Help:      "Log drains by terminal state",
		}, []string{"result"}),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "log",
			Name:      "entries_decoded_total",
			Help:      "Total number of log entries decoded",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorlink",
			Subsystem: "log",
			Name:      "decode_errors_total",
			Help:      "Total number of log entries skipped as undecodable",
		}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "peer",
			Name:      "slots_in_use",
			Help:      "Peer table slots in use",
		}, []string{"table"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensorlink",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Commands waiting for the peer pipeline",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.framesSent, m.framesReceived, m.framesDropped, m.notifications, m.programs,
		m.drains, m.entries, m.decodeErrors, m.slots, m.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) notified() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *Metrics) programmed() {
	if m != nil {
		m.programs.Inc()
	}
}

func (m *Metrics) drained(result string, entries, decodeErrors int) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(result).Inc()
	m.entries.Add(float64(entries))
	m.decodeErrors.Add(float64(decodeErrors))
}

func (m *Metrics) slotsInUse(table string, n int) {
	if m != nil {
		m.slots.WithLabelValues(table).Set(float64(n))
	}
}

func (m *Metrics) queued(delta float64) {
	if m != nil {
		m.queueDepth.Add(delta)
	}
}
