package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the table server collectors. A nil *Metrics is valid and
// records nothing, so rooms built in tests need no registry.
type Metrics struct {
	rooms    prometheus.Gauge
	players  prometheus.Gauge
	batches  *prometheus.CounterVec
	resyncs  prometheus.Counter
	dropped  prometheus.Counter
	rejected *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "table", Name: "rooms",
			Help: "Rooms currently registered in the directory.",
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "table", Name: "players",
			Help: "Players connected across all rooms.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "table", Name: "update_batches_total",
			Help: "UPDATE batches processed by rooms, by outcome.",
		}, []string{"outcome"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "table", Name: "resyncs_total",
			Help: "Full snapshots broadcast after a unique field conflict.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "table", Name: "slow_members_dropped_total",
			Help: "Members dropped because their outbox was full.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "table", Name: "connections_rejected_total",
			Help: "Connections closed for protocol errors, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.rooms, m.players, m.batches, m.resyncs, m.dropped, m.rejected)
	return m
}

// Handler exposes the default gatherer at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor exposes a specific gatherer, for servers built on their own registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) PlayerJoined() {
	if m != nil {
		m.players.Inc()
	}
}

func (m *Metrics) PlayerLeft() {
	if m != nil {
		m.players.Dec()
	}
}

func (m *Metrics) BatchAccepted() {
	if m != nil {
		m.batches.WithLabelValues("accepted").Inc()
	}
}

// Resync counts a rejected batch and the snapshot it triggered.
func (m *Metrics) Resync() {
	if m != nil {
		m.batches.WithLabelValues("conflict").Inc()
		m.resyncs.Inc()
	}
}

func (m *Metrics) MemberDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
