package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RoomOpened()
		m.PlayerJoined()
		m.BatchAccepted()
		m.Resync()
		m.MemberDropped()
		m.ConnectionRejected("protocol")
		m.PlayerLeft()
		m.RoomClosed()
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.PlayerJoined()
	m.BatchAccepted()
	m.BatchAccepted()
	m.Resync()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.players))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resyncs))
}
