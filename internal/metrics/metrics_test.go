package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSender(reg)

	m.PacketsSent.Add(3)
	m.Retransmitted.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PacketsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retransmitted))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestReceiverDiscardReasons(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReceiver(reg)

	m.PacketsDiscarded.WithLabelValues(ReasonStale).Inc()
	m.PacketsDiscarded.WithLabelValues(ReasonStale).Inc()
	m.PacketsDiscarded.WithLabelValues(ReasonLate).Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PacketsDiscarded.WithLabelValues(ReasonStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDiscarded.WithLabelValues(ReasonLate)))
}

func TestUnregisteredMetricsAreIndependent(t *testing.T) {
	// nil registerer must allow several instances in one process
	a := NewReceiver(nil)
	b := NewReceiver(nil)

	a.FramesEmitted.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FramesEmitted))
}
