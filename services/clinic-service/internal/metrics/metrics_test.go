package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDBMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDBMetrics(reg, "mongo")

	m.ConnectAttempt(nil, 120*time.Millisecond)
	m.ConnectAttempt(errors.New("timeout"), 15*time.Second)
	m.ProbeFailure()
	m.Disconnected()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects))
	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBookingMetrics(t *testing.T) {
	m := NewBookingMetrics(prometheus.NewRegistry())
	m.ObserveBooking("created")
	m.ObserveBooking("conflict")
	m.ObserveBooking("conflict")
	m.ObserveTransition("cancelled")
	m.ObservePublishFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookings.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventFailures))
}

func TestMessagingMetrics(t *testing.T) {
	m := NewMessagingMetrics(prometheus.NewRegistry())
	m.ObserveSent("patient")
	m.ObserveSent("patient")
	m.ObserveSent("doctor")
	m.ObservePublishFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("patient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent.WithLabelValues("doctor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventFailures))
}

type feed struct{}

func (feed) Subscribers() int { return 3 }
func (feed) Dropped() uint64  { return 7 }

func TestRegisterFeed(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterFeed(reg, feed{})
	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetricsNilSafe(t *testing.T) {
	var db *DBMetrics
	db.ConnectAttempt(nil, time.Second)
	db.ProbeFailure()
	db.Disconnected()

	var b *BookingMetrics
	b.ObserveBooking("created")
	b.ObserveTransition("completed")
	b.ObservePublishFailure()

	var msg *MessagingMetrics
	msg.ObserveSent("doctor")
	msg.ObservePublishFailure()
}
