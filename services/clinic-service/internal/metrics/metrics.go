package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinic"

// DBMetrics implements dbguard.Observer.
type DBMetrics struct {
	connectTotal    *prometheus.CounterVec
	connectDuration prometheus.Histogram
	probeFailures   prometheus.Counter
	disconnects     prometheus.Counter
}

func NewDBMetrics(reg prometheus.Registerer, db string) *DBMetrics {
	labels := prometheus.Labels{"db": db}
	m := &DBMetrics{
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "db",
			Name:        "connect_attempts_total",
			Help:        "Database connect attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "db",
			Name:        "connect_duration_seconds",
			Help:        "Time spent establishing a database connection",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "db",
			Name:        "probe_failures_total",
			Help:        "Liveness pings that failed on a connection believed healthy",
			ConstLabels: labels,
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "db",
			Name:        "disconnects_total",
			Help:        "Disconnects reported by the driver",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connectTotal, m.connectDuration, m.probeFailures, m.disconnects)
	return m
}

func (m *DBMetrics) ConnectAttempt(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectTotal.WithLabelValues(result).Inc()
	m.connectDuration.Observe(elapsed.Seconds())
}

func (m *DBMetrics) ProbeFailure() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

func (m *DBMetrics) Disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

// BookingMetrics counts booking outcomes and status changes.
type BookingMetrics struct {
	bookings      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	eventFailures prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Booking requests by outcome",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "status_changes_total",
			Help:      "Appointment status changes by target status",
		}, []string{"status"}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "event_publish_failures_total",
			Help:      "Activity events that could not be published",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.transitions, m.eventFailures)
	return m
}

// ObserveBooking records one Book call. result is created, conflict, invalid or error.
func (m *BookingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *BookingMetrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.eventFailures.Inc()
}

// MessagingMetrics counts chat messages by sender role.
type MessagingMetrics struct {
	sent          *prometheus.CounterVec
	eventFailures prometheus.Counter
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "messages_sent_total",
			Help:      "Chat messages stored by sender role",
		}, []string{"role"}),
		eventFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "event_publish_failures_total",
			Help:      "message.created events that could not be published",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sent, m.eventFailures)
	return m
}

func (m *MessagingMetrics) ObserveSent(role string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(role).Inc()
}

func (m *MessagingMetrics) ObservePublishFailure() {
	if m == nil {
		return
	}
	m.eventFailures.Inc()
}

// FeedSource is the slice of activity.Hub the feed gauges read.
type FeedSource interface {
	Subscribers() int
	Dropped() uint64
}

func RegisterFeed(reg prometheus.Registerer, src FeedSource) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "subscribers",
			Help:      "Connected activity stream clients",
		}, func() float64 { return float64(src.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "dropped_events_total",
			Help:      "Events not delivered to slow activity stream clients",
		}, func() float64 { return float64(src.Dropped()) }),
	)
}
