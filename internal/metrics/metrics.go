package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Bookings        *prometheus.CounterVec // outcome label: ok|invalid|conflict|persistence_failed|timeout|not_found
	TicketsIssued   prometheus.Counter
	TicketStatus    *prometheus.CounterVec // status label: cancelled|boarded|approved|completed
	Compensations   prometheus.Counter
	BookingDuration prometheus.Histogram
	SeatsHeld       prometheus.Gauge

	ActiveJourneys   prometheus.Gauge
	SamplesReceived  prometheus.Counter
	SamplesApplied   prometheus.Counter
	SamplesDropped   *prometheus.CounterVec // reason label: queue_full|stale|invalid|unknown_assignment
	MilestonesRaised *prometheus.CounterVec // milestone label
	NotifyErrors     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	BookingTimeout prometheus.Gauge // seconds
	DefaultSpeed   prometheus.Gauge // km/h
}

func NewCollector(bookingTimeout time.Duration, defaultSpeedKmh float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeys_bookings_total",
			Help: "Booking attempts by outcome.",
		}, []string{"outcome"}),
		TicketsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_tickets_issued_total",
			Help: "Total tickets issued.",
		}),
		TicketStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeys_ticket_transitions_total",
			Help: "Ticket status transitions by target status.",
		}, []string{"status"}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_booking_compensations_total",
			Help: "Reservations released after a failed or timed out persistence step.",
		}),
		BookingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "journeys_booking_duration_seconds",
			Help:    "Duration of booking transactions.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SeatsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeys_seats_held",
			Help: "Seats currently reserved across all open inventories.",
		}),
		ActiveJourneys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeys_active_tracked",
			Help: "Assignments currently tracked.",
		}),
		SamplesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_samples_received_total",
			Help: "Location samples submitted for tracking.",
		}),
		SamplesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_samples_applied_total",
			Help: "Location samples that updated a progress state.",
		}),
		SamplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeys_samples_dropped_total",
			Help: "Location samples dropped by reason.",
		}, []string{"reason"}),
		MilestonesRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "journeys_milestones_raised_total",
			Help: "Milestone events raised.",
		}, []string{"milestone"}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_notify_errors_total",
			Help: "Milestone deliveries that failed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journeys_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeys_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "journeys_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		BookingTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeys_booking_timeout_seconds",
			Help: "Configured bound on the booking persistence step.",
		}),
		DefaultSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "journeys_default_speed_kmh",
			Help: "Fallback speed used for ETA.",
		}),
	}

	reg.MustRegister(
		c.Bookings, c.TicketsIssued, c.TicketStatus, c.Compensations, c.BookingDuration, c.SeatsHeld,
		c.ActiveJourneys, c.SamplesReceived, c.SamplesApplied, c.SamplesDropped, c.MilestonesRaised, c.NotifyErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.BookingTimeout, c.DefaultSpeed,
	)

	c.BookingTimeout.Set(bookingTimeout.Seconds())
	c.DefaultSpeed.Set(defaultSpeedKmh)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}

// The adapters below let packages report metrics through small interfaces
// without importing prometheus. A nil *Collector is valid and records nothing.

func (c *Collector) BookingOutcome(outcome string, d time.Duration, tickets int) {
	if c == nil {
		return
	}
	c.Bookings.WithLabelValues(outcome).Inc()
	c.BookingDuration.Observe(d.Seconds())
	c.TicketsIssued.Add(float64(tickets))
}

func (c *Collector) TicketTransition(status string) {
	if c == nil {
		return
	}
	c.TicketStatus.WithLabelValues(status).Inc()
}

func (c *Collector) Compensated() {
	if c == nil {
		return
	}
	c.Compensations.Inc()
}

func (c *Collector) SetSeatsHeld(n int) {
	if c == nil {
		return
	}
	c.SeatsHeld.Set(float64(n))
}

func (c *Collector) SetActiveJourneys(n int) {
	if c == nil {
		return
	}
	c.ActiveJourneys.Set(float64(n))
}

func (c *Collector) SampleReceived() {
	if c == nil {
		return
	}
	c.SamplesReceived.Inc()
}

func (c *Collector) SampleApplied() {
	if c == nil {
		return
	}
	c.SamplesApplied.Inc()
}

func (c *Collector) SampleDropped(reason string) {
	if c == nil {
		return
	}
	c.SamplesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) MilestoneRaised(milestone string) {
	if c == nil {
		return
	}
	c.MilestonesRaised.WithLabelValues(milestone).Inc()
}

func (c *Collector) NotifyFailed() {
	if c == nil {
		return
	}
	c.NotifyErrors.Inc()
}

func (c *Collector) NATSPublishedInc() {
	if c == nil {
		return
	}
	c.NATSPublished.Inc()
}

func (c *Collector) NATSPublishErrInc() {
	if c == nil {
		return
	}
	c.NATSPublishErrs.Inc()
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c == nil {
		return
	}
	c.PublishDuration.Observe(d.Seconds())
}

func (c *Collector) NATSSetConnected(b bool) {
	if c == nil {
		return
	}
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
