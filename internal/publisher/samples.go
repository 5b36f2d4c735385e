package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bus-journeys/internal/logging"
	"bus-journeys/internal/transit"
)

const lookupTimeout = 3 * time.Second

// ErrMissingAssignment is returned for a position message that names neither
// an assignment nor a trip.
var ErrMissingAssignment = errors.New("position message has no assignment id")

// PositionMessage is the vehicle position payload published by on-board
// units and the fleet simulator. AssignmentID wins over TripID when both are
// present.
type PositionMessage struct {
	AssignmentID string    `json:"assignmentId"`
	TripID       string    `json:"tripId"`
	RouteID      string    `json:"routeId"`
	Timestamp    time.Time `json:"timestamp"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Bearing      *float64  `json:"bearing"`
	SpeedMps     *float64  `json:"speedMps"`
}

// DecodePosition parses a position message into the assignment it belongs to
// and a location sample with speed in km/h.
func DecodePosition(data []byte) (string, transit.LocationSample, error) {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", transit.LocationSample{}, fmt.Errorf("decode position: %w", err)
	}
	id := strings.TrimSpace(msg.AssignmentID)
	if id == "" {
		id = strings.TrimSpace(msg.TripID)
	}
	if id == "" {
		return "", transit.LocationSample{}, ErrMissingAssignment
	}
	s := transit.LocationSample{
		Latitude:  msg.Lat,
		Longitude: msg.Lon,
		Heading:   msg.Bearing,
		Timestamp: msg.Timestamp,
	}
	if msg.SpeedMps != nil {
		kmh := *msg.SpeedMps * 3.6
		s.Speed = &kmh
	}
	return id, s, nil
}

// SampleSink is the tracker surface the subscriber feeds.
type SampleSink interface {
	Tracking(assignmentID string) bool
	Begin(ctx context.Context, a transit.Assignment) error
	Submit(assignmentID string, s transit.LocationSample) bool
}

// AssignmentLookup resolves an assignment that is not tracked yet.
type AssignmentLookup func(ctx context.Context, id string) (transit.Assignment, error)

// SampleSubscriber consumes vehicle positions from NATS and hands them to the
// tracker without blocking the NATS dispatcher.
type SampleSubscriber struct {
	ctx    context.Context
	sink   SampleSink
	lookup AssignmentLookup
	logger *slog.Logger
	sub    *nats.Subscription
}

func NewSampleSubscriber(ctx context.Context, sink SampleSink, lookup AssignmentLookup, logger *slog.Logger) *SampleSubscriber {
	return &SampleSubscriber{
		ctx:    ctx,
		sink:   sink,
		lookup: lookup,
		logger: logging.OrDefault(logger).With(slog.String("component", "samples")),
	}
}

// Subscribe starts consuming subject, which may contain wildcards.
func (s *SampleSubscriber) Subscribe(nc *nats.Conn, subject string) error {
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		s.handle(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("consuming vehicle positions", slog.String("subject", subject))
	return nil
}

func (s *SampleSubscriber) Unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// handle reports whether the sample was queued.
func (s *SampleSubscriber) handle(subject string, data []byte) bool {
	id, sample, err := DecodePosition(data)
	if err != nil {
		s.logger.Warn("ignoring position message",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return false
	}
	if !s.sink.Tracking(id) && s.lookup != nil {
		s.begin(id)
	}
	return s.sink.Submit(id, sample)
}

// begin starts tracking an active assignment seen on the wire for the first
// time. Unknown or inactive assignments are left to Submit to drop.
func (s *SampleSubscriber) begin(id string) {
	ctx, cancel := context.WithTimeout(s.ctx, lookupTimeout)
	defer cancel()
	a, err := s.lookup(ctx, id)
	if err != nil {
		s.logger.Debug("position for unknown assignment", slog.String("assignment_id", id), slog.String("error", err.Error()))
		return
	}
	if a.Status != transit.AssignmentActive {
		return
	}
	if err := s.sink.Begin(s.ctx, a); err != nil {
		logging.LogError(s.logger, "could not start tracking", err, slog.String("assignment_id", id))
	}
}
