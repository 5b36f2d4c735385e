// Package tracking turns a vehicle's location samples into journey progress,
// an ETA and one-shot milestone events.
//
// Every tracked assignment has its own state and its own goroutine draining
// a bounded sample queue, so streams of different assignments never wait on
// each other. Progress is a view over the route's end points and the latest
// applied sample; the only sticky state is the milestone watermark.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"bus-journeys/internal/geo"
	"bus-journeys/internal/logging"
	"bus-journeys/internal/transit"
)

var (
	ErrAssignmentNotFound = errors.New("assignment is not tracked")
	ErrRouteDegenerate    = errors.New("route has fewer than two stops")
	ErrInvalidPosition    = errors.New("invalid position")
)

const notifyTimeout = 2 * time.Second

// ordered milestones in rank order; Arriving shares the 90% threshold and
// ranks above Milestone90.
var ordered = []struct {
	milestone transit.Milestone
	percent   float64
}{
	{transit.Milestone25, 25},
	{transit.Milestone50, 50},
	{transit.Milestone75, 75},
	{transit.Milestone90, 90},
	{transit.Arriving, 90},
}

type Event struct {
	AssignmentID    string            `json:"assignmentId"`
	Milestone       transit.Milestone `json:"milestone"`
	TicketID        string            `json:"ticketId,omitempty"`
	ProgressPercent float64           `json:"progressPercent"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Notifier delivers milestone events out of band. Its failures never affect
// tracking state.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type Metrics interface {
	SampleReceived()
	SampleApplied()
	SampleDropped(reason string)
	MilestoneRaised(milestone string)
	NotifyFailed()
	SetActiveJourneys(n int)
}

type Config struct {
	DefaultSpeedKmh  float64
	ApproachRadiusKm float64
	Buffer           int // per-assignment sample queue depth
}

type Tracker struct {
	cfg      Config
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	journeys map[string]*journey
	wg       sync.WaitGroup
}

type watcher struct {
	position geo.Point
	raised   bool
}

type journey struct {
	id          string
	destination geo.Point
	totalKm     float64
	samples     chan transit.LocationSample
	cancel      context.CancelFunc

	mu          sync.Mutex
	state       transit.ProgressState
	lastDevice  time.Time // newest device timestamp applied; receipt time never counts
	watermark   int // index into ordered of the highest milestone raised, -1 before any
	watchers    map[string]*watcher
}

func NewTracker(cfg Config, notifier Notifier, metrics Metrics, logger *slog.Logger) *Tracker {
	if cfg.DefaultSpeedKmh <= 0 {
		cfg.DefaultSpeedKmh = geo.DefaultSpeedKmh
	}
	if cfg.ApproachRadiusKm <= 0 {
		cfg.ApproachRadiusKm = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	return &Tracker{
		cfg:      cfg,
		notifier: notifier,
		metrics:  metrics,
		logger:   logging.OrDefault(logger).With(slog.String("component", "tracking")),
		now:      time.Now,
		journeys: make(map[string]*journey),
	}
}

// Begin starts tracking an assignment. Tracking an already tracked
// assignment is a no-op.
func (t *Tracker) Begin(ctx context.Context, a transit.Assignment) error {
	if len(a.Route.Stops) < 2 {
		return fmt.Errorf("%w: assignment %s", ErrRouteDegenerate, a.ID)
	}
	origin, dest := a.Route.Origin(), a.Route.Destination()

	t.mu.Lock()
	if _, exists := t.journeys[a.ID]; exists {
		t.mu.Unlock()
		return nil
	}
	jctx, cancel := context.WithCancel(ctx)
	j := &journey{
		id:          a.ID,
		destination: dest,
		totalKm:     geo.DistanceKm(origin, dest),
		samples:     make(chan transit.LocationSample, t.cfg.Buffer),
		cancel:      cancel,
		state:       transit.ProgressState{AssignmentID: a.ID, Position: origin},
		watermark:   -1,
		watchers:    make(map[string]*watcher),
	}
	t.journeys[a.ID] = j
	t.wg.Add(1)
	n := len(t.journeys)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetActiveJourneys(n)
	}
	if j.totalKm == 0 {
		t.logger.Warn("route origin and destination coincide; progress stays at 0",
			slog.String("assignment_id", a.ID))
	}
	t.logger.Info("tracking started", slog.String("assignment_id", a.ID), slog.Float64("total_km", j.totalKm))

	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-jctx.Done():
				return
			case s := <-j.samples:
				t.apply(jctx, j, s)
			}
		}
	}()
	return nil
}

// End stops tracking an assignment and drops its state.
func (t *Tracker) End(assignmentID string) {
	t.mu.Lock()
	j, ok := t.journeys[assignmentID]
	if ok {
		delete(t.journeys, assignmentID)
	}
	n := len(t.journeys)
	t.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	if t.metrics != nil {
		t.metrics.SetActiveJourneys(n)
	}
	t.logger.Info("tracking ended", slog.String("assignment_id", assignmentID))
}

// Stop ends every journey and waits for their goroutines.
func (t *Tracker) Stop() {
	t.mu.Lock()
	for id, j := range t.journeys {
		j.cancel()
		delete(t.journeys, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
	if t.metrics != nil {
		t.metrics.SetActiveJourneys(0)
	}
}

func (t *Tracker) get(assignmentID string) (*journey, error) {
	t.mu.Lock()
	j, ok := t.journeys[assignmentID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	return j, nil
}

// Tracking reports whether the assignment is tracked.
func (t *Tracker) Tracking(assignmentID string) bool {
	_, err := t.get(assignmentID)
	return err == nil
}

// Submit enqueues a sample without blocking. It reports false when the
// sample was dropped because the assignment is unknown or its queue is full.
func (t *Tracker) Submit(assignmentID string, s transit.LocationSample) bool {
	if t.metrics != nil {
		t.metrics.SampleReceived()
	}
	j, err := t.get(assignmentID)
	if err != nil {
		t.dropped("unknown_assignment")
		return false
	}
	select {
	case j.samples <- s:
		return true
	default:
		t.dropped("queue_full")
		return false
	}
}

// OnSample applies a sample synchronously and returns the resulting state.
// Unusable samples leave the previous state unchanged.
func (t *Tracker) OnSample(ctx context.Context, assignmentID string, s transit.LocationSample) (transit.ProgressState, error) {
	j, err := t.get(assignmentID)
	if err != nil {
		return transit.ProgressState{}, err
	}
	if t.metrics != nil {
		t.metrics.SampleReceived()
	}
	return t.apply(ctx, j, s), nil
}

// Progress returns the current state of a tracked assignment.
func (t *Tracker) Progress(assignmentID string) (transit.ProgressState, error) {
	j, err := t.get(assignmentID)
	if err != nil {
		return transit.ProgressState{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, nil
}

// Watch registers a waiting passenger; an Approaching event for the ticket is
// raised once, the first time the vehicle comes within the approach radius.
func (t *Tracker) Watch(ctx context.Context, assignmentID, ticketID string, position geo.Point) error {
	if !position.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, position)
	}
	j, err := t.get(assignmentID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	w, ok := j.watchers[ticketID]
	if !ok {
		w = &watcher{}
		j.watchers[ticketID] = w
	}
	w.position = position
	var events []Event
	if !j.state.SampledAt.IsZero() && !w.raised && geo.IsNear(j.state.Position, position, t.cfg.ApproachRadiusKm) {
		w.raised = true
		events = append(events, Event{AssignmentID: j.id, Milestone: transit.Approaching, TicketID: ticketID,
			ProgressPercent: j.state.ProgressPercent, Timestamp: t.now()})
	}
	j.mu.Unlock()
	t.deliver(ctx, events)
	return nil
}

func (t *Tracker) Unwatch(assignmentID, ticketID string) {
	j, err := t.get(assignmentID)
	if err != nil {
		return
	}
	j.mu.Lock()
	delete(j.watchers, ticketID)
	j.mu.Unlock()
}

func (t *Tracker) apply(ctx context.Context, j *journey, s transit.LocationSample) transit.ProgressState {
	pos := s.Point()
	if !pos.Valid() {
		t.dropped("invalid")
		t.logger.Warn("ignoring sample with invalid coordinates",
			slog.String("assignment_id", j.id),
			slog.Float64("latitude", s.Latitude),
			slog.Float64("longitude", s.Longitude))
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.state
	}
	now := t.now()
	at := s.Timestamp
	stamped := !at.IsZero()
	if !stamped {
		at = now
	}

	j.mu.Lock()
	if stamped && at.Before(j.lastDevice) {
		state, last := j.state, j.lastDevice
		j.mu.Unlock()
		t.dropped("stale")
		t.logger.Debug("dropping out-of-order sample",
			slog.String("assignment_id", j.id),
			slog.Time("sample_at", at),
			slog.Time("last_applied", last))
		return state
	}

	remaining := geo.DistanceKm(pos, j.destination)
	progress := 0.0
	if j.totalKm > 0 {
		progress = clamp((j.totalKm-remaining)/j.totalKm*100, 0, 100)
	}
	speed := t.cfg.DefaultSpeedKmh
	if s.Speed != nil {
		speed = *s.Speed
	}
	eta := now.Add(time.Duration(geo.EtaMinutesWithDefault(remaining, speed, t.cfg.DefaultSpeedKmh)) * time.Minute)

	var events []Event
	for i := j.watermark + 1; i < len(ordered) && progress >= ordered[i].percent; i++ {
		j.watermark = i
		events = append(events, Event{AssignmentID: j.id, Milestone: ordered[i].milestone, ProgressPercent: progress, Timestamp: now})
	}
	for ticketID, w := range j.watchers {
		if !w.raised && geo.IsNear(pos, w.position, t.cfg.ApproachRadiusKm) {
			w.raised = true
			events = append(events, Event{AssignmentID: j.id, Milestone: transit.Approaching, TicketID: ticketID, ProgressPercent: progress, Timestamp: now})
		}
	}

	if stamped {
		j.lastDevice = at
	}
	j.state = transit.ProgressState{
		AssignmentID:    j.id,
		ProgressPercent: progress,
		RemainingKm:     remaining,
		ETA:             eta,
		Position:        pos,
		SampledAt:       at,
	}
	if j.watermark >= 0 {
		j.state.LastMilestone = ordered[j.watermark].milestone
	}
	state := j.state
	j.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SampleApplied()
	}
	t.deliver(ctx, events)
	return state
}

func (t *Tracker) deliver(ctx context.Context, events []Event) {
	for _, e := range events {
		if t.metrics != nil {
			t.metrics.MilestoneRaised(string(e.Milestone))
		}
		t.logger.Info("milestone raised",
			slog.String("assignment_id", e.AssignmentID),
			slog.String("milestone", string(e.Milestone)),
			slog.String("ticket_id", e.TicketID),
			slog.Float64("progress", e.ProgressPercent))
		if t.notifier == nil {
			continue
		}
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		err := t.notifier.Notify(nctx, e)
		cancel()
		if err != nil {
			if t.metrics != nil {
				t.metrics.NotifyFailed()
			}
			logging.LogError(t.logger, "milestone delivery failed", err,
				slog.String("assignment_id", e.AssignmentID),
				slog.String("milestone", string(e.Milestone)))
		}
	}
}

func (t *Tracker) dropped(reason string) {
	if t.metrics != nil {
		t.metrics.SampleDropped(reason)
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
