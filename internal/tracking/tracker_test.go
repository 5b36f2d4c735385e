package tracking

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-journeys/internal/geo"
	"bus-journeys/internal/transit"
)

// A straight north-bound route of about 111 km.
var (
	origin      = geo.Point{Lat: 10, Lon: 20}
	destination = geo.Point{Lat: 11, Lon: 20}
)

func northRoute(id string) transit.Assignment {
	return transit.Assignment{
		ID: id,
		Route: transit.Route{
			ID: "north",
			Stops: []transit.Stop{
				{Location: transit.Location{ID: "o", Latitude: origin.Lat, Longitude: origin.Lon}, StopNumber: 1},
				{Location: transit.Location{ID: "m", Latitude: 10.5, Longitude: 20}, StopNumber: 2, ArrivalOffsetMinutes: 40},
				{Location: transit.Location{ID: "d", Latitude: destination.Lat, Longitude: destination.Lon}, StopNumber: 3, ArrivalOffsetMinutes: 80},
			},
		},
		Status: transit.AssignmentActive,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) milestones() []transit.Milestone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transit.Milestone, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Milestone)
	}
	return out
}

func (r *recorder) count(m transit.Milestone) int {
	n := 0
	for _, got := range r.milestones() {
		if got == m {
			n++
		}
	}
	return n
}

var base = time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)

// at returns a sample the given fraction of the way from origin to destination.
func at(fraction float64, seq int) transit.LocationSample {
	return transit.LocationSample{
		Latitude:  origin.Lat + (destination.Lat-origin.Lat)*fraction,
		Longitude: origin.Lon,
		Timestamp: base.Add(time.Duration(seq) * time.Second),
	}
}

func newTracker(t *testing.T, n Notifier) *Tracker {
	t.Helper()
	tr := NewTracker(Config{DefaultSpeedKmh: 40, ApproachRadiusKm: 1, Buffer: 8}, n, nil, nil)
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Begin(context.Background(), northRoute("A")))
	t.Cleanup(tr.Stop)
	return tr
}

func TestProgressAndETA(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)

	speed := 60.0
	s := at(0.51, 1)
	s.Speed = &speed
	state, err := tr.OnSample(context.Background(), "A", s)
	require.NoError(t, err)

	assert.InDelta(t, 51, state.ProgressPercent, 0.01)
	assert.InDelta(t, 54.5, state.RemainingKm, 0.1)
	// 54.49 km at 60 km/h rounds up to 55 minutes
	assert.Equal(t, base.Add(55*time.Minute), state.ETA)
	assert.Equal(t, transit.Milestone50, state.LastMilestone)
	assert.Equal(t, []transit.Milestone{transit.Milestone25, transit.Milestone50}, rec.milestones())

	got, err := tr.Progress("A")
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestETAFallsBackToDefaultSpeed(t *testing.T) {
	tr := newTracker(t, nil)

	zero := 0.0
	s := at(0.64, 1) // 40 km left
	s.Speed = &zero
	state, err := tr.OnSample(context.Background(), "A", s)
	require.NoError(t, err)
	assert.Equal(t, base.Add(61*time.Minute), state.ETA, "40.03 km at the 40 km/h default")

	state, err = tr.OnSample(context.Background(), "A", at(0.64, 2))
	require.NoError(t, err)
	assert.Equal(t, base.Add(61*time.Minute), state.ETA)
}

func TestArrivingRaisedOnce(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)

	for i := 0; i < 11; i++ {
		state, err := tr.OnSample(context.Background(), "A", at(1, i))
		require.NoError(t, err)
		assert.Equal(t, 100.0, state.ProgressPercent)
		assert.Equal(t, transit.Arriving, state.LastMilestone)
	}
	assert.Equal(t, 1, rec.count(transit.Arriving))
	assert.Equal(t,
		[]transit.Milestone{transit.Milestone25, transit.Milestone50, transit.Milestone75, transit.Milestone90, transit.Arriving},
		rec.milestones())
}

func TestWatermarkSurvivesRegression(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)

	fractions := []float64{0.3, 0.55, 0.2, 0.1, 0.52, 0.8, 0.6, 0.95, 0.4}
	highest := -1
	for i, f := range fractions {
		state, err := tr.OnSample(context.Background(), "A", at(f, i))
		require.NoError(t, err)
		rank := rankOf(state.LastMilestone)
		assert.GreaterOrEqual(t, rank, highest, "watermark must never move down")
		highest = rank
	}
	for _, m := range []transit.Milestone{transit.Milestone25, transit.Milestone50, transit.Milestone75, transit.Milestone90, transit.Arriving} {
		assert.Equal(t, 1, rec.count(m), "milestone %s", m)
	}
}

func rankOf(m transit.Milestone) int {
	for i, o := range ordered {
		if o.milestone == m {
			return i
		}
	}
	return -1
}

func TestProgressBounds(t *testing.T) {
	tr := newTracker(t, nil)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		s := transit.LocationSample{
			Latitude:  9 + rng.Float64()*3, // well before the origin to past the destination
			Longitude: 19.5 + rng.Float64(),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		state, err := tr.OnSample(context.Background(), "A", s)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.ProgressPercent, 0.0)
		assert.LessOrEqual(t, state.ProgressPercent, 100.0)
	}

	t.Run("beyond the destination", func(t *testing.T) {
		state, err := tr.OnSample(context.Background(), "A", at(1.5, 10_000))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.ProgressPercent, 0.0)
		assert.LessOrEqual(t, state.ProgressPercent, 100.0)
	})
}

func TestInvalidAndStaleSamplesKeepState(t *testing.T) {
	tr := newTracker(t, nil)

	first, err := tr.OnSample(context.Background(), "A", at(0.4, 10))
	require.NoError(t, err)

	for _, s := range []transit.LocationSample{
		{Latitude: math.NaN(), Longitude: 20, Timestamp: base.Add(11 * time.Second)},
		{Latitude: 0, Longitude: 0, Timestamp: base.Add(12 * time.Second)},
		{Latitude: 95, Longitude: 20, Timestamp: base.Add(13 * time.Second)},
		at(0.9, 5), // older than the last applied sample
	} {
		state, err := tr.OnSample(context.Background(), "A", s)
		require.NoError(t, err)
		assert.Equal(t, first, state)
	}

	// same timestamp as the last applied sample is accepted
	state, err := tr.OnSample(context.Background(), "A", at(0.6, 10))
	require.NoError(t, err)
	assert.InDelta(t, 60, state.ProgressPercent, 0.01)
}

func TestUnstampedSampleDoesNotMoveOrdering(t *testing.T) {
	tr := newTracker(t, nil)
	tr.now = func() time.Time { return base.Add(time.Hour) }

	_, err := tr.OnSample(context.Background(), "A", at(0.2, 10))
	require.NoError(t, err)

	unstamped := at(0.3, 0)
	unstamped.Timestamp = time.Time{}
	state, err := tr.OnSample(context.Background(), "A", unstamped)
	require.NoError(t, err)
	assert.InDelta(t, 30, state.ProgressPercent, 0.01)
	assert.Equal(t, base.Add(time.Hour), state.SampledAt)

	// a device clock behind the receipt time keeps being accepted
	state, err = tr.OnSample(context.Background(), "A", at(0.4, 20))
	require.NoError(t, err)
	assert.InDelta(t, 40, state.ProgressPercent, 0.01)

	state, err = tr.OnSample(context.Background(), "A", at(0.5, 15))
	require.NoError(t, err)
	assert.InDelta(t, 40, state.ProgressPercent, 0.01, "older device timestamp is still stale")
}

func TestNotificationFailureDoesNotAffectState(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	tr := newTracker(t, rec)

	state, err := tr.OnSample(context.Background(), "A", at(0.8, 1))
	require.NoError(t, err)
	assert.Equal(t, transit.Milestone75, state.LastMilestone)

	_, err = tr.OnSample(context.Background(), "A", at(0.85, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, len(rec.milestones()), "failed deliveries are not retried")
}

func TestApproachingRaisedOncePerTicket(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)
	stopM := geo.Point{Lat: 10.5, Lon: 20}

	require.NoError(t, tr.Watch(context.Background(), "A", "t-1", stopM))
	assert.ErrorIs(t, tr.Watch(context.Background(), "A", "t-2", geo.Point{}), ErrInvalidPosition)

	_, err := tr.OnSample(context.Background(), "A", at(0.3, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count(transit.Approaching))

	// ~0.56 km before the stop
	_, err = tr.OnSample(context.Background(), "A", at(0.495, 2))
	require.NoError(t, err)
	_, err = tr.OnSample(context.Background(), "A", at(0.5, 3))
	require.NoError(t, err)
	_, err = tr.OnSample(context.Background(), "A", at(0.6, 4))
	require.NoError(t, err)
	_, err = tr.OnSample(context.Background(), "A", at(0.5, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(transit.Approaching))

	rec.mu.Lock()
	var ticketID string
	for _, e := range rec.events {
		if e.Milestone == transit.Approaching {
			ticketID = e.TicketID
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, "t-1", ticketID)

	t.Run("watching while already near raises immediately", func(t *testing.T) {
		require.NoError(t, tr.Watch(context.Background(), "A", "t-3", geo.Point{Lat: 10.501, Lon: 20}))
		assert.Equal(t, 2, rec.count(transit.Approaching))
	})
}

func TestUnknownAssignment(t *testing.T) {
	tr := newTracker(t, nil)
	_, err := tr.OnSample(context.Background(), "missing", at(0.5, 1))
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
	_, err = tr.Progress("missing")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
	assert.False(t, tr.Submit("missing", at(0.5, 1)))
}

func TestBeginRejectsDegenerateRoute(t *testing.T) {
	tr := newTracker(t, nil)
	a := northRoute("B")
	a.Route.Stops = a.Route.Stops[:1]
	assert.ErrorIs(t, tr.Begin(context.Background(), a), ErrRouteDegenerate)
	assert.False(t, tr.Tracking("B"))
}

func TestZeroLengthRouteStaysAtZero(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)
	a := northRoute("loop")
	a.Route.Stops[2].Location = a.Route.Stops[0].Location
	require.NoError(t, tr.Begin(context.Background(), a))

	state, err := tr.OnSample(context.Background(), "loop", at(0.5, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.ProgressPercent)
	assert.Empty(t, rec.milestones())
}

func TestSubmitIsAsyncAndOrdered(t *testing.T) {
	rec := &recorder{}
	tr := newTracker(t, rec)

	for i, f := range []float64{0.1, 0.3, 0.6} {
		for !tr.Submit("A", at(f, i)) {
			time.Sleep(time.Millisecond)
		}
	}
	assert.Eventually(t, func() bool {
		state, err := tr.Progress("A")
		return err == nil && math.Abs(state.ProgressPercent-60) < 0.01
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.milestones()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []transit.Milestone{transit.Milestone25, transit.Milestone50}, rec.milestones())
}

type blockingNotifier struct{ unblock chan struct{} }

func (b *blockingNotifier) Notify(ctx context.Context, _ Event) error {
	select {
	case <-b.unblock:
	case <-ctx.Done():
	}
	return nil
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	bn := &blockingNotifier{unblock: make(chan struct{})}
	tr := newTracker(t, bn)
	defer close(bn.unblock)

	// the first sample raises a milestone and parks the worker in Notify
	require.True(t, tr.Submit("A", at(0.3, 0)))
	time.Sleep(20 * time.Millisecond)

	accepted := 0
	for i := 1; i <= 20; i++ {
		if tr.Submit("A", at(0.1, i)) {
			accepted++
		}
	}
	assert.Equal(t, 8, accepted, "only the queue depth is accepted while the worker is busy")
}

func TestEndStopsTracking(t *testing.T) {
	tr := newTracker(t, nil)
	tr.End("A")
	assert.False(t, tr.Tracking("A"))
	tr.End("A")
	require.NoError(t, tr.Begin(context.Background(), northRoute("A")))
	assert.True(t, tr.Tracking("A"))
}
