// Package schedule keeps journey tracking in step with the assignments that
// are in service.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bus-journeys/internal/logging"
	"bus-journeys/internal/tracking"
	"bus-journeys/internal/transit"
)

// Source lists the assignments currently in service.
type Source interface {
	ActiveAssignments(ctx context.Context) ([]transit.Assignment, error)
}

// Journeys is the tracker surface the refresher drives.
type Journeys interface {
	Begin(ctx context.Context, a transit.Assignment) error
	End(assignmentID string)
}

// Refresher periodically starts tracking newly active assignments and ends
// the ones that left service. It only ends journeys it started itself.
type Refresher struct {
	source   Source
	journeys Journeys
	onEnd    func(assignmentID string)
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher builds a refresher. onEnd, if set, runs after a journey is
// ended, e.g. to drop its seat ledger.
func NewRefresher(source Source, journeys Journeys, interval time.Duration, onEnd func(string), logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		source:   source,
		journeys: journeys,
		onEnd:    onEnd,
		interval: interval,
		logger:   logging.OrDefault(logger).With(slog.String("component", "schedule")),
		running:  make(map[string]struct{}),
	}
}

// Start runs one refresh synchronously, then keeps refreshing in the
// background until ctx ends or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.Refresh(ctx)
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Refresh reconciles tracked journeys with the active assignment list and
// returns the ids it started and ended.
func (r *Refresher) Refresh(ctx context.Context) (started, ended []string) {
	active, err := r.source.ActiveAssignments(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.LogError(r.logger, "listing active assignments failed", err)
		}
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(active))
	for _, a := range active {
		seen[a.ID] = struct{}{}
		if _, ok := r.running[a.ID]; ok {
			continue
		}
		if err := r.journeys.Begin(ctx, a); err != nil {
			logging.LogError(r.logger, "could not start tracking", err, slog.String("assignment_id", a.ID))
			continue
		}
		r.running[a.ID] = struct{}{}
		started = append(started, a.ID)
	}
	for id := range r.running {
		if _, ok := seen[id]; ok {
			continue
		}
		r.journeys.End(id)
		if r.onEnd != nil {
			r.onEnd(id)
		}
		delete(r.running, id)
		ended = append(ended, id)
	}
	sort.Strings(started)
	sort.Strings(ended)
	if len(started) > 0 || len(ended) > 0 {
		r.logger.Info("journeys refreshed",
			slog.Int("started", len(started)),
			slog.Int("ended", len(ended)),
			slog.Int("running", len(r.running)))
	}
	return started, ended
}

var _ Journeys = (*tracking.Tracker)(nil)
