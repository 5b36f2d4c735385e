// Package booking coordinates multi-passenger bookings against the fare
// engine, the seat inventory and the storage collaborator, and drives the
// ticket lifecycle afterwards.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bus-journeys/internal/boarding"
	"bus-journeys/internal/fare"
	"bus-journeys/internal/logging"
	"bus-journeys/internal/seats"
	"bus-journeys/internal/transit"
)

const (
	snapshotTimeout     = 2 * time.Second
	lateCleanupTimeout  = 10 * time.Second
	defaultPaymentLabel = "cash"
)

// Metrics is the subset of the metrics collector the coordinator reports to.
type Metrics interface {
	BookingOutcome(outcome string, d time.Duration, tickets int)
	TicketTransition(status string)
	Compensated()
	SetSeatsHeld(n int)
}

type Config struct {
	// Timeout bounds the persistence step of a booking.
	Timeout  time.Duration
	Location *time.Location
}

type Coordinator struct {
	store     Store
	seats     *seats.Manager
	passes    *boarding.Issuer
	snapshots SeatSnapshots
	metrics   Metrics
	logger    *slog.Logger
	validate  *validator.Validate

	endedMu sync.Mutex
	ended   map[string]struct{}

	timeout time.Duration
	tz      *time.Location
	now     func() time.Time
}

type Option func(*Coordinator)

func WithSnapshots(s SeatSnapshots) Option { return func(c *Coordinator) { c.snapshots = s } }
func WithMetrics(m Metrics) Option         { return func(c *Coordinator) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option     { return func(c *Coordinator) { c.logger = l } }
func WithPasses(p *boarding.Issuer) Option { return func(c *Coordinator) { c.passes = p } }

func NewCoordinator(store Store, inventory *seats.Manager, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		seats:    inventory,
		validate: validator.New(),
		ended:    make(map[string]struct{}),
		timeout:  cfg.Timeout,
		tz:       cfg.Location,
		now:      time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.tz == nil {
		c.tz = time.Local
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrDefault(c.logger).With(slog.String("component", "booking"))
	return c
}

type BookingRequest struct {
	AssignmentID  string                            `json:"assignmentId"`
	FromStopIndex int                               `json:"fromStopIndex"`
	ToStopIndex   int                               `json:"toStopIndex"`
	PaymentMethod string                            `json:"paymentMethod"`
	Passengers    []transit.PassengerBookingRequest `json:"passengers"`
}

// Book validates the request, reserves every requested seat and persists one
// active ticket per passenger. Either all tickets are issued or no seat stays
// reserved.
func (c *Coordinator) Book(ctx context.Context, req BookingRequest) ([]transit.Ticket, error) {
	start := c.now()
	tickets, err := c.book(ctx, req)
	if c.metrics != nil {
		c.metrics.BookingOutcome(outcomeOf(err), c.now().Sub(start), len(tickets))
		c.metrics.SetSeatsHeld(c.seats.Held())
	}
	if err != nil {
		c.logger.Warn("booking rejected",
			slog.String("assignment_id", req.AssignmentID),
			slog.Int("passengers", len(req.Passengers)),
			slog.String("error", err.Error()))
		return nil, err
	}
	logging.LogOperation(c.logger, "booking_completed",
		slog.String("assignment_id", req.AssignmentID),
		slog.Int("tickets", len(tickets)),
		slog.Duration("duration", c.now().Sub(start)))
	return tickets, nil
}

func (c *Coordinator) book(ctx context.Context, req BookingRequest) ([]transit.Ticket, error) {
	a, err := c.store.Assignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}
	if err := c.ensureInventory(ctx, a); err != nil {
		return nil, err
	}

	labels, err := c.validateRequest(a, req)
	if err != nil {
		return nil, err
	}

	if _, err := c.seats.ReserveAll(a.ID, labels); err != nil {
		if errors.Is(err, seats.ErrSeatTaken) {
			return nil, fmt.Errorf("%w: %w", ErrSeatConflict, err)
		}
		return nil, err
	}

	tickets, err := c.issue(a, req, labels)
	if err != nil {
		c.compensate(a.ID, labels, "pricing failed")
		return nil, err
	}

	if err := c.persist(ctx, tickets); err != nil {
		c.compensate(a.ID, labels, err.Error())
		return nil, err
	}
	c.saveSnapshot(ctx, a.ID)
	return tickets, nil
}

// validateRequest applies the booking checks in order and returns the
// canonical seat labels. It has no side effects.
func (c *Coordinator) validateRequest(a transit.Assignment, req BookingRequest) ([]string, error) {
	stops := len(a.Route.Stops)
	if req.FromStopIndex == req.ToStopIndex || req.FromStopIndex > req.ToStopIndex {
		return nil, fmt.Errorf("%w: boarding stop %d must come before alighting stop %d", ErrInvalidStopSelection, req.FromStopIndex, req.ToStopIndex)
	}
	if req.FromStopIndex < 0 || req.ToStopIndex >= stops {
		return nil, fmt.Errorf("%w: stops %d -> %d outside a %d-stop route", ErrInvalidStopSelection, req.FromStopIndex, req.ToStopIndex, stops)
	}

	if len(req.Passengers) == 0 {
		return nil, fmt.Errorf("%w: no passengers", ErrIncompletePassengerDetails)
	}
	for i, p := range req.Passengers {
		p.Name = strings.TrimSpace(p.Name)
		p.DesiredSeat = strings.TrimSpace(p.DesiredSeat)
		if err := c.validate.Struct(p); err != nil {
			return nil, fmt.Errorf("%w: passenger %d: %s", ErrIncompletePassengerDetails, i+1, describeValidation(err))
		}
	}

	labels := make([]string, len(req.Passengers))
	seen := make(map[string]int, len(req.Passengers))
	for i, p := range req.Passengers {
		label := seats.CanonicalLabel(p.DesiredSeat)
		if prev, dup := seen[label]; dup {
			return nil, fmt.Errorf("%w: passengers %d and %d both chose seat %s", ErrDuplicateSeatSelection, prev+1, i+1, label)
		}
		seen[label] = i
		labels[i] = label
	}

	taken, err := c.seats.ListTaken(a.ID)
	if err != nil {
		return nil, err
	}
	var conflicts []string
	for _, t := range taken {
		if _, want := seen[t]; want {
			conflicts = append(conflicts, t)
		}
	}
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: seats %s already taken", ErrSeatConflict, strings.Join(conflicts, ", "))
	}
	return labels, nil
}

func (c *Coordinator) issue(a transit.Assignment, req BookingRequest, labels []string) ([]transit.Ticket, error) {
	payment := strings.TrimSpace(req.PaymentMethod)
	if payment == "" {
		payment = defaultPaymentLabel
	}
	now := c.now()
	tickets := make([]transit.Ticket, len(req.Passengers))
	for i, p := range req.Passengers {
		price, err := fare.TicketPrice(a.Route, req.FromStopIndex, req.ToStopIndex, p.Category)
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		tickets[i] = transit.Ticket{
			ID:                id.String(),
			TicketNumber:      ticketNumber(now.In(c.tz), id),
			AssignmentID:      a.ID,
			PassengerName:     strings.TrimSpace(p.Name),
			FromStopIndex:     req.FromStopIndex,
			ToStopIndex:       req.ToStopIndex,
			PassengerCategory: p.Category,
			SeatLabel:         labels[i],
			Fare:              price,
			PaymentMethod:     payment,
			Status:            transit.TicketActive,
			CreatedAt:         now,
		}
	}
	return tickets, nil
}

// persist writes the tickets within the booking timeout. When the store does
// not return in time the caller compensates immediately; if the write later
// lands anyway the tickets are cancelled in the background so no persisted
// ticket outlives its released seat.
func (c *Coordinator) persist(ctx context.Context, tickets []transit.Ticket) error {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.store.InsertTickets(pctx, tickets) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSeatConflict) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrBookingTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrBookingPersistenceFailed, err)
	case <-pctx.Done():
		go c.cancelLateInsert(done, tickets)
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrBookingTimeout, pctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrBookingPersistenceFailed, pctx.Err())
	}
}

func (c *Coordinator) cancelLateInsert(done <-chan error, tickets []transit.Ticket) {
	if err := <-done; err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lateCleanupTimeout)
	defer cancel()
	for _, t := range tickets {
		late := t
		if err := late.Transition(transit.TicketCancelled, c.now()); err != nil {
			continue
		}
		if err := c.store.UpdateTicket(ctx, late, transit.TicketActive); err != nil {
			logging.LogError(c.logger, "failed to cancel ticket persisted after timeout", err,
				slog.String("ticket_id", t.ID))
		}
	}
	c.logger.Warn("cancelled tickets persisted after booking timeout", slog.Int("tickets", len(tickets)))
}

func (c *Coordinator) compensate(assignmentID string, labels []string, reason string) {
	if err := c.seats.ReleaseAll(assignmentID, labels); err != nil {
		logging.LogError(c.logger, "compensation failed", err, slog.String("assignment_id", assignmentID))
		return
	}
	if c.metrics != nil {
		c.metrics.Compensated()
	}
	c.logger.Warn("released reservations",
		slog.String("assignment_id", assignmentID),
		slog.Any("seats", labels),
		slog.String("reason", reason))
}

// ensureInventory opens the seat ledger on first use, seeded from the seats
// held by persisted tickets. Loading happens before any seat lock is taken.
// Assignments that no longer sell seats never get a ledger.
func (c *Coordinator) ensureInventory(ctx context.Context, a transit.Assignment) error {
	if !c.live(a) {
		return fmt.Errorf("%w: %s is %s", ErrAssignmentInactive, a.ID, c.statusOf(a))
	}
	if c.seats.Opened(a.ID) {
		return nil
	}
	taken, err := c.store.ActiveSeatLabels(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load taken seats for %s: %w", a.ID, err)
	}
	if err := c.seats.Open(a.ID, a.VehicleCapacity, taken...); err != nil {
		return err
	}
	if !c.live(a) {
		// ended while the taken seats were loading
		c.seats.Close(a.ID)
		return fmt.Errorf("%w: %s is ended", ErrAssignmentInactive, a.ID)
	}
	return nil
}

// live reports whether the assignment still sells seats: bookable in storage
// and not ended by EndAssignment.
func (c *Coordinator) live(a transit.Assignment) bool {
	if !a.Bookable() {
		return false
	}
	c.endedMu.Lock()
	_, ended := c.ended[a.ID]
	c.endedMu.Unlock()
	return !ended
}

func (c *Coordinator) statusOf(a transit.Assignment) string {
	if a.Bookable() {
		return "ended"
	}
	return string(a.Status)
}

func (c *Coordinator) saveSnapshot(ctx context.Context, assignmentID string) {
	if c.snapshots == nil {
		return
	}
	taken, err := c.seats.ListTaken(assignmentID)
	if err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()
	if err := c.snapshots.SaveSnapshot(sctx, assignmentID, taken); err != nil {
		logging.LogError(c.logger, "failed to save seat snapshot", err, slog.String("assignment_id", assignmentID))
	}
}

func ticketNumber(at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("TKT-%s-%s", at.Format("20060102"), strings.ToUpper(id.String()[:8]))
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSeatConflict):
		return "conflict"
	case errors.Is(err, ErrBookingTimeout):
		return "timeout"
	case errors.Is(err, ErrBookingPersistenceFailed):
		return "persistence_failed"
	case errors.Is(err, ErrAssignmentNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}
