package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bus-journeys/internal/boarding"
	"bus-journeys/internal/fare"
	"bus-journeys/internal/logging"
	"bus-journeys/internal/seats"
	"bus-journeys/internal/transit"
)

// SeatMap is the advisory seat view rendered by the presentation layer.
type SeatMap struct {
	AssignmentID string   `json:"assignmentId"`
	Capacity     int      `json:"capacity"`
	Taken        []string `json:"taken"`
	Available    []string `json:"available"`
}

func (c *Coordinator) Assignment(ctx context.Context, id string) (transit.Assignment, error) {
	return c.store.Assignment(ctx, id)
}

func (c *Coordinator) Ticket(ctx context.Context, id string) (transit.Ticket, error) {
	return c.store.Ticket(ctx, id)
}

func (c *Coordinator) Seats(ctx context.Context, assignmentID string) (SeatMap, error) {
	a, err := c.store.Assignment(ctx, assignmentID)
	if err != nil {
		return SeatMap{}, err
	}
	if !c.live(a) {
		return c.settledSeats(ctx, a)
	}
	if err := c.ensureInventory(ctx, a); err != nil {
		return SeatMap{}, err
	}
	taken, err := c.seats.ListTaken(a.ID)
	if err != nil {
		return SeatMap{}, err
	}
	free, err := c.seats.Available(a.ID)
	if err != nil {
		return SeatMap{}, err
	}
	return SeatMap{AssignmentID: a.ID, Capacity: a.VehicleCapacity, Taken: taken, Available: free}, nil
}

// settledSeats builds the seat map of an assignment without a ledger from
// persisted tickets, or from the last snapshot when storage fails.
func (c *Coordinator) settledSeats(ctx context.Context, a transit.Assignment) (SeatMap, error) {
	taken, err := c.store.ActiveSeatLabels(ctx, a.ID)
	if err != nil {
		cached, ok := c.cachedSeats(ctx, a.ID)
		if !ok {
			return SeatMap{}, fmt.Errorf("load taken seats for %s: %w", a.ID, err)
		}
		c.logger.Warn("serving seat map from snapshot",
			slog.String("assignment_id", a.ID),
			slog.String("error", err.Error()))
		taken = cached
	}
	canonical := make([]string, len(taken))
	for i, label := range taken {
		canonical[i] = seats.CanonicalLabel(label)
	}
	seats.SortLabels(canonical)
	return SeatMap{
		AssignmentID: a.ID,
		Capacity:     a.VehicleCapacity,
		Taken:        canonical,
		Available:    seats.FreeSeats(a.VehicleCapacity, canonical),
	}, nil
}

func (c *Coordinator) cachedSeats(ctx context.Context, assignmentID string) ([]string, bool) {
	if c.snapshots == nil {
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	taken, ok, err := c.snapshots.Snapshot(sctx, assignmentID)
	if err != nil {
		logging.LogError(c.logger, "failed to read seat snapshot", err, slog.String("assignment_id", assignmentID))
		return nil, false
	}
	return taken, ok
}

// Quote prices a segment of the assignment's route for every category.
func (c *Coordinator) Quote(ctx context.Context, assignmentID string, from, to int) (fare.Quote, error) {
	a, err := c.store.Assignment(ctx, assignmentID)
	if err != nil {
		return fare.Quote{}, err
	}
	q, err := fare.QuoteSegment(a.Route, from, to)
	if errors.Is(err, fare.ErrInvalidSegment) {
		return fare.Quote{}, fmt.Errorf("%w: %w", ErrInvalidStopSelection, err)
	}
	return q, err
}

// Cancel cancels an active ticket and releases its seat.
func (c *Coordinator) Cancel(ctx context.Context, ticketID string) (transit.Ticket, error) {
	t, err := c.transition(ctx, ticketID, transit.TicketCancelled, nil)
	if err != nil {
		return transit.Ticket{}, err
	}
	a, err := c.store.Assignment(ctx, t.AssignmentID)
	if err == nil && !c.live(a) {
		// no ledger outlives its assignment; storage already frees the seat
		return t, nil
	}
	if err == nil {
		err = c.ensureInventory(ctx, a)
	}
	if err == nil {
		err = c.seats.Release(t.AssignmentID, t.SeatLabel)
	}
	if err != nil {
		// The ticket is cancelled in storage; a fresh inventory load will
		// not count its seat, so only the live ledger may be stale.
		c.logger.Warn("seat not released after cancellation",
			slog.String("ticket_id", t.ID),
			slog.String("error", err.Error()))
	}
	if c.metrics != nil {
		c.metrics.SetSeatsHeld(c.seats.Held())
	}
	c.saveSnapshot(ctx, t.AssignmentID)
	return t, nil
}

// IssuePass returns the signed boarding pass for an active ticket.
func (c *Coordinator) IssuePass(ctx context.Context, ticketID string) (string, error) {
	if c.passes == nil {
		return "", boarding.ErrNoSecret
	}
	t, err := c.store.Ticket(ctx, ticketID)
	if err != nil {
		return "", err
	}
	return c.passes.Issue(t)
}

// Board validates a scanned boarding pass and marks its ticket boarded.
func (c *Coordinator) Board(ctx context.Context, token string) (transit.Ticket, error) {
	if c.passes == nil {
		return transit.Ticket{}, boarding.ErrNoSecret
	}
	claims, err := c.passes.Verify(token)
	if err != nil {
		return transit.Ticket{}, err
	}
	return c.transition(ctx, claims.TicketID(), transit.TicketBoarded, func(t transit.Ticket) error {
		if t.AssignmentID != claims.AssignmentID || t.SeatLabel != claims.SeatLabel {
			return fmt.Errorf("%w: ticket %s", ErrPassMismatch, t.ID)
		}
		return nil
	})
}

// Approve records a conductor's manual approval of an active ticket.
func (c *Coordinator) Approve(ctx context.Context, ticketID, conductorID string) (transit.Ticket, error) {
	return c.transition(ctx, ticketID, transit.TicketApproved, func(t transit.Ticket) error {
		a, err := c.store.Assignment(ctx, t.AssignmentID)
		if err != nil {
			return err
		}
		if conductorID == "" || a.ConductorID != conductorID {
			return fmt.Errorf("%w: %s", ErrConductorMismatch, a.ID)
		}
		return nil
	})
}

// Complete closes a boarded or approved ticket. The seat stays held until the
// assignment ends.
func (c *Coordinator) Complete(ctx context.Context, ticketID string) (transit.Ticket, error) {
	return c.transition(ctx, ticketID, transit.TicketCompleted, nil)
}

// EndAssignment drops the seat ledger of a finished assignment. The ledger is
// never reopened; later seat maps are built from storage.
func (c *Coordinator) EndAssignment(assignmentID string) {
	c.endedMu.Lock()
	c.ended[assignmentID] = struct{}{}
	c.endedMu.Unlock()
	c.seats.Close(assignmentID)
	if c.metrics != nil {
		c.metrics.SetSeatsHeld(c.seats.Held())
	}
}

func (c *Coordinator) transition(ctx context.Context, ticketID string, to transit.TicketStatus, check func(transit.Ticket) error) (transit.Ticket, error) {
	t, err := c.store.Ticket(ctx, ticketID)
	if err != nil {
		return transit.Ticket{}, err
	}
	if check != nil {
		if err := check(t); err != nil {
			return transit.Ticket{}, err
		}
	}
	from := t.Status
	if err := t.Transition(to, c.now()); err != nil {
		return transit.Ticket{}, err
	}
	uctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.UpdateTicket(uctx, t, from); err != nil {
		return transit.Ticket{}, err
	}
	if c.metrics != nil {
		c.metrics.TicketTransition(string(to))
	}
	c.logger.Info("ticket status changed",
		slog.String("ticket_id", t.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return t, nil
}
