package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bus-journeys/internal/transit"
)

// Store is the persistence collaborator. Implementations must make
// InsertTickets atomic and UpdateTicket a compare-and-set on the previous
// status, returning ErrConcurrentUpdate when it no longer matches.
type Store interface {
	Assignment(ctx context.Context, id string) (transit.Assignment, error)
	Ticket(ctx context.Context, id string) (transit.Ticket, error)
	ActiveSeatLabels(ctx context.Context, assignmentID string) ([]string, error)
	InsertTickets(ctx context.Context, tickets []transit.Ticket) error
	UpdateTicket(ctx context.Context, t transit.Ticket, from transit.TicketStatus) error
}

// SeatSnapshots keeps the advisory taken-seat set written after each change.
// Snapshot reports ok=false when nothing was ever saved for the assignment.
type SeatSnapshots interface {
	SaveSnapshot(ctx context.Context, assignmentID string, taken []string) error
	Snapshot(ctx context.Context, assignmentID string) (taken []string, ok bool, err error)
}

// MemoryStore is an in-process Store used when no database is configured
// and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]transit.Assignment
	tickets     map[string]transit.Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]transit.Assignment),
		tickets:     make(map[string]transit.Ticket),
	}
}

func (s *MemoryStore) PutAssignment(a transit.Assignment) {
	s.mu.Lock()
	s.assignments[a.ID] = a
	s.mu.Unlock()
}

// SaveRoute validates r and refreshes the route of every stored assignment
// that uses it.
func (s *MemoryStore) SaveRoute(_ context.Context, r transit.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.assignments {
		if a.Route.ID == r.ID {
			a.Route = r
			s.assignments[id] = a
		}
	}
	return nil
}

func (s *MemoryStore) SaveAssignment(_ context.Context, a transit.Assignment) error {
	if a.VehicleCapacity <= 0 {
		return fmt.Errorf("invalid vehicle capacity %d for assignment %s", a.VehicleCapacity, a.ID)
	}
	s.PutAssignment(a)
	return nil
}

func (s *MemoryStore) Assignment(_ context.Context, id string) (transit.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return transit.Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	return a, nil
}

// Assignments lists stored assignments ordered by id.
func (s *MemoryStore) Assignments(_ context.Context) ([]transit.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transit.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveAssignments lists the assignments in service, ordered by id.
func (s *MemoryStore) ActiveAssignments(ctx context.Context) ([]transit.Assignment, error) {
	all, err := s.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Status == transit.AssignmentActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ticket(_ context.Context, id string) (transit.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return transit.Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t, nil
}

// Tickets returns the tickets of one assignment ordered by seat.
func (s *MemoryStore) Tickets(assignmentID string) []transit.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []transit.Ticket
	for _, t := range s.tickets {
		if t.AssignmentID == assignmentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketNumber < out[j].TicketNumber })
	return out
}

func (s *MemoryStore) ActiveSeatLabels(_ context.Context, assignmentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.tickets {
		if t.AssignmentID == assignmentID && t.HoldsSeat() {
			out = append(out, t.SeatLabel)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InsertTickets(ctx context.Context, tickets []transit.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		if _, exists := s.tickets[t.ID]; exists {
			return fmt.Errorf("ticket %s already exists", t.ID)
		}
	}
	for _, t := range tickets {
		s.tickets[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) UpdateTicket(ctx context.Context, t transit.Ticket, from transit.TicketStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tickets[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, t.ID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: ticket %s is %s, expected %s", ErrConcurrentUpdate, t.ID, cur.Status, from)
	}
	s.tickets[t.ID] = t
	return nil
}
