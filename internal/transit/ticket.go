package transit

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid ticket status transition")

type TicketStatus string

const (
	TicketActive    TicketStatus = "active"
	TicketBoarded   TicketStatus = "boarded"
	TicketApproved  TicketStatus = "approved"
	TicketCompleted TicketStatus = "completed"
	TicketCancelled TicketStatus = "cancelled"
)

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketActive:   {TicketBoarded, TicketApproved, TicketCancelled},
	TicketBoarded:  {TicketCompleted},
	TicketApproved: {TicketCompleted},
}

func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketCancelled
}

func (s TicketStatus) CanTransition(to TicketStatus) bool {
	for _, next := range ticketTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Ticket struct {
	ID                string            `json:"id"`
	TicketNumber      string            `json:"ticketNumber"`
	AssignmentID      string            `json:"assignmentId"`
	PassengerName     string            `json:"passengerName"`
	FromStopIndex     int               `json:"fromStopIndex"`
	ToStopIndex       int               `json:"toStopIndex"`
	PassengerCategory PassengerCategory `json:"passengerCategory"`
	SeatLabel         string            `json:"seatLabel"`
	Fare              float64           `json:"fare"`
	PaymentMethod     string            `json:"paymentMethod"`
	Status            TicketStatus      `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	BoardedAt         *time.Time        `json:"boardedAt,omitempty"`
	ApprovedAt        *time.Time        `json:"approvedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	CancelledAt       *time.Time        `json:"cancelledAt,omitempty"`
}

// Transition moves the ticket to status to, stamping the matching timestamp.
func (t *Ticket) Transition(to TicketStatus, at time.Time) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	switch to {
	case TicketBoarded:
		t.BoardedAt = &at
	case TicketApproved:
		t.ApprovedAt = &at
	case TicketCompleted:
		t.CompletedAt = &at
	case TicketCancelled:
		t.CancelledAt = &at
	}
	return nil
}

// HoldsSeat reports whether the ticket still occupies its seat.
func (t Ticket) HoldsSeat() bool {
	return t.Status != TicketCancelled
}
