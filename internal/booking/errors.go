package booking

import "errors"

// Errors surfaced to callers. All are recoverable; the HTTP layer maps them
// to client-facing messages.
var (
	ErrInvalidStopSelection       = errors.New("invalid stop selection")
	ErrIncompletePassengerDetails = errors.New("incomplete passenger details")
	ErrDuplicateSeatSelection     = errors.New("duplicate seat selection")
	ErrSeatConflict               = errors.New("seat conflict")
	ErrBookingPersistenceFailed   = errors.New("booking persistence failed")
	ErrBookingTimeout             = errors.New("booking timed out")
	ErrAssignmentNotFound         = errors.New("assignment not found")
	ErrAssignmentInactive         = errors.New("assignment is not accepting bookings")
	ErrTicketNotFound             = errors.New("ticket not found")
	ErrConductorMismatch          = errors.New("conductor is not assigned to this journey")
	ErrConcurrentUpdate           = errors.New("ticket was modified concurrently")
	ErrPassMismatch               = errors.New("boarding pass does not match ticket")
)
