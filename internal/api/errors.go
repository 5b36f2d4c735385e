package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"bus-journeys/internal/boarding"
	"bus-journeys/internal/booking"
	"bus-journeys/internal/fare"
	"bus-journeys/internal/seats"
	"bus-journeys/internal/tracking"
	"bus-journeys/internal/transit"
)

type problem struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorStatuses is matched in order; the first sentinel an error wraps
// decides the response.
var errorStatuses = []struct {
	err    error
	status int
	kind   string
}{
	{booking.ErrSeatConflict, http.StatusConflict, "seat_conflict"},
	{booking.ErrInvalidStopSelection, http.StatusBadRequest, "invalid_stop_selection"},
	{booking.ErrIncompletePassengerDetails, http.StatusBadRequest, "incomplete_passenger_details"},
	{booking.ErrDuplicateSeatSelection, http.StatusBadRequest, "duplicate_seat_selection"},
	{seats.ErrUnknownSeat, http.StatusBadRequest, "unknown_seat"},
	{booking.ErrBookingTimeout, http.StatusGatewayTimeout, "booking_timeout"},
	{booking.ErrBookingPersistenceFailed, http.StatusServiceUnavailable, "booking_persistence_failed"},
	{booking.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found"},
	{tracking.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_tracked"},
	{seats.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found"},
	{booking.ErrTicketNotFound, http.StatusNotFound, "ticket_not_found"},
	{booking.ErrAssignmentInactive, http.StatusConflict, "assignment_inactive"},
	{transit.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{booking.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{booking.ErrConductorMismatch, http.StatusForbidden, "conductor_mismatch"},
	{booking.ErrPassMismatch, http.StatusUnauthorized, "invalid_pass"},
	{boarding.ErrInvalidPass, http.StatusUnauthorized, "invalid_pass"},
	{boarding.ErrNoSecret, http.StatusServiceUnavailable, "boarding_disabled"},
	{tracking.ErrInvalidPosition, http.StatusBadRequest, "invalid_position"},
	{fare.ErrRouteDegenerate, http.StatusUnprocessableEntity, "route_degenerate"},
	{tracking.ErrRouteDegenerate, http.StatusUnprocessableEntity, "route_degenerate"},
}

func classify(err error) (int, string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			return e.status, e.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", msg))
		msg = "internal server error"
	}
	writeProblem(w, s.logger, status, kind, msg)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeProblem(w, s.logger, http.StatusBadRequest, "bad_request", msg)
}

func writeProblem(w http.ResponseWriter, logger *slog.Logger, status int, kind, msg string) {
	writeJSON(w, logger, status, problem{Code: status, Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
