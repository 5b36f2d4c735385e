package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"

	"bus-journeys/internal/boarding"
	"bus-journeys/internal/booking"
	"bus-journeys/internal/geo"
	"bus-journeys/internal/transit"
)

const (
	maxBodyBytes = 64 << 10
	healthWait   = 2 * time.Second
)

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), healthWait)
	defer cancel()
	status := http.StatusOK
	report := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report["status"] = "degraded"
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, s.logger, status, report)
}

func (s *Server) seatMap(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	m, err := s.bookings.Seats(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, m)
}

func (s *Server) fareQuote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	from, err := strconv.Atoi(q.Get("from"))
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid from stop index %q", q.Get("from")))
		return
	}
	to, err := strconv.Atoi(q.Get("to"))
	if err != nil {
		s.badRequest(w, fmt.Sprintf("invalid to stop index %q", q.Get("to")))
		return
	}
	quote, err := s.bookings.Quote(r.Context(), ps.ByName("id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, quote)
}

type bookingBody struct {
	FromStopIndex *int                              `json:"fromStopIndex" validate:"required"`
	ToStopIndex   *int                              `json:"toStopIndex" validate:"required"`
	PaymentMethod string                            `json:"paymentMethod" validate:"omitempty,max=32"`
	Passengers    []transit.PassengerBookingRequest `json:"passengers"`
}

type bookingResponse struct {
	Tickets []transit.Ticket `json:"tickets"`
	Total   float64          `json:"total"`
}

func (s *Server) book(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body bookingBody
	if !s.decode(w, r, &body) {
		return
	}
	tickets, err := s.bookings.Book(r.Context(), booking.BookingRequest{
		AssignmentID:  ps.ByName("id"),
		FromStopIndex: *body.FromStopIndex,
		ToStopIndex:   *body.ToStopIndex,
		PaymentMethod: body.PaymentMethod,
		Passengers:    body.Passengers,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := bookingResponse{Tickets: tickets}
	for _, t := range tickets {
		resp.Total += t.Fare
	}
	writeJSON(w, s.logger, http.StatusCreated, resp)
}

func (s *Server) ticket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, err := s.bookings.Ticket(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, t)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, err := s.bookings.Cancel(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.tracker.Unwatch(t.AssignmentID, t.ID)
	writeJSON(w, s.logger, http.StatusOK, t)
}

type approveBody struct {
	ConductorID string `json:"conductorId" validate:"required"`
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body approveBody
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.bookings.Approve(r.Context(), ps.ByName("id"), body.ConductorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, t)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	t, err := s.bookings.Complete(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.tracker.Unwatch(t.AssignmentID, t.ID)
	writeJSON(w, s.logger, http.StatusOK, t)
}

func (s *Server) boardingPass(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	token, err := s.bookings.IssuePass(r.Context(), ps.ByName("id"))
	if errors.Is(err, boarding.ErrInvalidPass) {
		// only active tickets get a pass
		writeProblem(w, s.logger, http.StatusConflict, "ticket_not_active", err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"ticketId": ps.ByName("id"), "token": token})
}

type boardBody struct {
	Token string `json:"token" validate:"required"`
}

func (s *Server) board(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body boardBody
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.bookings.Board(r.Context(), strings.TrimSpace(body.Token))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, t)
}

func (s *Server) submitSample(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var sample transit.LocationSample
	if !s.decode(w, r, &sample) {
		return
	}
	id := ps.ByName("id")
	if !s.tracker.Tracking(id) {
		writeProblem(w, s.logger, http.StatusNotFound, "assignment_not_tracked", "assignment is not tracked: "+id)
		return
	}
	if !s.tracker.Submit(id, sample) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, s.logger, http.StatusServiceUnavailable, "sample_queue_full", "sample queue is full")
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	state, err := s.tracker.Progress(ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, state)
}

type watchBody struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body watchBody
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.bookings.Ticket(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t.Status != transit.TicketActive {
		writeProblem(w, s.logger, http.StatusConflict, "ticket_not_active",
			fmt.Sprintf("ticket %s is %s", t.ID, t.Status))
		return
	}
	pos := geo.Point{Lat: body.Latitude, Lon: body.Longitude}
	if err := s.tracker.Watch(r.Context(), t.AssignmentID, t.ID, pos); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "watching", "ticketId": t.ID})
}

// decode reads a JSON body into v and validates it, writing a 400 and
// returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			s.badRequest(w, "request body is empty")
			return false
		}
		s.badRequest(w, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			s.badRequest(w, "invalid fields: "+strings.Join(fields, ", "))
			return false
		}
		s.badRequest(w, err.Error())
		return false
	}
	return true
}
