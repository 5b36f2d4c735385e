package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-journeys/internal/boarding"
	"bus-journeys/internal/booking"
	"bus-journeys/internal/fare"
	"bus-journeys/internal/seats"
	"bus-journeys/internal/tracking"
	"bus-journeys/internal/transit"
)

func testAssignment() transit.Assignment {
	return transit.Assignment{
		ID: "A",
		Route: transit.Route{
			ID:       "r1",
			BaseFare: 100,
			Stops: []transit.Stop{
				{Location: transit.Location{ID: "l1", Latitude: 6.9271, Longitude: 79.8612}, StopNumber: 1},
				{Location: transit.Location{ID: "l2", Latitude: 7.0840, Longitude: 80.0098}, StopNumber: 2, ArrivalOffsetMinutes: 30},
				{Location: transit.Location{ID: "l3", Latitude: 7.2906, Longitude: 80.6337}, StopNumber: 3, ArrivalOffsetMinutes: 60},
			},
		},
		VehicleCapacity: 40,
		ConductorID:     "conductor-7",
		Status:          transit.AssignmentActive,
	}
}

type testEnv struct {
	server  *Server
	tracker *tracking.Tracker
	store   *booking.MemoryStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := booking.NewMemoryStore()
	store.PutAssignment(testAssignment())
	passes, err := boarding.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	coord := booking.NewCoordinator(store, seats.NewManager(),
		booking.Config{Timeout: time.Second, Location: time.UTC}, booking.WithPasses(passes))
	tracker := tracking.NewTracker(tracking.Config{Buffer: 4}, nil, nil, nil)
	require.NoError(t, tracker.Begin(context.Background(), testAssignment()))
	s := NewServer(coord, tracker, cfg, nil)
	t.Cleanup(func() {
		s.Close()
		tracker.Stop()
	})
	return &testEnv{server: s, tracker: tracker, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func bookingJSON(from, to int, passengers ...transit.PassengerBookingRequest) map[string]any {
	return map[string]any{"fromStopIndex": from, "toStopIndex": to, "passengers": passengers}
}

func (e *testEnv) bookOne(t *testing.T, seat string) transit.Ticket {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/assignments/A/bookings",
		bookingJSON(0, 2, transit.PassengerBookingRequest{Name: "Nimal", Category: transit.Regular, DesiredSeat: seat}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[bookingResponse](t, rec)
	require.Len(t, resp.Tickets, 1)
	return resp.Tickets[0]
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.server.AddHealthCheck("database", func(context.Context) error { return errors.New("connection refused") })
	rec = e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["database"])
}

func TestBookingFlow(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodPost, "/assignments/A/bookings", bookingJSON(0, 1,
		transit.PassengerBookingRequest{Name: "Nimal", Category: transit.Regular, DesiredSeat: "3"},
		transit.PassengerBookingRequest{Name: "Kumari", Category: transit.Student, DesiredSeat: "4"},
	))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[bookingResponse](t, rec)
	require.Len(t, resp.Tickets, 2)
	assert.Equal(t, 50.0, resp.Tickets[0].Fare)
	assert.Equal(t, 40.0, resp.Tickets[1].Fare)
	assert.Equal(t, 90.0, resp.Total)

	rec = e.do(t, http.MethodGet, "/assignments/A/seats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decodeBody[booking.SeatMap](t, rec)
	assert.Equal(t, []string{"3", "4"}, m.Taken)
	assert.Len(t, m.Available, 38)

	rec = e.do(t, http.MethodGet, "/tickets/"+resp.Tickets[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Nimal", decodeBody[transit.Ticket](t, rec).PassengerName)
}

func TestBookingErrors(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.bookOne(t, "7")

	p := func(name, seat string) transit.PassengerBookingRequest {
		return transit.PassengerBookingRequest{Name: name, Category: transit.Regular, DesiredSeat: seat}
	}
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		kind   string
	}{
		{"reversed stops", "/assignments/A/bookings", bookingJSON(2, 1, p("X", "1")), http.StatusBadRequest, "invalid_stop_selection"},
		{"missing name", "/assignments/A/bookings", bookingJSON(0, 1, p("", "1")), http.StatusBadRequest, "incomplete_passenger_details"},
		{"duplicate seats", "/assignments/A/bookings", bookingJSON(0, 1, p("X", "1"), p("Y", "1")), http.StatusBadRequest, "duplicate_seat_selection"},
		{"taken seat", "/assignments/A/bookings", bookingJSON(0, 1, p("X", "7")), http.StatusConflict, "seat_conflict"},
		{"unknown seat", "/assignments/A/bookings", bookingJSON(0, 1, p("X", "99")), http.StatusBadRequest, "unknown_seat"},
		{"unknown assignment", "/assignments/Z/bookings", bookingJSON(0, 1, p("X", "1")), http.StatusNotFound, "assignment_not_found"},
		{"missing stops", "/assignments/A/bookings", map[string]any{"passengers": []any{p("X", "1")}}, http.StatusBadRequest, "bad_request"},
		{"malformed", "/assignments/A/bookings", `{"fromStopIndex":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", "/assignments/A/bookings", `{"fromStopIndex":0,"toStopIndex":1,"coupon":"x"}`, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeBody[problem](t, rec).Error)
		})
	}
}

func TestFareQuote(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodGet, "/assignments/A/fares?from=0&to=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[fare.Quote](t, rec)
	assert.Equal(t, 100.0, q.SegmentFare)
	assert.Equal(t, 80.0, q.Prices[transit.Senior])

	rec = e.do(t, http.MethodGet, "/assignments/A/fares?from=1&to=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, "/assignments/A/fares?from=x&to=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTicketLifecycle(t *testing.T) {
	e := newTestEnv(t, Config{})

	t.Run("cancel releases the seat once", func(t *testing.T) {
		tk := e.bookOne(t, "1")
		rec := e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, transit.TicketCancelled, decodeBody[transit.Ticket](t, rec).Status)

		rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "invalid_transition", decodeBody[problem](t, rec).Error)

		e.bookOne(t, "1")
	})

	t.Run("board with pass then complete", func(t *testing.T) {
		tk := e.bookOne(t, "2")
		rec := e.do(t, http.MethodGet, "/tickets/"+tk.ID+"/pass", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		token := decodeBody[map[string]string](t, rec)["token"]
		require.NotEmpty(t, token)

		rec = e.do(t, http.MethodPost, "/boarding", map[string]string{"token": token})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, transit.TicketBoarded, decodeBody[transit.Ticket](t, rec).Status)

		rec = e.do(t, http.MethodPost, "/boarding", map[string]string{"token": token})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = e.do(t, http.MethodGet, "/tickets/"+tk.ID+"/pass", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/complete", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, transit.TicketCompleted, decodeBody[transit.Ticket](t, rec).Status)
	})

	t.Run("forged pass", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/boarding", map[string]string{"token": "not.a.jwt"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		rec = e.do(t, http.MethodPost, "/boarding", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("approval checks the conductor", func(t *testing.T) {
		tk := e.bookOne(t, "3")
		rec := e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/approve", map[string]string{"conductorId": "someone-else"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/approve", map[string]string{"conductorId": "conductor-7"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, transit.TicketApproved, decodeBody[transit.Ticket](t, rec).Status)
	})

	t.Run("missing ticket", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/tickets/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "ticket_not_found", decodeBody[problem](t, rec).Error)
	})
}

func TestSamplesAndProgress(t *testing.T) {
	e := newTestEnv(t, Config{})

	rec := e.do(t, http.MethodGet, "/assignments/A/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decodeBody[transit.ProgressState](t, rec).ProgressPercent)

	sample := map[string]any{"latitude": 7.2906, "longitude": 80.6337, "timestamp": time.Now().UTC()}
	rec = e.do(t, http.MethodPost, "/assignments/A/samples", sample)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/assignments/A/progress", nil)
		return rec.Code == http.StatusOK && decodeBody[transit.ProgressState](t, rec).ProgressPercent == 100
	}, time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodPost, "/assignments/Z/samples", sample)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/assignments/Z/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatch(t *testing.T) {
	e := newTestEnv(t, Config{})
	tk := e.bookOne(t, "9")

	rec := e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/watch", map[string]float64{"latitude": 7.0840, "longitude": 80.0098})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/watch", map[string]float64{"latitude": 123, "longitude": 80})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/watch", map[string]float64{"latitude": 7.0840, "longitude": 80.0098})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, Config{RateLimitPerSec: 3})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		e.server.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client")
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, Config{CORSOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/assignments/A/bookings", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClassify(t *testing.T) {
	conflict := fmt.Errorf("%w: %w", booking.ErrSeatConflict, seats.ErrSeatTaken)
	status, kind := classify(conflict)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "seat_conflict", kind)

	status, _ = classify(fmt.Errorf("wrapped: %w", booking.ErrBookingTimeout))
	assert.Equal(t, http.StatusGatewayTimeout, status)

	status, kind = classify(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", kind)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientKey(req))
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}
