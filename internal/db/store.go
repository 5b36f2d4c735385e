package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bus-journeys/internal/booking"
	"bus-journeys/internal/transit"
)

// Store is the PostgreSQL implementation of booking.Store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

const assignmentColumns = `a.id, a.vehicle_capacity, a.conductor_id, a.status, a.start_date, a.end_date,
       r.id, r.number, r.name, r.total_distance_km, r.base_fare, r.estimated_duration_minutes, r.status`

func (s *Store) Assignment(ctx context.Context, id string) (transit.Assignment, error) {
	q := `SELECT ` + assignmentColumns + `
FROM assignments a JOIN routes r ON r.id = a.route_id
WHERE a.id = $1`
	var (
		a          transit.Assignment
		start, end sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&a.ID, &a.VehicleCapacity, &a.ConductorID, &a.Status, &start, &end,
		&a.Route.ID, &a.Route.Number, &a.Route.Name, &a.Route.TotalDistanceKm, &a.Route.BaseFare,
		&a.Route.EstimatedDurationMinutes, &a.Route.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Assignment{}, fmt.Errorf("%w: %s", booking.ErrAssignmentNotFound, id)
	}
	if err != nil {
		return transit.Assignment{}, fmt.Errorf("query assignment %s: %w", id, err)
	}
	a.StartDate, a.EndDate = start.Time, end.Time
	stops, err := s.routeStops(ctx, a.Route.ID)
	if err != nil {
		return transit.Assignment{}, err
	}
	a.Route.Stops = stops
	return a, nil
}

func (s *Store) routeStops(ctx context.Context, routeID string) ([]transit.Stop, error) {
	q := `SELECT rs.stop_number, rs.arrival_offset_minutes,
       l.id, l.city, l.state, l.latitude, l.longitude
FROM route_stops rs JOIN locations l ON l.id = rs.location_id
WHERE rs.route_id = $1
ORDER BY rs.stop_number`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	var stops []transit.Stop
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.StopNumber, &st.ArrivalOffsetMinutes,
			&st.Location.ID, &st.Location.City, &st.Location.State, &st.Location.Latitude, &st.Location.Longitude); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// ActiveAssignments returns the assignments currently in service.
func (s *Store) ActiveAssignments(ctx context.Context) ([]transit.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM assignments WHERE status = $1 ORDER BY id`, transit.AssignmentActive)
	if err != nil {
		return nil, fmt.Errorf("query active assignments: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	out := make([]transit.Assignment, 0, len(ids))
	for _, id := range ids {
		a, err := s.Assignment(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveRoute upserts a route together with its stop locations.
func (s *Store) SaveRoute(ctx context.Context, r transit.Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	status := r.Status
	if status == "" {
		status = transit.RouteActive
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, st := range r.Stops {
			l := st.Location
			if _, err := tx.ExecContext(ctx, `
INSERT INTO locations (id, city, state, latitude, longitude) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET city = EXCLUDED.city, state = EXCLUDED.state,
  latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude`,
				l.ID, l.City, l.State, l.Latitude, l.Longitude); err != nil {
				return fmt.Errorf("upsert location %s: %w", l.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO routes (id, number, name, total_distance_km, base_fare, estimated_duration_minutes, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET number = EXCLUDED.number, name = EXCLUDED.name,
  total_distance_km = EXCLUDED.total_distance_km, base_fare = EXCLUDED.base_fare,
  estimated_duration_minutes = EXCLUDED.estimated_duration_minutes, status = EXCLUDED.status`,
			r.ID, r.Number, r.Name, r.TotalDistanceKm, r.BaseFare, r.EstimatedDurationMinutes, status); err != nil {
			return fmt.Errorf("upsert route %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
			return fmt.Errorf("clear route stops: %w", err)
		}
		for _, st := range r.Stops {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO route_stops (route_id, stop_number, location_id, arrival_offset_minutes) VALUES ($1, $2, $3, $4)`,
				r.ID, st.StopNumber, st.Location.ID, st.ArrivalOffsetMinutes); err != nil {
				return fmt.Errorf("insert route stop %d: %w", st.StopNumber, err)
			}
		}
		return nil
	})
}

// SaveAssignment upserts an assignment. Its route must already be saved.
func (s *Store) SaveAssignment(ctx context.Context, a transit.Assignment) error {
	if a.VehicleCapacity <= 0 {
		return fmt.Errorf("invalid vehicle capacity %d for assignment %s", a.VehicleCapacity, a.ID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO assignments (id, route_id, vehicle_capacity, conductor_id, status, start_date, end_date)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET route_id = EXCLUDED.route_id, vehicle_capacity = EXCLUDED.vehicle_capacity,
  conductor_id = EXCLUDED.conductor_id, status = EXCLUDED.status,
  start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date`,
		a.ID, a.Route.ID, a.VehicleCapacity, a.ConductorID, a.Status, nullTime(a.StartDate), nullTime(a.EndDate))
	if err != nil {
		return fmt.Errorf("upsert assignment %s: %w", a.ID, err)
	}
	return nil
}

const ticketColumns = `id, ticket_number, assignment_id, passenger_name, from_stop_index, to_stop_index,
       passenger_category, seat_label, fare, payment_method, status, created_at,
       boarded_at, approved_at, completed_at, cancelled_at`

func (s *Store) Ticket(ctx context.Context, id string) (transit.Ticket, error) {
	var (
		t                                     transit.Ticket
		boarded, approved, completed, cancels sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id).Scan(
		&t.ID, &t.TicketNumber, &t.AssignmentID, &t.PassengerName, &t.FromStopIndex, &t.ToStopIndex,
		&t.PassengerCategory, &t.SeatLabel, &t.Fare, &t.PaymentMethod, &t.Status, &t.CreatedAt,
		&boarded, &approved, &completed, &cancels)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Ticket{}, fmt.Errorf("%w: %s", booking.ErrTicketNotFound, id)
	}
	if err != nil {
		return transit.Ticket{}, fmt.Errorf("query ticket %s: %w", id, err)
	}
	t.BoardedAt = timePtr(boarded)
	t.ApprovedAt = timePtr(approved)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancels)
	return t, nil
}

func (s *Store) ActiveSeatLabels(ctx context.Context, assignmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seat_label FROM tickets WHERE assignment_id = $1 AND status <> $2 ORDER BY seat_label`,
		assignmentID, transit.TicketCancelled)
	if err != nil {
		return nil, fmt.Errorf("query held seats: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		out = append(out, label)
	}
	return out, rows.Err()
}

// InsertTickets writes all tickets in one transaction.
func (s *Store) InsertTickets(ctx context.Context, tickets []transit.Ticket) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tickets {
			if _, err := stmt.ExecContext(ctx,
				t.ID, t.TicketNumber, t.AssignmentID, t.PassengerName, t.FromStopIndex, t.ToStopIndex,
				t.PassengerCategory, t.SeatLabel, t.Fare, t.PaymentMethod, t.Status, t.CreatedAt,
				nullTimePtr(t.BoardedAt), nullTimePtr(t.ApprovedAt), nullTimePtr(t.CompletedAt), nullTimePtr(t.CancelledAt)); err != nil {
				return insertError(t, err)
			}
		}
		return nil
	})
}

const (
	uniqueViolation    = "23505"
	seatHeldConstraint = "tickets_seat_held"
)

// insertError reports a seat already held by another live ticket as a seat
// conflict.
func insertError(t transit.Ticket, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == seatHeldConstraint {
		return fmt.Errorf("%w: seat %s on assignment %s", booking.ErrSeatConflict, t.SeatLabel, t.AssignmentID)
	}
	return fmt.Errorf("insert ticket %s: %w", t.TicketNumber, err)
}

// UpdateTicket stores t only if the row still has status from.
func (s *Store) UpdateTicket(ctx context.Context, t transit.Ticket, from transit.TicketStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tickets SET status = $2, boarded_at = $3, approved_at = $4, completed_at = $5, cancelled_at = $6
WHERE id = $1 AND status = $7`,
		t.ID, t.Status, nullTimePtr(t.BoardedAt), nullTimePtr(t.ApprovedAt), nullTimePtr(t.CompletedAt), nullTimePtr(t.CancelledAt), from)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var cur transit.TicketStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = $1`, t.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", booking.ErrTicketNotFound, t.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: ticket %s is %s, expected %s", booking.ErrConcurrentUpdate, t.ID, cur, from)
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
