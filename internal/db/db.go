package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS locations (
  id        TEXT PRIMARY KEY,
  city      TEXT NOT NULL,
  state     TEXT NOT NULL DEFAULT '',
  latitude  DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS routes (
  id                         TEXT PRIMARY KEY,
  number                     TEXT NOT NULL DEFAULT '',
  name                       TEXT NOT NULL DEFAULT '',
  total_distance_km          DOUBLE PRECISION NOT NULL DEFAULT 0,
  base_fare                  NUMERIC(10,2) NOT NULL CHECK (base_fare >= 0),
  estimated_duration_minutes INTEGER NOT NULL DEFAULT 0,
  status                     TEXT NOT NULL DEFAULT 'active'
)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
  route_id               TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
  stop_number            INTEGER NOT NULL CHECK (stop_number >= 1),
  location_id            TEXT NOT NULL REFERENCES locations(id),
  arrival_offset_minutes INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (route_id, stop_number)
)`,
	`CREATE TABLE IF NOT EXISTS assignments (
  id               TEXT PRIMARY KEY,
  route_id         TEXT NOT NULL REFERENCES routes(id),
  vehicle_capacity INTEGER NOT NULL CHECK (vehicle_capacity > 0),
  conductor_id     TEXT NOT NULL DEFAULT '',
  status           TEXT NOT NULL,
  start_date       TIMESTAMPTZ,
  end_date         TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS tickets (
  id                 TEXT PRIMARY KEY,
  ticket_number      TEXT NOT NULL UNIQUE,
  assignment_id      TEXT NOT NULL REFERENCES assignments(id),
  passenger_name     TEXT NOT NULL,
  from_stop_index    INTEGER NOT NULL,
  to_stop_index      INTEGER NOT NULL,
  passenger_category TEXT NOT NULL,
  seat_label         TEXT NOT NULL,
  fare               NUMERIC(10,2) NOT NULL,
  payment_method     TEXT NOT NULL,
  status             TEXT NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL,
  boarded_at         TIMESTAMPTZ,
  approved_at        TIMESTAMPTZ,
  completed_at       TIMESTAMPTZ,
  cancelled_at       TIMESTAMPTZ
)`,
	// one seat-holding ticket per seat, the storage-side guard behind the
	// in-memory ledger
	`CREATE UNIQUE INDEX IF NOT EXISTS tickets_seat_held
  ON tickets (assignment_id, seat_label) WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS assignments_status ON assignments (status)`,
}

// Migrate creates the tables the store needs. It is safe to run on every
// start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
