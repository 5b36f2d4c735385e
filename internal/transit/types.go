package transit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"bus-journeys/internal/geo"
)

var ErrInvalidRoute = errors.New("invalid route")

type Location struct {
	ID        string  `json:"id"`
	City      string  `json:"city"`
	State     string  `json:"state"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l Location) Point() geo.Point { return geo.Point{Lat: l.Latitude, Lon: l.Longitude} }

type Stop struct {
	Location             Location `json:"location"`
	StopNumber           int      `json:"stopNumber"`           // 1-based position on the route
	ArrivalOffsetMinutes int      `json:"arrivalOffsetMinutes"` // minutes from departure
}

type RouteStatus string

const (
	RouteActive   RouteStatus = "active"
	RouteInactive RouteStatus = "inactive"
)

type Route struct {
	ID                       string      `json:"id"`
	Number                   string      `json:"number"`
	Name                     string      `json:"name"`
	Stops                    []Stop      `json:"stops"`
	TotalDistanceKm          float64     `json:"totalDistanceKm"`
	BaseFare                 float64     `json:"baseFare"` // full-route fare
	EstimatedDurationMinutes int         `json:"estimatedDurationMinutes"`
	Status                   RouteStatus `json:"status"`
}

// Validate checks the structural invariants of a route: at least two stops,
// stop numbers 1..n in order and non-decreasing arrival offsets.
func (r Route) Validate() error {
	if len(r.Stops) < 2 {
		return fmt.Errorf("%w: route %s has %d stops, need at least 2", ErrInvalidRoute, r.ID, len(r.Stops))
	}
	if r.BaseFare < 0 || math.IsNaN(r.BaseFare) {
		return fmt.Errorf("%w: route %s has negative base fare", ErrInvalidRoute, r.ID)
	}
	prev := 0
	for i, s := range r.Stops {
		if s.StopNumber != i+1 {
			return fmt.Errorf("%w: route %s stop %d has stopNumber %d", ErrInvalidRoute, r.ID, i, s.StopNumber)
		}
		if s.ArrivalOffsetMinutes < prev {
			return fmt.Errorf("%w: route %s stop %d arrives before the previous stop", ErrInvalidRoute, r.ID, s.StopNumber)
		}
		prev = s.ArrivalOffsetMinutes
	}
	return nil
}

func (r Route) Origin() geo.Point {
	if len(r.Stops) == 0 {
		return geo.Point{}
	}
	return r.Stops[0].Location.Point()
}

func (r Route) Destination() geo.Point {
	if len(r.Stops) == 0 {
		return geo.Point{}
	}
	return r.Stops[len(r.Stops)-1].Location.Point()
}

type AssignmentStatus string

const (
	AssignmentScheduled AssignmentStatus = "scheduled"
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Assignment pairs a route with a vehicle and conductor for a service window.
type Assignment struct {
	ID              string           `json:"id"`
	Route           Route            `json:"route"`
	VehicleCapacity int              `json:"vehicleCapacity"`
	ConductorID     string           `json:"conductorId"` // opaque id from the identity provider
	Status          AssignmentStatus `json:"status"`
	StartDate       time.Time        `json:"startDate"`
	EndDate         time.Time        `json:"endDate"`
}

// Bookable reports whether seats may be sold on the assignment.
func (a Assignment) Bookable() bool {
	return a.Status == AssignmentScheduled || a.Status == AssignmentActive
}

type PassengerCategory string

const (
	Regular PassengerCategory = "regular"
	Student PassengerCategory = "student"
	Senior  PassengerCategory = "senior"
)

func (c PassengerCategory) Valid() bool {
	switch c {
	case Regular, Student, Senior:
		return true
	}
	return false
}

type PassengerBookingRequest struct {
	Name        string            `json:"name" validate:"required"`
	Category    PassengerCategory `json:"category" validate:"required,oneof=regular student senior"`
	DesiredSeat string            `json:"desiredSeat" validate:"required"`
}

type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   *float64  `json:"heading,omitempty"` // degrees
	Speed     *float64  `json:"speed,omitempty"`   // km/h
	Timestamp time.Time `json:"timestamp"`
}

func (s LocationSample) Point() geo.Point { return geo.Point{Lat: s.Latitude, Lon: s.Longitude} }

// Milestone is a one-shot journey event. Ordered milestones are raised in
// rank order; Approaching is per passenger and sits outside the ordering.
type Milestone string

const (
	Milestone25 Milestone = "25"
	Milestone50 Milestone = "50"
	Milestone75 Milestone = "75"
	Milestone90 Milestone = "90"
	Arriving    Milestone = "arriving"
	Approaching Milestone = "approaching"
)

// ProgressState is a derived view over route geometry and the latest sample.
type ProgressState struct {
	AssignmentID    string    `json:"assignmentId"`
	ProgressPercent float64   `json:"progressPercent"`
	RemainingKm     float64   `json:"remainingKm"`
	ETA             time.Time `json:"eta"`
	LastMilestone   Milestone `json:"lastMilestoneCrossed,omitempty"`
	Position        geo.Point `json:"position"`
	SampledAt       time.Time `json:"sampledAt"`
}
