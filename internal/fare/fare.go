// Package fare prices route segments.
//
// A segment fare is the route's base fare scaled by the share of stop
// intervals the segment covers, so the full route always costs exactly the
// base fare and longer segments never cost less. Passenger discounts are
// applied to the unrounded segment fare and the payable amount is rounded
// once.
package fare

import (
	"errors"
	"fmt"
	"math"

	"bus-journeys/internal/transit"
)

var (
	ErrInvalidSegment  = errors.New("invalid segment")
	ErrRouteDegenerate = errors.New("route has fewer than two stops")
)

const (
	studentDiscount = 0.20
	seniorDiscount  = 0.20
)

// SegmentFare returns the fare between two 0-based stop indexes, rounded for
// display.
func SegmentFare(route transit.Route, fromStopIndex, toStopIndex int) (float64, error) {
	seg, err := segmentFare(route, fromStopIndex, toStopIndex)
	if err != nil {
		return 0, err
	}
	return Round2(seg), nil
}

func segmentFare(route transit.Route, fromStopIndex, toStopIndex int) (float64, error) {
	n := len(route.Stops)
	if n < 2 {
		return 0, fmt.Errorf("%w: route %s", ErrRouteDegenerate, route.ID)
	}
	if fromStopIndex < 0 || fromStopIndex >= toStopIndex || toStopIndex >= n {
		return 0, fmt.Errorf("%w: %d -> %d on a %d-stop route", ErrInvalidSegment, fromStopIndex, toStopIndex, n)
	}
	ratio := float64(toStopIndex-fromStopIndex) / float64(n-1)
	return route.BaseFare * ratio, nil
}

// PassengerDiscount returns the discount fraction for a category.
func PassengerDiscount(category transit.PassengerCategory) float64 {
	switch category {
	case transit.Student:
		return studentDiscount
	case transit.Senior:
		return seniorDiscount
	default:
		return 0
	}
}

// TicketPrice is the payable amount for one passenger on a segment.
func TicketPrice(route transit.Route, fromStopIndex, toStopIndex int, category transit.PassengerCategory) (float64, error) {
	seg, err := segmentFare(route, fromStopIndex, toStopIndex)
	if err != nil {
		return 0, err
	}
	return Round2(seg * (1 - PassengerDiscount(category))), nil
}

// Round2 rounds a currency amount to two decimals, half up. The small nudge
// absorbs binary representation error such as 1.005*100 = 100.4999...
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	if v < 0 {
		return -Round2(-v)
	}
	return math.Floor(v*100+0.5+1e-9) / 100
}

// Quote lists the price of a segment for every passenger category.
type Quote struct {
	FromStopIndex int                                   `json:"fromStopIndex"`
	ToStopIndex   int                                   `json:"toStopIndex"`
	SegmentFare   float64                               `json:"segmentFare"`
	Prices        map[transit.PassengerCategory]float64 `json:"prices"`
}

func QuoteSegment(route transit.Route, fromStopIndex, toStopIndex int) (Quote, error) {
	seg, err := segmentFare(route, fromStopIndex, toStopIndex)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		FromStopIndex: fromStopIndex,
		ToStopIndex:   toStopIndex,
		SegmentFare:   Round2(seg),
		Prices:        make(map[transit.PassengerCategory]float64, 3),
	}
	for _, c := range []transit.PassengerCategory{transit.Regular, transit.Student, transit.Senior} {
		q.Prices[c] = Round2(seg * (1 - PassengerDiscount(c)))
	}
	return q, nil
}
