package transit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStopRoute() Route {
	return Route{
		ID:       "r1",
		BaseFare: 100,
		Stops: []Stop{
			{Location: Location{ID: "a", Latitude: 6.9, Longitude: 79.8}, StopNumber: 1, ArrivalOffsetMinutes: 0},
			{Location: Location{ID: "b", Latitude: 7.0, Longitude: 80.0}, StopNumber: 2, ArrivalOffsetMinutes: 30},
			{Location: Location{ID: "c", Latitude: 7.2, Longitude: 80.6}, StopNumber: 3, ArrivalOffsetMinutes: 60},
		},
	}
}

func TestRouteValidate(t *testing.T) {
	t.Run("valid route", func(t *testing.T) {
		require.NoError(t, threeStopRoute().Validate())
	})

	t.Run("single stop", func(t *testing.T) {
		r := threeStopRoute()
		r.Stops = r.Stops[:1]
		assert.ErrorIs(t, r.Validate(), ErrInvalidRoute)
	})

	t.Run("stop numbers out of order", func(t *testing.T) {
		r := threeStopRoute()
		r.Stops[1].StopNumber = 3
		assert.ErrorIs(t, r.Validate(), ErrInvalidRoute)
	})

	t.Run("offsets decrease", func(t *testing.T) {
		r := threeStopRoute()
		r.Stops[2].ArrivalOffsetMinutes = 10
		assert.ErrorIs(t, r.Validate(), ErrInvalidRoute)
	})

	t.Run("origin and destination", func(t *testing.T) {
		r := threeStopRoute()
		assert.Equal(t, 6.9, r.Origin().Lat)
		assert.Equal(t, 80.6, r.Destination().Lon)
	})
}

func TestTicketTransitions(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	t.Run("board then complete", func(t *testing.T) {
		tk := Ticket{Status: TicketActive}
		require.NoError(t, tk.Transition(TicketBoarded, now))
		require.NoError(t, tk.Transition(TicketCompleted, now.Add(time.Hour)))
		assert.Equal(t, TicketCompleted, tk.Status)
		require.NotNil(t, tk.BoardedAt)
		require.NotNil(t, tk.CompletedAt)
		assert.Equal(t, now.Add(time.Hour), *tk.CompletedAt)
	})

	t.Run("conductor approval path", func(t *testing.T) {
		tk := Ticket{Status: TicketActive}
		require.NoError(t, tk.Transition(TicketApproved, now))
		require.NoError(t, tk.Transition(TicketCompleted, now))
		assert.NotNil(t, tk.ApprovedAt)
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		tk := Ticket{Status: TicketActive}
		require.NoError(t, tk.Transition(TicketCancelled, now))
		assert.False(t, tk.HoldsSeat())
		assert.True(t, tk.Status.Terminal())
		assert.ErrorIs(t, tk.Transition(TicketActive, now), ErrInvalidTransition)
		assert.ErrorIs(t, tk.Transition(TicketBoarded, now), ErrInvalidTransition)
	})

	t.Run("boarded cannot be cancelled", func(t *testing.T) {
		tk := Ticket{Status: TicketBoarded}
		assert.ErrorIs(t, tk.Transition(TicketCancelled, now), ErrInvalidTransition)
		assert.Nil(t, tk.CancelledAt)
	})

	t.Run("active cannot complete directly", func(t *testing.T) {
		tk := Ticket{Status: TicketActive}
		assert.ErrorIs(t, tk.Transition(TicketCompleted, now), ErrInvalidTransition)
	})
}

func TestPassengerCategoryValid(t *testing.T) {
	assert.True(t, Regular.Valid())
	assert.True(t, Student.Valid())
	assert.True(t, Senior.Valid())
	assert.False(t, PassengerCategory("child").Valid())
	assert.False(t, PassengerCategory("").Valid())
}
