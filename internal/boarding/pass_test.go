package boarding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-journeys/internal/transit"
)

func activeTicket() transit.Ticket {
	return transit.Ticket{
		ID:           "t-1",
		TicketNumber: "TKT-20261017-ABC123",
		AssignmentID: "A",
		SeatLabel:    "12",
		Status:       transit.TicketActive,
	}
}

func TestIssueAndVerify(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	token, err := iss.Issue(activeTicket())
	require.NoError(t, err)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "t-1", claims.TicketID())
	assert.Equal(t, "A", claims.AssignmentID)
	assert.Equal(t, "12", claims.SeatLabel)
	assert.Equal(t, "TKT-20261017-ABC123", claims.ID)
}

func TestVerifyRejects(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	token, err := iss.Issue(activeTicket())
	require.NoError(t, err)

	t.Run("other secret", func(t *testing.T) {
		other, err := NewIssuer("different", time.Hour)
		require.NoError(t, err)
		_, err = other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidPass)
	})

	t.Run("expired", func(t *testing.T) {
		late := *iss
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidPass)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidPass)
	})
}

func TestIssueRequiresActiveTicket(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	tk := activeTicket()
	tk.Status = transit.TicketCancelled
	_, err = iss.Issue(tk)
	assert.ErrorIs(t, err, ErrInvalidPass)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
