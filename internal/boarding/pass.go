// Package boarding issues and verifies the signed token carried in a
// ticket's QR code. A valid token lets the conductor move the ticket from
// active to boarded.
package boarding

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bus-journeys/internal/transit"
)

var (
	ErrInvalidPass = errors.New("invalid boarding pass")
	ErrNoSecret    = errors.New("boarding pass secret is empty")
)

const issuerName = "bus-journeys"

type Claims struct {
	AssignmentID string `json:"aid"`
	SeatLabel    string `json:"seat"`
	jwt.RegisteredClaims
}

// TicketID is the ticket the pass was issued for.
func (c *Claims) TicketID() string { return c.Subject }

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a pass for an active ticket.
func (i *Issuer) Issue(t transit.Ticket) (string, error) {
	if t.Status != transit.TicketActive {
		return "", fmt.Errorf("%w: ticket %s is %s", ErrInvalidPass, t.ID, t.Status)
	}
	now := i.now()
	claims := Claims{
		AssignmentID: t.AssignmentID,
		SeatLabel:    t.SeatLabel,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   t.ID,
			ID:        t.TicketNumber,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, issuer and expiry and returns the pass claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing ticket id", ErrInvalidPass)
	}
	return claims, nil
}
