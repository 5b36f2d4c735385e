// Package seats keeps the per-assignment seat ledger.
//
// Each assignment owns one inventory with its own mutex; the registry lock is
// only held long enough to look an inventory up, so bookings on different
// assignments never contend. Availability check and mark-as-taken happen
// under the same inventory lock.
package seats

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrSeatTaken          = errors.New("seat already taken")
	ErrUnknownSeat        = errors.New("unknown seat")
	ErrAssignmentNotFound = errors.New("no seat inventory for assignment")
	ErrInvalidCapacity    = errors.New("vehicle capacity must be positive")
)

type Reservation struct {
	AssignmentID string    `json:"assignmentId"`
	SeatLabel    string    `json:"seatLabel"`
	ReservedAt   time.Time `json:"reservedAt"`
}

type inventory struct {
	mu       sync.Mutex
	capacity int
	taken    map[string]struct{}
}

type Manager struct {
	mu          sync.Mutex
	inventories map[string]*inventory
	now         func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		inventories: make(map[string]*inventory),
		now:         time.Now,
	}
}

// CanonicalLabel returns the canonical form of a seat label: numeric labels
// lose surrounding space and leading zeros, anything else is only trimmed.
func CanonicalLabel(label string) string {
	label = strings.TrimSpace(label)
	if n, err := strconv.Atoi(label); err == nil && n > 0 {
		return strconv.Itoa(n)
	}
	return label
}

func (inv *inventory) label(raw string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 || n > inv.capacity {
		return "", fmt.Errorf("%w: %q (capacity %d)", ErrUnknownSeat, raw, inv.capacity)
	}
	return strconv.Itoa(n), nil
}

// Open creates the inventory for an assignment, pre-marking seats that are
// already held by persisted tickets. Opening an existing inventory is a no-op.
func (m *Manager) Open(assignmentID string, capacity int, taken ...string) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: assignment %s has capacity %d", ErrInvalidCapacity, assignmentID, capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inventories[assignmentID]; exists {
		return nil
	}
	inv := &inventory{capacity: capacity, taken: make(map[string]struct{}, len(taken))}
	for _, raw := range taken {
		label, err := inv.label(raw)
		if err != nil {
			return err
		}
		inv.taken[label] = struct{}{}
	}
	m.inventories[assignmentID] = inv
	return nil
}

// Opened reports whether an inventory exists for the assignment.
func (m *Manager) Opened(assignmentID string) bool {
	_, err := m.get(assignmentID)
	return err == nil
}

// Close drops the inventory once the assignment has ended.
func (m *Manager) Close(assignmentID string) {
	m.mu.Lock()
	delete(m.inventories, assignmentID)
	m.mu.Unlock()
}

func (m *Manager) get(assignmentID string) (*inventory, error) {
	m.mu.Lock()
	inv, ok := m.inventories[assignmentID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	return inv, nil
}

// Reserve marks one seat as taken. Of any number of concurrent callers for
// the same seat exactly one succeeds; the others get ErrSeatTaken.
func (m *Manager) Reserve(assignmentID, seatLabel string) (Reservation, error) {
	res, err := m.ReserveAll(assignmentID, []string{seatLabel})
	if err != nil {
		return Reservation{}, err
	}
	return res[0], nil
}

// ReserveAll marks every seat as taken or none of them.
func (m *Manager) ReserveAll(assignmentID string, seatLabels []string) ([]Reservation, error) {
	inv, err := m.get(assignmentID)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(seatLabels))

	inv.mu.Lock()
	defer inv.mu.Unlock()
	seen := make(map[string]struct{}, len(seatLabels))
	for _, raw := range seatLabels {
		label, err := inv.label(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("%w: seat %s requested twice", ErrSeatTaken, label)
		}
		if _, taken := inv.taken[label]; taken {
			return nil, fmt.Errorf("%w: seat %s on assignment %s", ErrSeatTaken, label, assignmentID)
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	now := m.now()
	out := make([]Reservation, len(labels))
	for i, label := range labels {
		inv.taken[label] = struct{}{}
		out[i] = Reservation{AssignmentID: assignmentID, SeatLabel: label, ReservedAt: now}
	}
	return out, nil
}

// Release frees a seat. Releasing a free seat is a no-op.
func (m *Manager) Release(assignmentID, seatLabel string) error {
	return m.ReleaseAll(assignmentID, []string{seatLabel})
}

func (m *Manager) ReleaseAll(assignmentID string, seatLabels []string) error {
	inv, err := m.get(assignmentID)
	if err != nil {
		return err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, raw := range seatLabels {
		delete(inv.taken, CanonicalLabel(raw))
	}
	return nil
}

// ListTaken returns a sorted point-in-time copy of the taken seats. It is
// advisory; reservation re-checks under the lock.
func (m *Manager) ListTaken(assignmentID string) ([]string, error) {
	inv, err := m.get(assignmentID)
	if err != nil {
		return nil, err
	}
	inv.mu.Lock()
	out := make([]string, 0, len(inv.taken))
	for label := range inv.taken {
		out = append(out, label)
	}
	inv.mu.Unlock()
	SortLabels(out)
	return out, nil
}

// Available returns the free seats in seat-number order.
func (m *Manager) Available(assignmentID string) ([]string, error) {
	inv, err := m.get(assignmentID)
	if err != nil {
		return nil, err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, 0, inv.capacity-len(inv.taken))
	for n := 1; n <= inv.capacity; n++ {
		label := strconv.Itoa(n)
		if _, taken := inv.taken[label]; !taken {
			out = append(out, label)
		}
	}
	return out, nil
}

// Held returns the total number of reserved seats across all inventories.
func (m *Manager) Held() int {
	m.mu.Lock()
	invs := make([]*inventory, 0, len(m.inventories))
	for _, inv := range m.inventories {
		invs = append(invs, inv)
	}
	m.mu.Unlock()
	total := 0
	for _, inv := range invs {
		inv.mu.Lock()
		total += len(inv.taken)
		inv.mu.Unlock()
	}
	return total
}

// FreeSeats lists the seats of a capacity-seat vehicle missing from taken, in
// seat-number order. It serves seat maps of assignments with no open ledger.
func FreeSeats(capacity int, taken []string) []string {
	held := make(map[string]struct{}, len(taken))
	for _, label := range taken {
		held[CanonicalLabel(label)] = struct{}{}
	}
	out := make([]string, 0, max(capacity-len(held), 0))
	for n := 1; n <= capacity; n++ {
		label := strconv.Itoa(n)
		if _, ok := held[label]; !ok {
			out = append(out, label)
		}
	}
	return out
}

// SortLabels orders numeric labels numerically; anything else sorts
// lexically.
func SortLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool {
		a, errA := strconv.Atoi(labels[i])
		b, errB := strconv.Atoi(labels[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return labels[i] < labels[j]
	})
}
