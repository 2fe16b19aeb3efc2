package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrPortConflict means an explicitly requested port is out of range
	// or already held by another instance.
	ErrPortConflict = errors.New("port conflict")
	// ErrPortsExhausted means no free port remains in the configured range.
	ErrPortsExhausted = errors.New("no available ports in range")
)

// PortRange is an inclusive [Start, End] range of host ports
type PortRange struct {
	Start int
	End   int
}

// Contains reports whether port lies in the range
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Allocate returns the lowest port in the range not present in used
func (r PortRange) Allocate(used map[int]bool) (int, error) {
	for port := r.Start; port <= r.End; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("range %d-%d: %w", r.Start, r.End, ErrPortsExhausted)
}

// Reserve validates an explicitly requested port against the range and
// the set of ports already in use. Explicit ports get the same
// uniqueness check as auto-assigned ones.
func (r PortRange) Reserve(port int, used map[int]bool) error {
	if !r.Contains(port) {
		return fmt.Errorf("port %d outside range %d-%d: %w", port, r.Start, r.End, ErrPortConflict)
	}
	if used[port] {
		return fmt.Errorf("port %d already in use: %w", port, ErrPortConflict)
	}
	return nil
}
