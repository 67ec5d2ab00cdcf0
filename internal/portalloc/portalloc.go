// Package portalloc finds free host ports for workspace containers.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultWindow is how many consecutive ports are tried before giving up.
const DefaultWindow = 1000

const maxPort = 65535

// ErrPortExhausted is returned when no port in the scan window is free.
var ErrPortExhausted = errors.New("no free port available")

// Allocator scans upward from a base port for one that is neither recorded
// as used nor bound on the host. It holds no state; callers serialize
// allocation with persistence of the result.
type Allocator struct {
	// Window bounds the scan to [base, base+Window).
	Window int

	// Probe reports whether the host can bind the port. Defaults to a TCP bind test.
	Probe func(port int) bool
}

// New creates an Allocator with the given scan window. Non-positive
// windows fall back to DefaultWindow.
func New(window int) *Allocator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Allocator{Window: window, Probe: canBind}
}

// Allocate returns the lowest port p >= base such that p is not in used and
// the host can bind it.
func (a *Allocator) Allocate(ctx context.Context, base int, used map[int]struct{}) (int, error) {
	window := a.Window
	if window <= 0 {
		window = DefaultWindow
	}
	probe := a.Probe
	if probe == nil {
		probe = canBind
	}

	for port := base; port < base+window && port <= maxPort; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, taken := used[port]; taken {
			continue
		}
		if probe(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: scanned %d ports from %d", ErrPortExhausted, window, base)
}

// canBind reports whether a TCP listener can be opened on the port on all interfaces.
func canBind(port int) bool {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
