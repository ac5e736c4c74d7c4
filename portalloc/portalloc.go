package portalloc

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ErrPortExhausted is returned when no free port could be leased within the
// configured attempt budget.
var ErrPortExhausted = errors.New("port range exhausted")

// Lease is an exclusive claim on one host port. It stays valid until released;
// release happens exactly once even if Release is called repeatedly.
type Lease struct {
	Port int

	// OwnerID is the container the lease was bound to, set by the pool.
	OwnerID string

	released bool
}

// probeFunc verifies that a candidate port can be bound on the host.
type probeFunc func(port int) error

// Allocator leases ports from a fixed inclusive range.
type Allocator struct {
	min         int
	max         int
	maxAttempts int
	logger      *zap.Logger
	probe       probeFunc

	mu     sync.Mutex
	leased map[int]*Lease
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe overrides the bind-and-release availability check.
func WithProbe(probe probeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// New creates an allocator over the inclusive range [min, max].
func New(logger *zap.Logger, min, max, maxAttempts int, opts ...Option) *Allocator {
	a := &Allocator{
		min:         min,
		max:         max,
		maxAttempts: maxAttempts,
		logger:      logger,
		probe:       bindProbe,
		leased:      make(map[int]*Lease),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate leases a free port. Candidates start at a uniformly random offset
// and scan forward so that a free port, if one exists, is always found; probe
// conflicts (something else on the host holds the port) consume attempts and
// are retried with the next candidate.
func (a *Allocator) Allocate() (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	offset := rand.IntN(size)

	skipped := make(map[int]bool)
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		port, ok := a.nextFree(offset, skipped)
		if !ok {
			return nil, fmt.Errorf("no free port in [%d,%d]: %w", a.min, a.max, ErrPortExhausted)
		}

		if err := a.probe(port); err != nil {
			a.logger.Debug("port bind probe failed",
				zap.Int("port", port),
				zap.Error(err))
			skipped[port] = true
			continue
		}

		lease := &Lease{Port: port}
		a.leased[port] = lease
		a.logger.Debug("port leased", zap.Int("port", port))
		return lease, nil
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", a.maxAttempts, ErrPortExhausted)
}

// nextFree scans the range starting at the random offset for a port that is
// neither leased nor skipped this call. Caller holds the mutex.
func (a *Allocator) nextFree(offset int, skipped map[int]bool) (int, bool) {
	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.min + (offset+i)%size
		if _, taken := a.leased[port]; taken {
			continue
		}
		if skipped[port] {
			continue
		}
		return port, true
	}
	return 0, false
}

// Release returns a lease to the free pool. Releasing an already-released
// lease is a no-op.
func (a *Allocator) Release(lease *Lease) {
	if lease == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if lease.released {
		return
	}
	lease.released = true
	delete(a.leased, lease.Port)
	a.logger.Debug("port released", zap.Int("port", lease.Port))
}

// LeasedCount reports the number of active leases.
func (a *Allocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// bindProbe binds the port on all interfaces and immediately releases it.
func bindProbe(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
