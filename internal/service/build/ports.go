package build

import (
	"fmt"
	"net"
	"sync"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
)

// ErrNoFreePort means neither the tier range nor the overflow range had
// a bindable port left.
var ErrNoFreePort = fmt.Errorf("no free host port available")

// PortAllocator hands out host ports, preferring the tier's range and
// overflowing into a shared fallback range. Claims are tracked in
// process so two concurrent builds cannot race onto the same port
// between probe and container start.
type PortAllocator struct {
	fallback domain.PortRange

	mu      sync.Mutex
	claimed map[int]struct{}
}

// NewPortAllocator constructs an allocator with the shared overflow range.
func NewPortAllocator(fallback domain.PortRange) *PortAllocator {
	return &PortAllocator{fallback: fallback, claimed: make(map[int]struct{})}
}

// Claim returns a free host port and a release function. The port stays
// claimed until released, which happens when the container is removed
// or the build fails before starting one.
func (a *PortAllocator) Claim(preferred domain.PortRange) (int, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range []domain.PortRange{preferred, a.fallback} {
		for port := r.Lo; port <= r.Hi; port++ {
			if _, taken := a.claimed[port]; taken {
				continue
			}
			if !portFree(port) {
				continue
			}
			a.claimed[port] = struct{}{}
			claimed := port
			var once sync.Once
			release := func() {
				once.Do(func() {
					a.mu.Lock()
					defer a.mu.Unlock()
					delete(a.claimed, claimed)
				})
			}
			return claimed, release, nil
		}
	}
	return 0, nil, ErrNoFreePort
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
