package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

// host stands in for the SCSI midlayer. It only records which logical units
// are exposed.
type host struct {
	mu       sync.Mutex
	units    map[*sbp2.LogicalUnit]bool
	blocked  bool
	attached chan *sbp2.LogicalUnit
}

func newHost() *host {
	return &host{
		units:    map[*sbp2.LogicalUnit]bool{},
		attached: make(chan *sbp2.LogicalUnit, 16),
	}
}

func (h *host) AddDevice(lu *sbp2.LogicalUnit) error {
	h.mu.Lock()
	h.units[lu] = true
	h.mu.Unlock()
	select {
	case h.attached <- lu:
	default:
	}
	return nil
}

func (h *host) RemoveDevice(lu *sbp2.LogicalUnit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.units, lu)
}

func (h *host) BlockRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked = true
}

func (h *host) UnblockRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked = false
}

// waitAttached returns the first logical unit that finishes logging in.
func (h *host) waitAttached(ctx context.Context) (*sbp2.LogicalUnit, error) {
	var lu *sbp2.LogicalUnit
	select {
	case lu = <-h.attached:
	case <-ctx.Done():
		return nil, fmt.Errorf("no logical unit attached: %v", ctx.Err())
	}
	for lu.State() != sbp2.StateAttached {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, fmt.Errorf("logical unit %s not attached: %v", lu.ID(), ctx.Err())
		}
	}
	return lu, nil
}
