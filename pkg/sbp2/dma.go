// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Device-visible memory.
//
// Buffers the device has to access (ORBs, page tables, response and data
// buffers) are exposed through an address handler in the low 4 GiB of the
// card's address space. The device reaches them with ordinary read and write
// requests, which is what physical DMA would look like from its side.

package sbp2

import (
	"errors"
	"sort"
	"sync"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

var (
	ErrTryAgain = errors.New("out of device-visible memory, try again later")
)

type DMADirection int

const (
	DMAToDevice DMADirection = iota
	DMAFromDevice
	DMABidirectional
)

const (
	DefaultWindowSize = 16 << 20
	dmaAlignment      = 8
)

type mapping struct {
	start uint64
	buf   []byte
	dir   DMADirection
}

func (m *mapping) end() uint64 {
	return m.start + uint64(len(m.buf))
}

type memoryWindow struct {
	card    bus.Card
	handler bus.AddressHandler

	mu sync.Mutex
	// Sorted by start address
	mappings []*mapping
}

func newMemoryWindow(card bus.Card, size uint64) (*memoryWindow, error) {
	w := &memoryWindow{card: card}
	w.handler.Length = size
	w.handler.Callback = w.handleRequest
	if err := card.AddAddressHandler(&w.handler, bus.LowMemoryRegion); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *memoryWindow) close() {
	w.card.RemoveAddressHandler(&w.handler)
}

func align(v uint64) uint64 {
	return (v + dmaAlignment - 1) &^ (dmaAlignment - 1)
}

// mapBuffer makes buf reachable by the device and returns its bus address.
// Buffers mapped to the device must not be modified until unmapped.
func (w *memoryWindow) mapBuffer(buf []byte, dir DMADirection) (uint64, error) {
	size := uint64(len(buf))
	if size == 0 {
		size = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	// First fit between existing mappings
	cur := align(w.handler.Offset)
	idx := 0
	for ; idx < len(w.mappings); idx++ {
		m := w.mappings[idx]
		if cur+size <= m.start {
			break
		}
		cur = align(m.end())
		if m.end() == m.start {
			cur = align(m.start + 1)
		}
	}
	if cur+size > w.handler.Offset+w.handler.Length {
		return 0, ErrTryAgain
	}
	m := &mapping{start: cur, buf: buf, dir: dir}
	w.mappings = append(w.mappings, nil)
	copy(w.mappings[idx+1:], w.mappings[idx:])
	w.mappings[idx] = m
	return cur, nil
}

func (w *memoryWindow) unmap(addr uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := sort.Search(len(w.mappings), func(i int) bool { return w.mappings[i].start >= addr })
	if i < len(w.mappings) && w.mappings[i].start == addr {
		w.mappings = append(w.mappings[:i], w.mappings[i+1:]...)
	}
}

func (w *memoryWindow) mapped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mappings)
}

// lookup must be called with w.mu held.
func (w *memoryWindow) lookup(offset uint64, length int) *mapping {
	i := sort.Search(len(w.mappings), func(i int) bool { return w.mappings[i].end() > offset })
	if i == len(w.mappings) {
		return nil
	}
	m := w.mappings[i]
	if offset < m.start || offset+uint64(length) > m.end() {
		return nil
	}
	return m
}

func (w *memoryWindow) handleRequest(req *bus.Request) (bus.RCode, []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch req.TCode {
	case bus.TCodeReadQuadletRequest, bus.TCodeReadBlockRequest:
		length := req.Length
		if req.TCode == bus.TCodeReadQuadletRequest {
			length = 4
		}
		m := w.lookup(req.Offset, length)
		if m == nil {
			return bus.RCodeAddressError, nil
		}
		if m.dir == DMAFromDevice {
			return bus.RCodeTypeError, nil
		}
		o := req.Offset - m.start
		data := make([]byte, length)
		copy(data, m.buf[o:])
		return bus.RCodeComplete, data
	case bus.TCodeWriteQuadletRequest, bus.TCodeWriteBlockRequest:
		m := w.lookup(req.Offset, len(req.Payload))
		if m == nil {
			return bus.RCodeAddressError, nil
		}
		if m.dir == DMAToDevice {
			return bus.RCodeTypeError, nil
		}
		copy(m.buf[req.Offset-m.start:], req.Payload)
		return bus.RCodeComplete, nil
	}
	return bus.RCodeTypeError, nil
}
