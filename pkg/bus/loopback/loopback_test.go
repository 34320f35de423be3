// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loopback

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

func echoHandler(length uint64) *bus.AddressHandler {
	return &bus.AddressHandler{
		Length: length,
		Callback: func(req *bus.Request) (bus.RCode, []byte) {
			if req.TCode.IsRead() {
				return bus.RCodeComplete, bytes.Repeat([]byte{0xa5}, req.Length+4)
			}
			return bus.RCodeComplete, nil
		},
	}
}

func TestTransactions(t *testing.T) {
	b := New()
	a := b.AddNode(1)
	c := b.AddNode(2)
	h := echoHandler(0x100)
	if err := c.AddAddressHandler(h, bus.HighMemoryRegion); err != nil {
		t.Fatalf("AddAddressHandler() failed: %v", err)
	}

	testCases := []struct {
		name       string
		tcode      bus.TCode
		node       int
		generation int
		offset     uint64
		rcode      bus.RCode
		length     int
	}{
		{"Read", bus.TCodeReadBlockRequest, c.NodeID(), 1, h.Offset, bus.RCodeComplete, 8},
		{"Write", bus.TCodeWriteBlockRequest, c.NodeID(), 1, h.Offset + 8, bus.RCodeComplete, 0},
		{"Stale generation", bus.TCodeWriteBlockRequest, c.NodeID(), 0, h.Offset, bus.RCodeGeneration, 0},
		{"Unmapped offset", bus.TCodeWriteBlockRequest, c.NodeID(), 1, h.Offset + 0x100, bus.RCodeAddressError, 0},
		{"No such node", bus.TCodeWriteBlockRequest, LocalBus | 5, 1, h.Offset, bus.RCodeNoAck, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rcode, data := bus.RunTransaction(context.Background(), a, tc.tcode, tc.node, tc.generation,
				bus.S400, tc.offset, []byte{1, 2, 3, 4}, tc.length)
			if rcode != tc.rcode || len(data) != tc.length {
				t.Errorf("RunTransaction() = %s, %d bytes; want %s, %d bytes", rcode, len(data), tc.rcode, tc.length)
			}
		})
	}
}

func TestAddressAllocation(t *testing.T) {
	n := New().AddNode(1)
	region := bus.Region{Start: 0x1000, End: 0x1400}
	h1, h2, h3 := echoHandler(0x200), echoHandler(0x100), echoHandler(0x100)
	for _, h := range []*bus.AddressHandler{h1, h2, h3} {
		if err := n.AddAddressHandler(h, region); err != nil {
			t.Fatalf("AddAddressHandler() failed: %v", err)
		}
	}
	if h1.Offset != 0x1000 || h2.Offset != 0x1200 || h3.Offset != 0x1300 {
		t.Errorf("offsets = %x, %x, %x", h1.Offset, h2.Offset, h3.Offset)
	}
	if err := n.AddAddressHandler(echoHandler(4), region); err != bus.ErrNoAddressSpace {
		t.Errorf("AddAddressHandler() on full region error = %v; want %v", err, bus.ErrNoAddressSpace)
	}
	n.RemoveAddressHandler(h2)
	h4 := echoHandler(0x80)
	if err := n.AddAddressHandler(h4, region); err != nil || h4.Offset != 0x1200 {
		t.Errorf("AddAddressHandler() after removal = %x, %v; want 1200", h4.Offset, err)
	}
}

func TestCancel(t *testing.T) {
	b := New()
	b.SetLatency(20 * time.Millisecond)
	a := b.AddNode(1)
	c := b.AddNode(2)
	h := echoHandler(8)
	_ = c.AddAddressHandler(h, bus.HighMemoryRegion)

	called := make(chan struct{}, 1)
	tr := &bus.Transaction{}
	a.SendRequest(tr, bus.TCodeWriteQuadletRequest, c.NodeID(), 1, bus.S400, h.Offset, make([]byte, 4), 4,
		func(bus.RCode, []byte) { called <- struct{}{} })
	if !a.CancelTransaction(tr) {
		t.Fatalf("CancelTransaction() = false; want true")
	}
	b.Wait()
	select {
	case <-called:
		t.Errorf("callback called for cancelled transaction")
	default:
	}
	if a.CancelTransaction(tr) {
		t.Errorf("second CancelTransaction() = true")
	}
}

func TestBusReset(t *testing.T) {
	b := New()
	a := b.AddNode(1)
	c := b.AddNode(2)
	r := a.Remote(c)

	var seen []int
	a.OnBusReset(func(generation int) { seen = append(seen, generation) })
	if gen := b.Reset(true); gen != 2 {
		t.Errorf("Reset() = %d; want 2", gen)
	}
	node, gen := r.NodeGeneration()
	if node != LocalBus|0 || gen != 2 {
		t.Errorf("NodeGeneration() = %04x, %d; want ffc0, 2", node, gen)
	}
	if a.NodeID() != LocalBus|1 {
		t.Errorf("NodeID() = %04x; want ffc1", a.NodeID())
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("reset hooks saw %v; want [2]", seen)
	}
	c.Shutdown()
	if !r.IsShutdown() {
		t.Errorf("IsShutdown() = false")
	}
}
