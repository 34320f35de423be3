// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2sim

import (
	"context"
	"encoding/binary"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

func (d *Device) handleCommandAgent(l *login, req *bus.Request) (bus.RCode, []byte) {
	switch req.Offset - l.agent.Offset {
	case sbp2.AgentState:
		if !req.TCode.IsRead() {
			return bus.RCodeTypeError, nil
		}
		return bus.RCodeComplete, make([]byte, 4)
	case sbp2.AgentReset:
		if req.TCode != bus.TCodeWriteQuadletRequest {
			return bus.RCodeTypeError, nil
		}
		d.mu.Lock()
		l.resets++
		d.mu.Unlock()
		return bus.RCodeComplete, nil
	case sbp2.AgentORBPointer:
		if req.TCode != bus.TCodeWriteBlockRequest || len(req.Payload) != 8 {
			return bus.RCodeTypeError, nil
		}
		p := sbp2.Pointer{
			High: binary.BigEndian.Uint32(req.Payload[0:]),
			Low:  binary.BigEndian.Uint32(req.Payload[4:]),
		}
		go d.command(l, req.Source, req.Generation, p)
		return bus.RCodeComplete, nil
	case sbp2.AgentDoorbell, sbp2.AgentUnsolicitedStatusEnab:
		return bus.RCodeComplete, nil
	}
	return bus.RCodeAddressError, nil
}

type segment struct {
	node   int
	offset uint64
	length int
}

func (d *Device) command(l *login, node, generation int, p sbp2.Pointer) {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	b, ok := d.read(ctx, node, generation, p.Offset(), sbp2.CommandORBSize)
	if !ok {
		return
	}
	var orb sbp2.CommandORB
	_ = orb.UnmarshalBinary(b)

	d.mu.Lock()
	d.commands++
	fifo := l.statusFIFO
	initiator := l.initiator
	d.mu.Unlock()

	segs, ok := d.segments(ctx, node, generation, &orb)
	if !ok {
		d.writeStatus(ctx, initiator, generation, fifo, p, Reply{Response: sbp2.StatusTransportFailure, Dead: true})
		return
	}
	chunk := 1 << (orb.MaxPayload() + 2)

	req := &Request{
		LUN:        l.lun,
		CDB:        orb.CommandBlock[:],
		FromDevice: orb.FromDevice(),
	}
	for _, s := range segs {
		req.Length += s.length
	}
	if !req.FromDevice && req.Length > 0 {
		for _, s := range segs {
			for off := 0; off < s.length; off += chunk {
				n := min(chunk, s.length-off)
				data, ok := d.read(ctx, s.node, generation, s.offset+uint64(off), n)
				if !ok {
					d.writeStatus(ctx, initiator, generation, fifo, p, Reply{Response: sbp2.StatusTransportFailure, Dead: true})
					return
				}
				req.Data = append(req.Data, data...)
			}
		}
	}

	r := d.cfg.Handler(req)

	if req.FromDevice && len(r.Data) > 0 {
		data := r.Data
		for _, s := range segs {
			for off := 0; off < s.length && len(data) > 0; off += chunk {
				n := min(chunk, s.length-off, len(data))
				if !d.write(ctx, s.node, generation, s.offset+uint64(off), data[:n]) {
					d.writeStatus(ctx, initiator, generation, fifo, p, Reply{Response: sbp2.StatusTransportFailure, Dead: true})
					return
				}
				data = data[n:]
			}
		}
	}
	if r.Drop {
		return
	}
	d.writeStatus(ctx, initiator, generation, fifo, p, r)
}

// segments resolves the data descriptor of a command ORB.
func (d *Device) segments(ctx context.Context, node, generation int, orb *sbp2.CommandORB) ([]segment, bool) {
	size := orb.DataSize()
	if size == 0 {
		return nil, true
	}
	dataNode := int(orb.DataDescriptor.High >> 16)
	if dataNode == 0 {
		dataNode = node
	}
	if !orb.PageTablePresent() {
		return []segment{{node: dataNode, offset: orb.DataDescriptor.Offset(), length: size}}, true
	}
	b, ok := d.read(ctx, dataNode, generation, orb.DataDescriptor.Offset(), size*sbp2.PageTableEntrySize)
	if !ok {
		return nil, false
	}
	var segs []segment
	for _, e := range sbp2.ParsePageTable(b) {
		segs = append(segs, segment{node: dataNode, offset: uint64(e.Address), length: int(e.Length)})
	}
	return segs, true
}
