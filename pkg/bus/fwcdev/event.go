// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwcdev implements bus.Card on top of the Linux firewire
// character device (/dev/fw*).
package fwcdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ABI version requested from the kernel; 4 adds source and generation to
// inbound request events.
const abiVersion = 4

const (
	eventBusReset = 0x00
	eventResponse = 0x01
	eventRequest  = 0x02
	eventRequest2 = 0x06

	busResetEventSize = 36
	responseHeaderLen = 20
	requestHeaderLen  = 32
	request2HeaderLen = 48
)

var (
	ErrShortEvent   = errors.New("short event from firewire device")
	ErrUnknownEvent = errors.New("unknown event type")

	nativeEndian binary.ByteOrder
)

// Determine native endianness of system
func init() {
	i := uint32(1)
	b := (*[4]byte)(unsafe.Pointer(&i))
	if b[0] == 1 {
		nativeEndian = binary.LittleEndian
	} else {
		nativeEndian = binary.BigEndian
	}
}

// decodeROM converts the ROM image as copied by the kernel, which stores
// the quadlets in host byte order.
func decodeROM(b []byte) []uint32 {
	res := make([]uint32, len(b)/4)
	for i := range res {
		res[i] = nativeEndian.Uint32(b[i*4:])
	}
	return res
}

// struct fw_cdev_event_bus_reset
type busResetEvent struct {
	Closure     uint64
	Type        uint32
	NodeID      uint32
	LocalNodeID uint32
	BMNodeID    uint32
	IRMNodeID   uint32
	RootNodeID  uint32
	Generation  uint32
}

type responseEvent struct {
	closure uint64
	rcode   uint32
	data    []byte
}

type requestEvent struct {
	closure     uint64
	tcode       uint32
	offset      uint64
	handle      uint32
	source      int
	destination int
	generation  int
	// Set for events without source and generation
	legacy bool
	data   []byte
}

// parseEvent decodes one event as returned by a read on the device.
func parseEvent(b []byte) (interface{}, error) {
	if len(b) < 12 {
		return nil, ErrShortEvent
	}
	typ := nativeEndian.Uint32(b[8:])
	switch typ {
	case eventBusReset:
		if len(b) < busResetEventSize {
			return nil, ErrShortEvent
		}
		return &busResetEvent{
			Closure:     nativeEndian.Uint64(b[0:]),
			Type:        typ,
			NodeID:      nativeEndian.Uint32(b[12:]),
			LocalNodeID: nativeEndian.Uint32(b[16:]),
			BMNodeID:    nativeEndian.Uint32(b[20:]),
			IRMNodeID:   nativeEndian.Uint32(b[24:]),
			RootNodeID:  nativeEndian.Uint32(b[28:]),
			Generation:  nativeEndian.Uint32(b[32:]),
		}, nil
	case eventResponse:
		if len(b) < responseHeaderLen {
			return nil, ErrShortEvent
		}
		length := int(nativeEndian.Uint32(b[16:]))
		if responseHeaderLen+length > len(b) {
			return nil, ErrShortEvent
		}
		return &responseEvent{
			closure: nativeEndian.Uint64(b[0:]),
			rcode:   nativeEndian.Uint32(b[12:]),
			data:    b[responseHeaderLen : responseHeaderLen+length],
		}, nil
	case eventRequest:
		if len(b) < requestHeaderLen {
			return nil, ErrShortEvent
		}
		length := int(nativeEndian.Uint32(b[28:]))
		if requestHeaderLen+length > len(b) {
			return nil, ErrShortEvent
		}
		return &requestEvent{
			closure: nativeEndian.Uint64(b[0:]),
			tcode:   nativeEndian.Uint32(b[12:]),
			offset:  nativeEndian.Uint64(b[16:]),
			handle:  nativeEndian.Uint32(b[24:]),
			legacy:  true,
			data:    b[requestHeaderLen : requestHeaderLen+length],
		}, nil
	case eventRequest2:
		if len(b) < request2HeaderLen {
			return nil, ErrShortEvent
		}
		length := int(nativeEndian.Uint32(b[44:]))
		if request2HeaderLen+length > len(b) {
			return nil, ErrShortEvent
		}
		return &requestEvent{
			closure:     nativeEndian.Uint64(b[0:]),
			tcode:       nativeEndian.Uint32(b[12:]),
			offset:      nativeEndian.Uint64(b[16:]),
			source:      int(nativeEndian.Uint32(b[24:])),
			destination: int(nativeEndian.Uint32(b[28:])),
			generation:  int(nativeEndian.Uint32(b[36:])),
			handle:      nativeEndian.Uint32(b[40:]),
			data:        b[request2HeaderLen : request2HeaderLen+length],
		}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, typ)
}
