// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2sim

import (
	"encoding/binary"
	"sync"

	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

const (
	BlockSize = 512

	opTestUnitReady  = 0x00
	opRequestSense   = 0x03
	opInquiry        = 0x12
	opStartStopUnit  = 0x1b
	opReadCapacity10 = 0x25
	opRead10         = 0x28
	opWrite10        = 0x2a

	senseIllegalRequest = 0x05
	ascInvalidOpcode    = 0x20
	ascLBAOutOfRange    = 0x21
)

// Disk is a RAM backed direct access device.
type Disk struct {
	mu   sync.Mutex
	data []byte

	Vendor   string
	Product  string
	Revision string
}

func NewDisk(size int) *Disk {
	return &Disk{
		data:     make([]byte, size/BlockSize*BlockSize),
		Vendor:   "GOSBP2",
		Product:  "LOOPBACK DISK",
		Revision: "0001",
	}
}

// CheckCondition returns the status bytes of a CHECK CONDITION with
// current sense data.
func CheckCondition(key, asc, ascq byte) []byte {
	b := make([]byte, 8)
	b[0] = 0x02
	b[1] = key & 0x0f
	b[2] = asc
	b[3] = ascq
	return b
}

func (k *Disk) Handle(req *Request) Reply {
	cdb := req.CDB
	switch cdb[0] {
	case opTestUnitReady, opStartStopUnit:
		return Reply{}
	case opInquiry:
		return Reply{Data: k.inquiry(req.Length)}
	case opRequestSense:
		b := make([]byte, 18)
		b[0] = 0x70
		b[7] = 10
		return Reply{Data: b}
	case opReadCapacity10:
		b := make([]byte, 8)
		binary.BigEndian.PutUint32(b[0:], uint32(len(k.data)/BlockSize-1))
		binary.BigEndian.PutUint32(b[4:], BlockSize)
		return Reply{Data: b}
	case opRead10, opWrite10:
		lba := int(binary.BigEndian.Uint32(cdb[2:]))
		n := int(binary.BigEndian.Uint16(cdb[7:]))
		start, end := lba*BlockSize, (lba+n)*BlockSize
		k.mu.Lock()
		defer k.mu.Unlock()
		if end > len(k.data) {
			return Reply{Status: CheckCondition(senseIllegalRequest, ascLBAOutOfRange, 0)}
		}
		if cdb[0] == opRead10 {
			return Reply{Data: append([]byte(nil), k.data[start:end]...)}
		}
		copy(k.data[start:end], req.Data)
		return Reply{}
	}
	return Reply{
		Response: sbp2.StatusRequestComplete,
		Status:   CheckCondition(senseIllegalRequest, ascInvalidOpcode, 0),
	}
}

func (k *Disk) inquiry(length int) []byte {
	b := make([]byte, 36)
	// Direct access block device, SPC-2
	b[2] = 0x04
	b[3] = 0x02
	b[4] = byte(len(b) - 5)
	copy(b[8:16], pad(k.Vendor, 8))
	copy(b[16:32], pad(k.Product, 16))
	copy(b[32:36], pad(k.Revision, 4))
	if length < len(b) {
		b = b[:length]
	}
	return b
}

func pad(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}
