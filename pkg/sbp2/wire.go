// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// SBP-2 wire formats

package sbp2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrStatusLength = errors.New("status block length out of range")
)

const (
	InvalidLoginID = 0x10000

	ORBNull = 0x80000000

	MaxCDBSize     = 16
	MaxSegmentSize = 0xfffc
	MaxSegments    = 128

	// Written to CSR_BUSY_TIMEOUT after login
	CycleLimit = 0xc8 << 12
	RetryLimit = 0xf
)

type Function int

const (
	FunctionLogin            Function = 0x0
	FunctionQueryLogins      Function = 0x1
	FunctionReconnect        Function = 0x3
	FunctionSetPassword      Function = 0x4
	FunctionLogout           Function = 0x7
	FunctionAbortTask        Function = 0xb
	FunctionAbortTaskSet     Function = 0xc
	FunctionLogicalUnitReset Function = 0xe
	FunctionTargetReset      Function = 0xf
)

func (f Function) String() string {
	switch f {
	case FunctionLogin:
		return "login"
	case FunctionQueryLogins:
		return "query logins"
	case FunctionReconnect:
		return "reconnect"
	case FunctionSetPassword:
		return "set password"
	case FunctionLogout:
		return "logout"
	case FunctionAbortTask:
		return "abort task"
	case FunctionAbortTaskSet:
		return "abort task set"
	case FunctionLogicalUnitReset:
		return "logical unit reset"
	case FunctionTargetReset:
		return "target reset"
	}
	return fmt.Sprintf("function 0x%x", int(f))
}

// Command block agent registers, relative to the agent base address
const (
	AgentState                 = 0x00
	AgentReset                 = 0x04
	AgentORBPointer            = 0x08
	AgentDoorbell              = 0x10
	AgentUnsolicitedStatusEnab = 0x14
)

// Status block response codes
const (
	StatusRequestComplete  = 0x0
	StatusTransportFailure = 0x1
	StatusIllegalRequest   = 0x2
	StatusVendorDependent  = 0x3
)

// Status block source codes; 2 and 3 are not related to an ORB
const (
	SourceORB          = 0x0
	SourceNextORB      = 0x1
	SourceUnsolicited  = 0x2
	SourceUnsolicited2 = 0x3
)

const (
	StatusHeaderSize = 8
	StatusDataSize   = 24
	StatusMaxSize    = StatusHeaderSize + StatusDataSize
)

// Status is a status block as written by the device into a status FIFO.
type Status struct {
	Word   uint32
	ORBLow uint32
	Data   [StatusDataSize]byte
}

func (s *Status) ORBHigh() uint32  { return s.Word & 0xffff }
func (s *Status) SBPStatus() uint8 { return uint8(s.Word >> 16) }
func (s *Status) Len() int         { return int(s.Word>>24) & 0x07 }
func (s *Status) Dead() bool       { return (s.Word>>27)&0x01 != 0 }
func (s *Status) Response() int    { return int(s.Word>>28) & 0x03 }
func (s *Status) Source() int      { return int(s.Word>>30) & 0x03 }

func (s *Status) Unsolicited() bool {
	src := s.Source()
	return src == SourceUnsolicited || src == SourceUnsolicited2
}

func (s *Status) String() string {
	return fmt.Sprintf("src=%d resp=%d dead=%t len=%d sbp_status=0x%02x orb=%04x:%08x",
		s.Source(), s.Response(), s.Dead(), s.Len(), s.SBPStatus(), s.ORBHigh(), s.ORBLow)
}

func ParseStatus(p []byte) (*Status, error) {
	if len(p) < StatusHeaderSize || len(p) > StatusMaxSize {
		return nil, ErrStatusLength
	}
	s := &Status{
		Word:   binary.BigEndian.Uint32(p[0:]),
		ORBLow: binary.BigEndian.Uint32(p[4:]),
	}
	copy(s.Data[:], p[StatusHeaderSize:])
	return s, nil
}

// StatusWord assembles the first quadlet of a status block.
func StatusWord(source, response int, dead bool, length int, sbpStatus uint8, orbHigh uint16) uint32 {
	w := uint32(source&0x03)<<30 | uint32(response&0x03)<<28 | uint32(length&0x07)<<24 |
		uint32(sbpStatus)<<16 | uint32(orbHigh)
	if dead {
		w |= 1 << 27
	}
	return w
}

func (s *Status) Bytes() []byte {
	n := 4 * (s.Len() + 1)
	if n < StatusHeaderSize {
		n = StatusHeaderSize
	}
	if n > StatusMaxSize {
		n = StatusMaxSize
	}
	b := make([]byte, n)
	binary.BigEndian.PutUint32(b[0:], s.Word)
	binary.BigEndian.PutUint32(b[4:], s.ORBLow)
	copy(b[StatusHeaderSize:], s.Data[:])
	return b
}

// Pointer is an SBP-2 address pointer: node ID and 48-bit offset split
// across two quadlets.
type Pointer struct {
	High uint32
	Low  uint32
}

func (p Pointer) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], p.High)
	binary.BigEndian.PutUint32(b[4:], p.Low)
}

func getPointer(b []byte) Pointer {
	return Pointer{binary.BigEndian.Uint32(b[0:]), binary.BigEndian.Uint32(b[4:])}
}

// Offset returns the 48-bit bus offset the pointer references.
func (p Pointer) Offset() uint64 {
	return uint64(p.High&0xffff)<<32 | uint64(p.Low)
}

func orbPointer(requestBus uint64) []byte {
	b := make([]byte, 8)
	Pointer{High: 0, Low: uint32(requestBus)}.put(b)
	return b
}

const (
	mgtORBFunctionBit  = 16
	mgtORBReconnectBit = 20
	mgtORBExclusive    = 1 << 28
	mgtORBNotify       = 1 << 31

	mgtORBPasswordLengthBit = 16

	ManagementORBSize = 32
	LoginResponseSize = 16
)

// ManagementORB is the request part of a management ORB.
type ManagementORB struct {
	Password   Pointer
	Response   Pointer
	Misc       uint32
	Length     uint32
	StatusFIFO Pointer
}

func (m *ManagementORB) Function() Function { return Function((m.Misc >> mgtORBFunctionBit) & 0xf) }
func (m *ManagementORB) LUNOrLoginID() int  { return int(m.Misc & 0xffff) }
func (m *ManagementORB) Exclusive() bool    { return m.Misc&mgtORBExclusive != 0 }
func (m *ManagementORB) ResponseLength() int {
	return int(m.Length & 0xffff)
}

func (m *ManagementORB) MarshalBinary() ([]byte, error) {
	b := make([]byte, ManagementORBSize)
	m.Password.put(b[0:])
	m.Response.put(b[8:])
	binary.BigEndian.PutUint32(b[16:], m.Misc)
	binary.BigEndian.PutUint32(b[20:], m.Length)
	m.StatusFIFO.put(b[24:])
	return b, nil
}

func (m *ManagementORB) UnmarshalBinary(b []byte) error {
	if len(b) < ManagementORBSize {
		return fmt.Errorf("management ORB too short: %d bytes", len(b))
	}
	m.Password = getPointer(b[0:])
	m.Response = getPointer(b[8:])
	m.Misc = binary.BigEndian.Uint32(b[16:])
	m.Length = binary.BigEndian.Uint32(b[20:])
	m.StatusFIFO = getPointer(b[24:])
	return nil
}

// LoginResponse is returned by the device into the response buffer of a
// login management ORB.
type LoginResponse struct {
	Length        uint16
	LoginID       uint16
	CommandAgent  Pointer
	ReconnectHold uint16
}

// CommandBlockAgentAddress is the 48-bit address of the command block agent.
func (r *LoginResponse) CommandBlockAgentAddress() uint64 {
	return r.CommandAgent.Offset()
}

func (r *LoginResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, LoginResponseSize)
	binary.BigEndian.PutUint32(b[0:], uint32(r.Length)<<16|uint32(r.LoginID))
	r.CommandAgent.put(b[4:])
	binary.BigEndian.PutUint32(b[12:], uint32(r.ReconnectHold))
	return b, nil
}

func (r *LoginResponse) UnmarshalBinary(b []byte) error {
	if len(b) < LoginResponseSize {
		return fmt.Errorf("login response too short: %d bytes", len(b))
	}
	misc := binary.BigEndian.Uint32(b[0:])
	r.Length = uint16(misc >> 16)
	r.LoginID = uint16(misc)
	r.CommandAgent = getPointer(b[4:])
	r.ReconnectHold = uint16(binary.BigEndian.Uint32(b[12:]))
	return nil
}

const (
	cmdORBPageTablePresent = 1 << 19
	cmdORBMaxPayloadBit    = 20
	cmdORBSpeedBit         = 24
	cmdORBDirection        = 1 << 27
	cmdORBNotify           = 1 << 31
	cmdORBDataSizeMask     = 0xffff

	CommandORBSize     = 36
	PageTableEntrySize = 8
)

// CommandORB is the request part of a command block ORB.
type CommandORB struct {
	Next           Pointer
	DataDescriptor Pointer
	Misc           uint32
	CommandBlock   [MaxCDBSize]byte
}

func (c *CommandORB) FromDevice() bool       { return c.Misc&cmdORBDirection != 0 }
func (c *CommandORB) PageTablePresent() bool { return c.Misc&cmdORBPageTablePresent != 0 }
func (c *CommandORB) DataSize() int          { return int(c.Misc & cmdORBDataSizeMask) }
func (c *CommandORB) MaxPayload() int        { return int(c.Misc>>cmdORBMaxPayloadBit) & 0xf }
func (c *CommandORB) Speed() int             { return int(c.Misc>>cmdORBSpeedBit) & 0x7 }

func (c *CommandORB) MarshalBinary() ([]byte, error) {
	b := make([]byte, CommandORBSize)
	c.Next.put(b[0:])
	c.DataDescriptor.put(b[8:])
	binary.BigEndian.PutUint32(b[16:], c.Misc)
	copy(b[20:], c.CommandBlock[:])
	return b, nil
}

func (c *CommandORB) UnmarshalBinary(b []byte) error {
	if len(b) < CommandORBSize {
		return fmt.Errorf("command ORB too short: %d bytes", len(b))
	}
	c.Next = getPointer(b[0:])
	c.DataDescriptor = getPointer(b[8:])
	c.Misc = binary.BigEndian.Uint32(b[16:])
	copy(c.CommandBlock[:], b[20:])
	return nil
}

// PageTableEntry is an unrestricted page table element.
type PageTableEntry struct {
	Length  uint16
	Address uint32
}

func marshalPageTable(entries []PageTableEntry) []byte {
	b := make([]byte, len(entries)*PageTableEntrySize)
	for i, e := range entries {
		Pointer{High: uint32(e.Length) << 16, Low: e.Address}.put(b[i*PageTableEntrySize:])
	}
	return b
}

func ParsePageTable(b []byte) []PageTableEntry {
	n := len(b) / PageTableEntrySize
	res := make([]PageTableEntry, 0, n)
	for i := 0; i < n; i++ {
		p := getPointer(b[i*PageTableEntrySize:])
		res = append(res, PageTableEntry{Length: uint16(p.High >> 16), Address: p.Low})
	}
	return res
}
