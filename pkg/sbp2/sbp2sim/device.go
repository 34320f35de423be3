// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sbp2sim implements an SBP-2 target on a loopback bus. It fetches
// ORBs, page tables and data from the initiator the way a real device
// does and writes login responses and status blocks back.
package sbp2sim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
	"github.com/open-source-firmware/go-sbp2/pkg/bus/loopback"
	"github.com/open-source-firmware/go-sbp2/pkg/rom"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

const (
	// Management agent CSR offset in quadlets
	ManagementAgentOffset = 0x4000

	commandAgentBase = bus.CSRRegisterBase + 0x20000
	commandAgentSize = 0x20

	transferTimeout = 2 * time.Second
)

// Request is a command fetched from a command block ORB.
type Request struct {
	LUN        uint16
	CDB        []byte
	FromDevice bool
	// Data written by the initiator for commands to the device
	Data []byte
	// Size of the initiator's buffer
	Length int
}

// Reply is the outcome of a command.
type Reply struct {
	// Data returned for commands from the device
	Data     []byte
	Response int
	Dead     bool
	// Command set dependent status bytes
	Status []byte
	// Drop suppresses the status block
	Drop bool
}

type Handler func(req *Request) Reply

type Config struct {
	GUID             uint64
	Model            uint32
	FirmwareRevision uint32
	LUNs             []uint16
	// Management timeout in units of 500ms
	ManagementTimeout int
	// Password required for logins, if any
	Password []byte
	// Number of initial logins to refuse
	FailLogins int
	Handler    Handler
}

type login struct {
	id         uint16
	lun        uint16
	initiator  int
	statusFIFO uint64
	agent      bus.AddressHandler
	// Number of fetch agent resets
	resets int
}

// Device is a simulated SBP-2 target.
type Device struct {
	node *loopback.Node
	cfg  Config
	rom  []uint32
	log  *logrus.Entry

	mgmt    bus.AddressHandler
	romH    bus.AddressHandler
	busyCSR bus.AddressHandler

	mu          sync.Mutex
	logins      map[uint16]*login
	nextLogin   uint16
	failLogins  int
	ignoreMgmt  map[sbp2.Function]bool
	failFuncs   map[sbp2.Function]bool
	busyTimeout uint32
	functions   []sbp2.Function
	commands    int
}

func New(node *loopback.Node, cfg Config) *Device {
	d := &Device{
		node:       node,
		cfg:        cfg,
		log:        logrus.WithField("sim", node.GUID()),
		logins:     map[uint16]*login{},
		ignoreMgmt: map[sbp2.Function]bool{},
		failFuncs:  map[sbp2.Function]bool{},
		failLogins: cfg.FailLogins,
	}
	if len(d.cfg.LUNs) == 0 {
		d.cfg.LUNs = []uint16{0}
	}
	if d.cfg.Handler == nil {
		d.cfg.Handler = NewDisk(1 << 20).Handle
	}
	d.rom = d.buildROM()

	d.romH = bus.AddressHandler{
		Offset:   bus.CSRRegisterBase + bus.CSRConfigROM,
		Length:   uint64(len(d.rom) * 4),
		Callback: d.handleROM,
	}
	d.busyCSR = bus.AddressHandler{
		Offset:   bus.CSRRegisterBase + bus.CSRBusyTimeout,
		Length:   4,
		Callback: d.handleBusyTimeout,
	}
	d.mgmt = bus.AddressHandler{
		Offset:   bus.CSRRegisterBase + 4*ManagementAgentOffset,
		Length:   8,
		Callback: d.handleManagementAgent,
	}
	node.AddFixedHandler(&d.romH)
	node.AddFixedHandler(&d.busyCSR)
	node.AddFixedHandler(&d.mgmt)
	return d
}

func (d *Device) buildROM() []uint32 {
	busInfo := []uint32{
		0x31333934,
		// irmc, cmc, isc, bmc, max_rec 2048
		0xf000a000,
		uint32(d.cfg.GUID >> 32),
		uint32(d.cfg.GUID),
	}
	b := rom.NewBuilder(busInfo)
	root := b.Add()
	b.Entry(root, rom.KeyTypeImmediate|rom.KeyVendor, int(d.cfg.GUID>>40))
	b.Entry(root, rom.KeyTypeImmediate|rom.KeyNodeCapabilities, 0x83c0)

	unit := b.Add()
	b.Ref(root, rom.KeyTypeDirectory|rom.KeyUnit, unit)
	b.Entry(unit, rom.KeyTypeImmediate|rom.KeySpecifierID, sbp2.UnitSpecifierID)
	b.Entry(unit, rom.KeyTypeImmediate|rom.KeyVersion, sbp2.UnitSWVersion)
	b.Entry(unit, rom.KeyTypeOffset|rom.KeyDependentInfo, ManagementAgentOffset)
	b.Entry(unit, sbp2.KeyUnitCharacteristics, d.cfg.ManagementTimeout<<8|0x08)
	if d.cfg.Model != 0 {
		b.Entry(unit, rom.KeyTypeImmediate|rom.KeyModel, int(d.cfg.Model))
	}
	if d.cfg.FirmwareRevision != 0 {
		b.Entry(unit, sbp2.KeyFirmwareRevision, int(d.cfg.FirmwareRevision))
	}
	for i, lun := range d.cfg.LUNs {
		// Command set type 0x0e in the upper bits
		if i == 0 {
			b.Entry(unit, sbp2.KeyLogicalUnitNumber, 0x0e0000|int(lun))
			continue
		}
		lud := b.Add()
		b.Ref(unit, sbp2.KeyLogicalUnitDirectory, lud)
		b.Entry(lud, sbp2.KeyLogicalUnitNumber, 0x0e0000|int(lun))
	}
	return b.Bytes()
}

// ConfigROM returns the device's configuration ROM.
func (d *Device) ConfigROM() []uint32 {
	return d.rom
}

// UnitDirectory returns the index of the SBP-2 unit directory.
func (d *Device) UnitDirectory() int {
	dirs, _ := rom.UnitDirectories(d.rom, sbp2.UnitSpecifierID, sbp2.UnitSWVersion)
	return dirs[0]
}

// FailLogins makes the next n logins fail with an error status.
func (d *Device) FailLogins(n int) {
	d.mu.Lock()
	d.failLogins = n
	d.mu.Unlock()
}

// Ignore makes the device accept but never complete management ORBs of
// function fn.
func (d *Device) Ignore(fn sbp2.Function, ignore bool) {
	d.mu.Lock()
	d.ignoreMgmt[fn] = ignore
	d.mu.Unlock()
}

// Fail makes the device complete management ORBs of function fn with an
// error status.
func (d *Device) Fail(fn sbp2.Function, fail bool) {
	d.mu.Lock()
	d.failFuncs[fn] = fail
	d.mu.Unlock()
}

// DropLogins forgets all logins, as a device does when the reconnect hold
// expires.
func (d *Device) DropLogins() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, l := range d.logins {
		d.node.RemoveAddressHandler(&l.agent)
		delete(d.logins, id)
	}
}

// Logins returns the number of active logins.
func (d *Device) Logins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logins)
}

// Functions returns the management functions received so far.
func (d *Device) Functions() []sbp2.Function {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sbp2.Function(nil), d.functions...)
}

func (d *Device) BusyTimeout() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busyTimeout
}

// AgentResets returns how often the fetch agent of a login was reset.
func (d *Device) AgentResets(loginID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.logins[uint16(loginID)]; ok {
		return l.resets
	}
	return 0
}

// Commands returns the number of command ORBs processed.
func (d *Device) Commands() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

func (d *Device) handleROM(req *bus.Request) (bus.RCode, []byte) {
	if !req.TCode.IsRead() {
		return bus.RCodeTypeError, nil
	}
	length := req.Length
	if req.TCode == bus.TCodeReadQuadletRequest {
		length = 4
	}
	b := rom.Encode(d.rom)
	off := int(req.Offset - d.romH.Offset)
	if off+length > len(b) {
		return bus.RCodeAddressError, nil
	}
	return bus.RCodeComplete, b[off : off+length]
}

func (d *Device) handleBusyTimeout(req *bus.Request) (bus.RCode, []byte) {
	switch req.TCode {
	case bus.TCodeWriteQuadletRequest:
		d.mu.Lock()
		d.busyTimeout = binary.BigEndian.Uint32(req.Payload)
		d.mu.Unlock()
		return bus.RCodeComplete, nil
	case bus.TCodeReadQuadletRequest:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, d.BusyTimeout())
		return bus.RCodeComplete, b
	}
	return bus.RCodeTypeError, nil
}

func (d *Device) handleManagementAgent(req *bus.Request) (bus.RCode, []byte) {
	if req.TCode != bus.TCodeWriteBlockRequest || len(req.Payload) != 8 {
		return bus.RCodeTypeError, nil
	}
	p := sbp2.Pointer{
		High: binary.BigEndian.Uint32(req.Payload[0:]),
		Low:  binary.BigEndian.Uint32(req.Payload[4:]),
	}
	go d.management(req.Source, req.Generation, p)
	return bus.RCodeComplete, nil
}

func (d *Device) read(ctx context.Context, node, generation int, offset uint64, length int) ([]byte, bool) {
	rcode, data := bus.RunTransaction(ctx, d.node, bus.TCodeReadBlockRequest, node, generation,
		bus.S400, offset, nil, length)
	if rcode != bus.RCodeComplete || len(data) != length {
		d.log.Debugf("read of %d bytes at %012x failed: %s", length, offset, rcode)
		return nil, false
	}
	return data, true
}

func (d *Device) write(ctx context.Context, node, generation int, offset uint64, data []byte) bool {
	rcode, _ := bus.RunTransaction(ctx, d.node, bus.TCodeWriteBlockRequest, node, generation,
		bus.S400, offset, data, len(data))
	if rcode != bus.RCodeComplete {
		d.log.Debugf("write of %d bytes at %012x failed: %s", len(data), offset, rcode)
		return false
	}
	return true
}

func (d *Device) writeStatus(ctx context.Context, node, generation int, fifo uint64, orb sbp2.Pointer, r Reply) {
	length := 1 + (len(r.Status)+3)/4
	s := sbp2.Status{
		Word:   sbp2.StatusWord(sbp2.SourceORB, r.Response, r.Dead, length, 0, uint16(orb.High)),
		ORBLow: orb.Low,
	}
	copy(s.Data[:], r.Status)
	d.write(ctx, node, generation, fifo, s.Bytes())
}

func (d *Device) management(node, generation int, p sbp2.Pointer) {
	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
	defer cancel()

	b, ok := d.read(ctx, node, generation, p.Offset(), sbp2.ManagementORBSize)
	if !ok {
		return
	}
	var m sbp2.ManagementORB
	_ = m.UnmarshalBinary(b)
	fn := m.Function()

	d.mu.Lock()
	d.functions = append(d.functions, fn)
	ignore := d.ignoreMgmt[fn]
	fail := d.failFuncs[fn]
	if fn == sbp2.FunctionLogin && d.failLogins > 0 {
		d.failLogins--
		fail = true
	}
	d.mu.Unlock()

	if ignore {
		return
	}
	fifo := m.StatusFIFO.Offset()
	var sbpStatus uint8
	if !fail {
		sbpStatus = d.execute(ctx, node, generation, &m)
	} else {
		// Resources unavailable
		sbpStatus = 0x04
	}
	s := sbp2.Status{
		Word:   sbp2.StatusWord(sbp2.SourceORB, sbp2.StatusRequestComplete, false, 1, sbpStatus, uint16(p.High)),
		ORBLow: p.Low,
	}
	d.write(ctx, node, generation, fifo, s.Bytes())
}

// execute performs a management function and returns the SBP status.
func (d *Device) execute(ctx context.Context, node, generation int, m *sbp2.ManagementORB) uint8 {
	const (
		statusOK           = 0x00
		statusUnsupported  = 0x01
		statusLUNotSupport = 0x03
		statusAccessDenied = 0x05
	)
	switch m.Function() {
	case sbp2.FunctionLogin:
		lun := uint16(m.LUNOrLoginID())
		if !d.hasLUN(lun) {
			return statusLUNotSupport
		}
		if !d.checkPassword(m.Password) {
			return statusAccessDenied
		}
		l := d.addLogin(lun, node, m.StatusFIFO.Offset(), m.Exclusive())
		if l == nil {
			return statusAccessDenied
		}
		resp := sbp2.LoginResponse{
			Length:  sbp2.LoginResponseSize,
			LoginID: l.id,
			CommandAgent: sbp2.Pointer{
				High: uint32(l.agent.Offset >> 32),
				Low:  uint32(l.agent.Offset),
			},
		}
		b, _ := resp.MarshalBinary()
		if n := m.ResponseLength(); n < len(b) {
			b = b[:n]
		}
		if !d.write(ctx, node, generation, m.Response.Offset(), b) {
			d.removeLogin(l.id)
		}
		return statusOK
	case sbp2.FunctionReconnect:
		d.mu.Lock()
		defer d.mu.Unlock()
		l, ok := d.logins[uint16(m.LUNOrLoginID())]
		if !ok {
			return statusAccessDenied
		}
		l.initiator = node
		return statusOK
	case sbp2.FunctionLogout:
		if !d.removeLogin(uint16(m.LUNOrLoginID())) {
			return statusAccessDenied
		}
		return statusOK
	case sbp2.FunctionQueryLogins:
		lun := uint16(m.LUNOrLoginID())
		d.mu.Lock()
		n := 0
		for _, l := range d.logins {
			if l.lun == lun {
				n++
			}
		}
		d.mu.Unlock()
		b := make([]byte, 8)
		binary.BigEndian.PutUint32(b[0:], 8<<16|1)
		binary.BigEndian.PutUint32(b[4:], uint32(n))
		d.write(ctx, node, generation, m.Response.Offset(), b)
		return statusOK
	case sbp2.FunctionSetPassword, sbp2.FunctionAbortTaskSet,
		sbp2.FunctionLogicalUnitReset, sbp2.FunctionTargetReset:
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.logins[uint16(m.LUNOrLoginID())]; !ok {
			return statusAccessDenied
		}
		if m.Function() == sbp2.FunctionSetPassword {
			var pw [8]byte
			binary.BigEndian.PutUint32(pw[0:], m.Password.High)
			binary.BigEndian.PutUint32(pw[4:], m.Password.Low)
			d.cfg.Password = pw[:]
		}
		return statusOK
	}
	return statusUnsupported
}

func (d *Device) checkPassword(p sbp2.Pointer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cfg.Password) == 0 {
		return true
	}
	var pw, want [8]byte
	binary.BigEndian.PutUint32(pw[0:], p.High)
	binary.BigEndian.PutUint32(pw[4:], p.Low)
	copy(want[:], d.cfg.Password)
	return pw == want
}

func (d *Device) hasLUN(lun uint16) bool {
	for _, l := range d.cfg.LUNs {
		if l == lun {
			return true
		}
	}
	return false
}

func (d *Device) addLogin(lun uint16, node int, fifo uint64, exclusive bool) *login {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.logins {
		if l.lun == lun && (exclusive || l.initiator != node) {
			return nil
		}
	}
	l := &login{
		id:         d.nextLogin,
		lun:        lun,
		initiator:  node,
		statusFIFO: fifo,
	}
	d.nextLogin++
	l.agent = bus.AddressHandler{
		Offset: commandAgentBase + uint64(l.id)*commandAgentSize,
		Length: commandAgentSize,
		Callback: func(req *bus.Request) (bus.RCode, []byte) {
			return d.handleCommandAgent(l, req)
		},
	}
	d.node.AddFixedHandler(&l.agent)
	d.logins[l.id] = l
	return l
}

func (d *Device) removeLogin(id uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.logins[id]
	if !ok {
		return false
	}
	d.node.RemoveAddressHandler(&l.agent)
	delete(d.logins, id)
	return true
}
