// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package fwcdev

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/dswarbrick/smart/ioctl"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
	"github.com/open-source-firmware/go-sbp2/pkg/rom"
)

// struct fw_cdev_get_info
type getInfo struct {
	version         uint32
	romLength       uint32
	rom             uint64
	busReset        uint64
	busResetClosure uint64
	card            uint32
}

// struct fw_cdev_send_request
type sendRequest struct {
	tcode      uint32
	length     uint32
	offset     uint64
	closure    uint64
	data       uint64
	generation uint32
}

// struct fw_cdev_allocate
type allocate struct {
	offset    uint64
	closure   uint64
	length    uint32
	handle    uint32
	regionEnd uint64
}

// struct fw_cdev_deallocate
type deallocate struct {
	handle uint32
}

// struct fw_cdev_send_response
type sendResponse struct {
	rcode  uint32
	length uint32
	data   uint64
	handle uint32
}

var (
	iocGetInfo      = ioctl.Iowr('#', 0x00, unsafe.Sizeof(getInfo{}))
	iocSendRequest  = ioctl.Iow('#', 0x01, unsafe.Sizeof(sendRequest{}))
	iocAllocate     = ioctl.Iowr('#', 0x02, unsafe.Sizeof(allocate{}))
	iocDeallocate   = ioctl.Iow('#', 0x03, unsafe.Sizeof(deallocate{}))
	iocSendResponse = ioctl.Iow('#', 0x04, unsafe.Sizeof(sendResponse{}))
)

const (
	maxROMSize = 1024
	// Largest event: request2 header plus a 4096 byte S1600 payload
	eventBufferSize = request2HeaderLen + 4096
)

type pending struct {
	t  *bus.Transaction
	cb bus.ResponseFunc
	// Keeps the payload alive until the kernel has copied it
	payload []byte
}

// Card is an open /dev/fw* node. Requests are sent to the node the device
// file represents; address handlers receive requests from any node.
type Card struct {
	f   *os.File
	log *logrus.Entry

	maxReceive int
	speed      bus.Speed
	guid       uint64
	rom        []uint32

	mu          sync.Mutex
	generation  int
	nodeID      int
	localNodeID int
	nextClosure uint64
	pending     map[uint64]*pending
	handlers    map[uint64]*bus.AddressHandler
	handles     map[*bus.AddressHandler]uint32
	closed      bool
	resetHooks  []func(generation int)

	done chan struct{}
}

type CardOpt func(c *Card)

func WithLogger(l *logrus.Entry) CardOpt {
	return func(c *Card) {
		c.log = l
	}
}

// WithMaxReceive sets the max_rec value of the local controller, used to
// bound the payload of requests from the device.
func WithMaxReceive(maxRec int) CardOpt {
	return func(c *Card) {
		c.maxReceive = maxRec
	}
}

func WithSpeed(s bus.Speed) CardOpt {
	return func(c *Card) {
		c.speed = s
	}
}

// Open opens a firewire device node and starts its event loop.
func Open(device string, opts ...CardOpt) (*Card, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	c := &Card{
		f:          f,
		log:        logrus.WithField("device", device),
		maxReceive: 10,
		speed:      bus.S400,
		pending:    map[uint64]*pending{},
		handlers:   map[uint64]*bus.AddressHandler{},
		handles:    map[*bus.AddressHandler]uint32{},
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	romBuf := make([]byte, maxROMSize)
	var reset [busResetEventSize + 4]byte
	info := getInfo{
		version:   abiVersion,
		romLength: uint32(len(romBuf)),
		rom:       uint64(uintptr(unsafe.Pointer(&romBuf[0]))),
		busReset:  uint64(uintptr(unsafe.Pointer(&reset[0]))),
	}
	if err := ioctl.Ioctl(f.Fd(), iocGetInfo, uintptr(unsafe.Pointer(&info))); err != nil {
		f.Close()
		return nil, fmt.Errorf("FW_CDEV_IOC_GET_INFO failed: %v", err)
	}
	n := int(info.romLength)
	if n > len(romBuf) {
		n = len(romBuf)
	}
	c.rom = decodeROM(romBuf[:n])
	if guid, err := rom.GUID(c.rom); err == nil {
		c.guid = guid
	}
	nativeEndian.PutUint32(reset[8:], eventBusReset)
	ev, err := parseEvent(reset[:])
	if err != nil {
		f.Close()
		return nil, err
	}
	c.busReset(ev.(*busResetEvent))

	go c.eventLoop()
	return c, nil
}

func (c *Card) ConfigROM() []uint32 {
	return c.rom
}

func (c *Card) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.f.Close()
	<-c.done
	return err
}

// OnBusReset registers a function called after every bus reset.
func (c *Card) OnBusReset(fn func(generation int)) {
	c.mu.Lock()
	c.resetHooks = append(c.resetHooks, fn)
	c.mu.Unlock()
}

func (c *Card) busReset(ev *busResetEvent) []func(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation = int(ev.Generation)
	c.nodeID = int(ev.NodeID)
	c.localNodeID = int(ev.LocalNodeID)
	return append([]func(int){}, c.resetHooks...)
}

func (c *Card) eventLoop() {
	defer close(c.done)
	buf := make([]byte, eventBufferSize)
	for {
		n, err := c.f.Read(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			switch {
			case closed:
			case errors.Is(err, unix.ENODEV):
				c.log.Infof("card removed")
			default:
				c.log.Errorf("reading events failed: %v", err)
			}
			c.failPending()
			return
		}
		ev, err := parseEvent(buf[:n])
		if err != nil {
			c.log.Warnf("dropping event: %v", err)
			continue
		}
		switch e := ev.(type) {
		case *busResetEvent:
			hooks := c.busReset(e)
			c.log.Debugf("bus reset, generation %d", e.Generation)
			for _, h := range hooks {
				h(int(e.Generation))
			}
		case *responseEvent:
			c.mu.Lock()
			p := c.pending[e.closure]
			delete(c.pending, e.closure)
			c.mu.Unlock()
			if p != nil && p.t.Complete() {
				p.cb(bus.RCode(e.rcode), append([]byte(nil), e.data...))
			}
		case *requestEvent:
			c.handleRequest(e)
		}
	}
}

func (c *Card) failPending() {
	c.mu.Lock()
	pend := c.pending
	c.pending = map[uint64]*pending{}
	c.mu.Unlock()
	for _, p := range pend {
		if p.t.Complete() {
			p.cb(bus.RCodeSendError, nil)
		}
	}
}

func (c *Card) handleRequest(e *requestEvent) {
	c.mu.Lock()
	h := c.handlers[e.closure]
	if e.legacy {
		e.source = c.nodeID
		e.destination = c.localNodeID
		e.generation = c.generation
	}
	c.mu.Unlock()

	rcode, data := bus.RCodeAddressError, []byte(nil)
	if h != nil {
		req := &bus.Request{
			TCode:       bus.TCode(e.tcode),
			Source:      e.source,
			Destination: e.destination,
			Generation:  e.generation,
			Offset:      e.offset,
		}
		if req.TCode.IsRead() {
			req.Length = len(e.data)
			if req.TCode == bus.TCodeReadQuadletRequest {
				req.Length = 4
			}
		} else {
			req.Payload = append([]byte(nil), e.data...)
			req.Length = len(e.data)
		}
		rcode, data = h.Callback(req)
	}

	resp := sendResponse{
		rcode:  uint32(rcode),
		length: uint32(len(data)),
		handle: e.handle,
	}
	if len(data) > 0 {
		resp.data = uint64(uintptr(unsafe.Pointer(&data[0])))
	}
	if err := ioctl.Ioctl(c.f.Fd(), iocSendResponse, uintptr(unsafe.Pointer(&resp))); err != nil {
		c.log.Debugf("FW_CDEV_IOC_SEND_RESPONSE failed: %v", err)
	}
}

func (c *Card) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Card) NodeID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localNodeID
}

func (c *Card) MaxReceive() int {
	return c.maxReceive
}

// SendRequest sends a request to the device node. The node argument is
// only checked against the node the device file represents.
func (c *Card) SendRequest(t *bus.Transaction, tcode bus.TCode, node, generation int, speed bus.Speed,
	offset uint64, payload []byte, length int, cb bus.ResponseFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Begin(0)
		if t.Complete() {
			cb(bus.RCodeSendError, nil)
		}
		return
	}
	c.nextClosure++
	closure := c.nextClosure
	t.Begin(closure)
	if node != c.nodeID {
		c.mu.Unlock()
		if t.Complete() {
			cb(bus.RCodeGeneration, nil)
		}
		return
	}
	p := &pending{t: t, cb: cb, payload: payload}
	if tcode.IsRead() {
		p.payload = make([]byte, length)
	}
	c.pending[closure] = p
	c.mu.Unlock()

	req := sendRequest{
		tcode:      uint32(tcode),
		length:     uint32(len(p.payload)),
		offset:     offset,
		closure:    closure,
		generation: uint32(generation),
	}
	if len(p.payload) > 0 {
		req.data = uint64(uintptr(unsafe.Pointer(&p.payload[0])))
	}
	if err := ioctl.Ioctl(c.f.Fd(), iocSendRequest, uintptr(unsafe.Pointer(&req))); err != nil {
		c.mu.Lock()
		delete(c.pending, closure)
		c.mu.Unlock()
		c.log.Debugf("FW_CDEV_IOC_SEND_REQUEST failed: %v", err)
		if t.Complete() {
			cb(bus.RCodeSendError, nil)
		}
	}
}

// CancelTransaction claims the transaction; the kernel's response, if it
// ever arrives, is discarded.
func (c *Card) CancelTransaction(t *bus.Transaction) bool {
	if !t.Cancel() {
		return false
	}
	c.mu.Lock()
	delete(c.pending, t.Tag)
	c.mu.Unlock()
	return true
}

func (c *Card) AddAddressHandler(h *bus.AddressHandler, region bus.Region) error {
	c.mu.Lock()
	c.nextClosure++
	closure := c.nextClosure
	c.mu.Unlock()

	a := allocate{
		offset:    region.Start,
		closure:   closure,
		length:    uint32(h.Length),
		regionEnd: region.End,
	}
	if err := ioctl.Ioctl(c.f.Fd(), iocAllocate, uintptr(unsafe.Pointer(&a))); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNoAddressSpace, err)
	}
	h.Offset = a.offset

	c.mu.Lock()
	c.handlers[closure] = h
	c.handles[h] = a.handle
	c.mu.Unlock()
	return nil
}

func (c *Card) RemoveAddressHandler(h *bus.AddressHandler) {
	c.mu.Lock()
	handle, ok := c.handles[h]
	delete(c.handles, h)
	for closure, o := range c.handlers {
		if o == h {
			delete(c.handlers, closure)
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	d := deallocate{handle: handle}
	if err := ioctl.Ioctl(c.f.Fd(), iocDeallocate, uintptr(unsafe.Pointer(&d))); err != nil {
		c.log.Debugf("FW_CDEV_IOC_DEALLOCATE failed: %v", err)
	}
}

// Device returns the node the device file represents.
func (c *Card) Device() bus.Device {
	return (*device)(c)
}

type device Card

func (d *device) Card() bus.Card {
	return (*Card)(d)
}

func (d *device) NodeGeneration() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodeID, d.generation
}

func (d *device) MaxSpeed() bus.Speed {
	return d.speed
}

func (d *device) IsShutdown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *device) GUID() uint64 {
	return d.guid
}
