// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Interface to the IEEE 1394 transaction layer

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNoAddressSpace = errors.New("no free address space in region")
	ErrShutdown       = errors.New("card has been shut down")
)

type TCode int

const (
	TCodeWriteQuadletRequest TCode = 0x0
	TCodeWriteBlockRequest   TCode = 0x1
	TCodeWriteResponse       TCode = 0x2
	TCodeReadQuadletRequest  TCode = 0x4
	TCodeReadBlockRequest    TCode = 0x5
	TCodeReadQuadletResponse TCode = 0x6
	TCodeReadBlockResponse   TCode = 0x7
	TCodeLockRequest         TCode = 0x9
)

func (t TCode) IsRead() bool {
	return t == TCodeReadQuadletRequest || t == TCodeReadBlockRequest
}

type RCode int

const (
	RCodeComplete      RCode = 0x0
	RCodeConflictError RCode = 0x4
	RCodeDataError     RCode = 0x5
	RCodeTypeError     RCode = 0x6
	RCodeAddressError  RCode = 0x7

	// Pseudo response codes generated by the local transaction layer
	RCodeSendError  RCode = 0x10
	RCodeCancelled  RCode = 0x11
	RCodeBusy       RCode = 0x12
	RCodeGeneration RCode = 0x13
	RCodeNoAck      RCode = 0x14
)

func (r RCode) String() string {
	switch r {
	case RCodeComplete:
		return "complete"
	case RCodeConflictError:
		return "conflict error"
	case RCodeDataError:
		return "data error"
	case RCodeTypeError:
		return "type error"
	case RCodeAddressError:
		return "address error"
	case RCodeSendError:
		return "send error"
	case RCodeCancelled:
		return "timeout"
	case RCodeBusy:
		return "busy"
	case RCodeGeneration:
		return "bus reset"
	case RCodeNoAck:
		return "no ack"
	}
	return fmt.Sprintf("rcode 0x%02x", int(r))
}

type Speed int

const (
	S100 Speed = 0
	S200 Speed = 1
	S400 Speed = 2
	S800 Speed = 3
)

// CSR register space as seen from the bus.
const (
	CSRRegisterBase uint64 = 0xfffff0000000
	CSRBusyTimeout  uint64 = 0x210
	CSRConfigROM    uint64 = 0x400
)

type Region struct {
	Start uint64
	End   uint64
}

var (
	// Addresses reachable through 32-bit ORB and page table pointers
	LowMemoryRegion = Region{Start: 0x000000000000, End: 0x000100000000}
	// Offsets available for status FIFOs and other 48-bit pointers
	HighMemoryRegion = Region{Start: 0x000100000000, End: 0xffffe0000000}
)

// ResponseFunc is called exactly once per transaction that was not cancelled.
type ResponseFunc func(rcode RCode, payload []byte)

// Request is an inbound transaction addressed to a local address handler.
type Request struct {
	TCode       TCode
	Source      int
	Destination int
	Generation  int
	Offset      uint64
	Payload     []byte
	// Length of the requested data for read requests
	Length int
}

// RequestFunc handles an inbound request. For read requests the returned
// payload is sent back to the requester.
type RequestFunc func(req *Request) (RCode, []byte)

type AddressHandler struct {
	// Offset is filled in by the card when the handler is added
	Offset   uint64
	Length   uint64
	Callback RequestFunc
}

func (h *AddressHandler) Contains(offset uint64) bool {
	return offset >= h.Offset && offset < h.Offset+h.Length
}

const (
	transactionIdle int32 = iota
	transactionPending
	transactionDone
	transactionCancelled
)

// Transaction is the handle of one outstanding request. Exactly one of
// Complete and Cancel succeeds for every Begin.
type Transaction struct {
	state atomic.Int32
	// Tag is assigned by the card to match responses
	Tag uint64
}

func (t *Transaction) Begin(tag uint64) {
	t.Tag = tag
	t.state.Store(transactionPending)
}

// Complete claims the transaction for response delivery.
func (t *Transaction) Complete() bool {
	return t.state.CompareAndSwap(transactionPending, transactionDone)
}

// Cancel claims the transaction for cancellation. Once it returns true the
// response callback is never called.
func (t *Transaction) Cancel() bool {
	return t.state.CompareAndSwap(transactionPending, transactionCancelled)
}

func (t *Transaction) Pending() bool {
	return t.state.Load() == transactionPending
}

// Card is the local bus controller.
type Card interface {
	// Generation returns the current bus generation of the card.
	Generation() int
	// NodeID returns the local node ID in the current generation.
	NodeID() int
	// MaxReceive is the max_rec field of the card's bus info block.
	MaxReceive() int

	SendRequest(t *Transaction, tcode TCode, node, generation int, speed Speed,
		offset uint64, payload []byte, length int, cb ResponseFunc)
	CancelTransaction(t *Transaction) bool

	AddAddressHandler(h *AddressHandler, region Region) error
	RemoveAddressHandler(h *AddressHandler)
}

// Device is a remote node on the bus.
type Device interface {
	Card() Card
	// NodeGeneration returns a consistent node ID and generation pair.
	NodeGeneration() (node, generation int)
	MaxSpeed() Speed
	IsShutdown() bool
	// GUID as found in the bus info block
	GUID() uint64
}

// RunTransaction sends a request and waits for its response.
func RunTransaction(ctx context.Context, c Card, tcode TCode, node, generation int, speed Speed,
	offset uint64, payload []byte, length int) (RCode, []byte) {
	type result struct {
		rcode RCode
		data  []byte
	}
	done := make(chan result, 1)
	t := &Transaction{}
	c.SendRequest(t, tcode, node, generation, speed, offset, payload, length, func(rcode RCode, data []byte) {
		done <- result{rcode, data}
	})
	select {
	case r := <-done:
		return r.rcode, r.data
	case <-ctx.Done():
		if c.CancelTransaction(t) {
			return RCodeCancelled, nil
		}
		r := <-done
		return r.rcode, r.data
	}
}
