// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Translation of SCSI commands into command block ORBs

package sbp2

import (
	"errors"
	"fmt"
)

var (
	ErrCDBTooLong      = errors.New("command block too long")
	ErrTooManySegments = errors.New("too many scatter/gather segments")
	ErrSegmentTooLarge = errors.New("scatter/gather segment too large")
	ErrNoCompletion    = errors.New("command has no completion function")
)

type Direction int

const (
	DirectionNone Direction = iota
	DirectionToDevice
	DirectionFromDevice
	DirectionBidirectional
)

const SenseBufferSize = 96

// Command is a SCSI command queued to a logical unit.
type Command struct {
	CDB       []byte
	Direction Direction
	// Data buffer segments, in transfer order
	SG [][]byte

	// Filled in before Done is called
	Result Result
	Sense  []byte

	Done func(cmd *Command)
}

type commandORB struct {
	base    *orb
	lu      *LogicalUnit
	cmd     *Command
	request CommandORB

	segmentBus   []uint64
	pageTableBus uint64
}

func (c *commandORB) dmaDirection() DMADirection {
	if c.cmd.Direction == DirectionFromDevice {
		return DMAFromDevice
	}
	return DMAToDevice
}

// QueueCommand translates cmd into a command block ORB and sends it to the
// unit's command block agent. It does not wait for the command to finish;
// cmd.Done is called once with the result. An error means the command was
// not queued and Done will not be called.
func (lu *LogicalUnit) QueueCommand(cmd *Command) error {
	tgt := lu.tgt
	e := tgt.engine

	if cmd.Done == nil {
		return ErrNoCompletion
	}
	if cmd.Direction == DirectionBidirectional {
		lu.log.Errorf("cannot handle bidirectional command")
		cmd.Result = MakeResult(DidError, SAMStatusGood)
		cmd.Done(cmd)
		return nil
	}
	if len(cmd.CDB) > MaxCDBSize {
		return fmt.Errorf("%w: %d bytes", ErrCDBTooLong, len(cmd.CDB))
	}
	if len(cmd.SG) > MaxSegments {
		return fmt.Errorf("%w: %d", ErrTooManySegments, len(cmd.SG))
	}
	for _, seg := range cmd.SG {
		if len(seg) > MaxSegmentSize {
			return fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(seg))
		}
	}

	c := &commandORB{lu: lu, cmd: cmd}
	c.base = newORB(func(_ *orb, status *Status) {
		c.complete(status)
	})

	c.request.Next.High = ORBNull
	c.request.Misc = uint32(tgt.maxPayload)<<cmdORBMaxPayloadBit |
		uint32(tgt.device.MaxSpeed())<<cmdORBSpeedBit |
		cmdORBNotify
	if cmd.Direction == DirectionFromDevice {
		c.request.Misc |= cmdORBDirection
	}

	_, generation := tgt.device.NodeGeneration()
	node, addressHigh := tgt.node()

	if len(cmd.SG) > 0 {
		if err := c.mapScatterlist(addressHigh); err != nil {
			return err
		}
	}

	copy(c.request.CommandBlock[:], cmd.CDB)

	reqBytes, _ := c.request.MarshalBinary()
	addr, err := e.window.mapBuffer(reqBytes, DMAToDevice)
	if err != nil {
		c.unmapScatterlist()
		return err
	}
	c.base.requestBus = addr

	e.metrics.submit(kindCommand)
	e.submit(c.base, lu, node, generation, lu.CommandBlockAgentAddress()+AgentORBPointer)
	c.base.put()
	return nil
}

func (c *commandORB) mapScatterlist(addressHigh uint32) error {
	w := c.lu.tgt.engine.window
	dir := c.dmaDirection()
	for _, seg := range c.cmd.SG {
		addr, err := w.mapBuffer(seg, dir)
		if err != nil {
			c.unmapScatterlist()
			return err
		}
		c.segmentBus = append(c.segmentBus, addr)
	}

	if len(c.segmentBus) == 1 {
		c.request.DataDescriptor = Pointer{High: addressHigh, Low: uint32(c.segmentBus[0])}
		c.request.Misc |= uint32(len(c.cmd.SG[0])) & cmdORBDataSizeMask
		return nil
	}

	entries := make([]PageTableEntry, len(c.segmentBus))
	for i, addr := range c.segmentBus {
		entries[i] = PageTableEntry{Length: uint16(len(c.cmd.SG[i])), Address: uint32(addr)}
	}
	addr, err := w.mapBuffer(marshalPageTable(entries), DMAToDevice)
	if err != nil {
		c.unmapScatterlist()
		return err
	}
	c.pageTableBus = addr
	c.request.DataDescriptor = Pointer{High: addressHigh, Low: uint32(addr)}
	c.request.Misc |= cmdORBPageTablePresent | uint32(len(entries))&cmdORBDataSizeMask
	return nil
}

func (c *commandORB) unmapScatterlist() {
	w := c.lu.tgt.engine.window
	for _, addr := range c.segmentBus {
		w.unmap(addr)
	}
	c.segmentBus = nil
	if c.request.PageTablePresent() {
		w.unmap(c.pageTableBus)
	}
}

func (c *commandORB) complete(status *Status) {
	lu := c.lu
	cmd := c.cmd
	var result Result

	if status != nil {
		if status.Dead() {
			lu.agentResetNoWait()
		}

		switch status.Response() {
		case StatusRequestComplete:
			result = MakeResult(DidOK, SAMStatusGood)
		case StatusTransportFailure:
			result = MakeResult(DidBusBusy, SAMStatusGood)
		default:
			result = MakeResult(DidError, SAMStatusGood)
		}

		if result.Host() == DidOK && status.Len() > 1 {
			if len(cmd.Sense) < SenseBufferSize {
				cmd.Sense = make([]byte, SenseBufferSize)
			}
			result = statusToSenseData(status.Data[:], cmd.Sense)
		}
	} else {
		result = MakeResult(DidBusBusy, SAMStatusGood)
		lu.conditionallyBlock()
	}

	lu.tgt.engine.window.unmap(c.base.requestBus)
	c.unmapScatterlist()

	cmd.Result = result
	cmd.Done(cmd)
}
