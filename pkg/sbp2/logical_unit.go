// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Logical unit login, reconnect and blocking

package sbp2

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

type State int32

const (
	StateUnattached State = iota
	StateLoginPending
	StateAttached
	StateReconnectPending
	StateLoggedOutPendingRelogin
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateLoginPending:
		return "login pending"
	case StateAttached:
		return "attached"
	case StateReconnectPending:
		return "reconnect pending"
	case StateLoggedOutPendingRelogin:
		return "logged out, pending relogin"
	}
	return fmt.Sprintf("state %d", int32(s))
}

// LogicalUnit is one LUN of a target.
type LogicalUnit struct {
	tgt     *Target
	handler bus.AddressHandler
	log     *logrus.Entry
	work    *task

	lun     uint16
	loginID atomic.Int32
	retries atomic.Int32
	state   atomic.Int32
	// Only touched by the unit's task and by Target.Remove after the
	// task has been stopped
	hasDevice bool

	// Protected by engine.mu
	orbs                     *list.List
	generation               int
	commandBlockAgentAddress uint64
	blocked                  bool
}

func newLogicalUnit(t *Target, lun uint16) *LogicalUnit {
	lu := &LogicalUnit{
		tgt:        t,
		lun:        lun,
		orbs:       list.New(),
		generation: -1,
		log:        t.log.WithField("lun", fmt.Sprintf("%04x", lun)),
	}
	lu.loginID.Store(InvalidLoginID)
	lu.handler.Length = 0x100
	lu.handler.Callback = lu.handleStatusWrite
	lu.work = newTask(lu.login)
	return lu
}

func (lu *LogicalUnit) Target() *Target { return lu.tgt }
func (lu *LogicalUnit) LUN() uint16     { return lu.lun }
func (lu *LogicalUnit) LoginID() int    { return int(lu.loginID.Load()) }
func (lu *LogicalUnit) Retries() int    { return int(lu.retries.Load()) }
func (lu *LogicalUnit) State() State    { return State(lu.state.Load()) }

// ID identifies the unit as guid:directory_id:lun.
func (lu *LogicalUnit) ID() string {
	return fmt.Sprintf("%016x:%06x:%04x", lu.tgt.guid, lu.tgt.directoryID, lu.lun)
}

// SCSILUN returns the LUN in the flat integer form used by SCSI hosts.
func (lu *LogicalUnit) SCSILUN() uint64 {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:], lu.lun)
	var res uint64
	for i := 0; i < len(b); i += 2 {
		res |= uint64(b[i])<<8<<(i*8) | uint64(b[i+1])<<(i*8)
	}
	return res
}

func (lu *LogicalUnit) Blocked() bool {
	lu.tgt.engine.mu.Lock()
	defer lu.tgt.engine.mu.Unlock()
	return lu.blocked
}

func (lu *LogicalUnit) Generation() int {
	lu.tgt.engine.mu.Lock()
	defer lu.tgt.engine.mu.Unlock()
	return lu.generation
}

func (lu *LogicalUnit) CommandBlockAgentAddress() uint64 {
	lu.tgt.engine.mu.Lock()
	defer lu.tgt.engine.mu.Unlock()
	return lu.commandBlockAgentAddress
}

// Pending returns the number of ORBs waiting for completion.
func (lu *LogicalUnit) Pending() int {
	return lu.tgt.engine.pending(lu)
}

func (lu *LogicalUnit) setState(s State) {
	lu.state.Store(int32(s))
}

func (lu *LogicalUnit) handleStatusWrite(req *bus.Request) (bus.RCode, []byte) {
	e := lu.tgt.engine
	if req.TCode != bus.TCodeWriteBlockRequest {
		e.metrics.statusDropped(dropMalformed)
		return bus.RCodeTypeError, nil
	}
	status, err := ParseStatus(req.Payload)
	if err != nil {
		e.metrics.statusDropped(dropMalformed)
		lu.log.Warnf("malformed status write: %v (%d bytes)", err, len(req.Payload))
		return bus.RCodeTypeError, nil
	}
	if status.Unsolicited() {
		e.metrics.statusDropped(dropUnsolicited)
		lu.log.Infof("non-ORB related status write, not handled")
		return bus.RCodeComplete, nil
	}
	e.statusWrite(lu, status)
	return bus.RCodeComplete, nil
}

// agentReset resets the command block agent and waits for the write.
func (lu *LogicalUnit) agentReset() {
	tgt := lu.tgt
	node, _ := tgt.node()
	ctx, cancel := context.WithTimeout(tgt.ctx, ORBTimeout)
	defer cancel()
	rcode, _ := bus.RunTransaction(ctx, tgt.engine.card, bus.TCodeWriteQuadletRequest,
		node, lu.Generation(), tgt.device.MaxSpeed(),
		lu.CommandBlockAgentAddress()+AgentReset, make([]byte, 4), 4)
	if rcode != bus.RCodeComplete {
		lu.log.Debugf("agent reset failed: %s", rcode)
	}
}

func (lu *LogicalUnit) agentResetNoWait() {
	tgt := lu.tgt
	node, _ := tgt.node()
	tgt.engine.card.SendRequest(&bus.Transaction{}, bus.TCodeWriteQuadletRequest,
		node, lu.Generation(), tgt.device.MaxSpeed(),
		lu.CommandBlockAgentAddress()+AgentReset, make([]byte, 4), 4,
		func(bus.RCode, []byte) {})
}

// setBusyTimeout limits busy retries of the device so that it does not
// give up too early on a busy host.
func (lu *LogicalUnit) setBusyTimeout() {
	tgt := lu.tgt
	node, _ := tgt.node()
	d := make([]byte, 4)
	binary.BigEndian.PutUint32(d, CycleLimit|RetryLimit)
	ctx, cancel := context.WithTimeout(tgt.ctx, ORBTimeout)
	defer cancel()
	rcode, _ := bus.RunTransaction(ctx, tgt.engine.card, bus.TCodeWriteQuadletRequest,
		node, lu.Generation(), tgt.device.MaxSpeed(),
		bus.CSRRegisterBase+bus.CSRBusyTimeout, d, 4)
	if rcode != bus.RCodeComplete {
		lu.log.Debugf("setting busy timeout failed: %s", rcode)
	}
}

// conditionallyBlock blocks the queue while the unit's generation is stale.
func (lu *LogicalUnit) conditionallyBlock() {
	tgt := lu.tgt
	e := tgt.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if tgt.dontBlock == 0 && !lu.blocked && lu.generation != e.card.Generation() {
		lu.blocked = true
		e.metrics.setBlocked(1)
		tgt.blocked++
		if tgt.blocked == 1 {
			tgt.host.BlockRequests()
		}
	}
}

func (lu *LogicalUnit) conditionallyUnblock() {
	tgt := lu.tgt
	e := tgt.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if lu.blocked && lu.generation == e.card.Generation() {
		lu.blocked = false
		e.metrics.setBlocked(-1)
		tgt.blocked--
		if tgt.blocked == 0 {
			tgt.host.UnblockRequests()
		}
	}
}

// setSession records the node and generation a login or reconnect
// succeeded in.
func (lu *LogicalUnit) setSession(node, localNode, generation int) {
	tgt := lu.tgt
	tgt.engine.mu.Lock()
	tgt.nodeID = node
	tgt.addressHigh = uint32(localNode) << 16
	lu.generation = generation
	tgt.engine.mu.Unlock()
}

func (lu *LogicalUnit) shutdown() bool {
	return lu.tgt.device.IsShutdown() || lu.tgt.ctx.Err() != nil
}

func (lu *LogicalUnit) login() {
	tgt := lu.tgt
	e := tgt.engine
	if lu.shutdown() {
		return
	}
	lu.setState(StateLoginPending)

	node, generation := tgt.device.NodeGeneration()
	localNode := e.card.NodeID()

	// Log out of a session held from before the bus reset
	if lu.hasDevice {
		_ = lu.sendManagementORB(tgt.ctx, node, generation, FunctionLogout, lu.LoginID(), nil)
	}

	response := make([]byte, LoginResponseSize)
	if err := lu.sendManagementORB(tgt.ctx, node, generation, FunctionLogin, int(lu.lun), response); err != nil {
		if lu.shutdown() {
			return
		}
		if lu.retries.Add(1) <= MaxRetries {
			e.metrics.login(resultFailure)
			lu.log.Debugf("login attempt failed: %v", err)
			lu.work.queue(tgt.retryDelay)
		} else {
			e.metrics.login(resultGivenUp)
			lu.log.Errorf("failed to login to LUN %04x: %v", lu.lun, err)
			lu.setState(StateUnattached)
			// Let the remaining units of the target work
			tgt.unblock()
		}
		return
	}

	var resp LoginResponse
	_ = resp.UnmarshalBinary(response)

	lu.setSession(node, localNode, generation)
	e.mu.Lock()
	lu.commandBlockAgentAddress = resp.CommandBlockAgentAddress()
	e.mu.Unlock()
	lu.loginID.Store(int32(resp.LoginID))
	e.metrics.login(resultSuccess)

	lu.log.Infof("logged in to LUN %04x (%d retries)", lu.lun, lu.retries.Load())

	lu.setBusyTimeout()

	lu.work.setFunc(lu.reconnect)
	lu.agentReset()

	// This was a re-login
	if lu.hasDevice {
		e.cancelAll(lu)
		lu.setState(StateAttached)
		lu.conditionallyUnblock()
		return
	}

	if tgt.workarounds&WorkaroundDelayInquiry != 0 {
		select {
		case <-time.After(tgt.inquiryDelay):
		case <-tgt.ctx.Done():
			return
		}
	}

	if err := tgt.host.AddDevice(lu); err != nil {
		lu.log.Errorf("failed to add device: %v", err)
		lu.logoutForRelogin()
		return
	}

	// A bus reset during registration may have left commands sent with the
	// old generation; start over rather than expose the session.
	if generation != e.card.Generation() {
		tgt.host.RemoveDevice(lu)
		lu.logoutForRelogin()
		return
	}

	lu.hasDevice = true
	lu.setState(StateAttached)
	tgt.allowBlock()
}

// logoutForRelogin drops the session and waits for the next bus reset to
// schedule a new login.
func (lu *LogicalUnit) logoutForRelogin() {
	node, generation := lu.tgt.device.NodeGeneration()
	_ = lu.sendManagementORB(lu.tgt.ctx, node, generation, FunctionLogout, lu.LoginID(), nil)
	lu.work.setFunc(lu.login)
	lu.setState(StateLoggedOutPendingRelogin)
}

func (lu *LogicalUnit) reconnect() {
	tgt := lu.tgt
	e := tgt.engine
	if lu.shutdown() {
		return
	}
	lu.setState(StateReconnectPending)

	node, generation := tgt.device.NodeGeneration()
	localNode := e.card.NodeID()

	if err := lu.sendManagementORB(tgt.ctx, node, generation, FunctionReconnect, lu.LoginID(), nil); err != nil {
		if lu.shutdown() {
			return
		}
		e.metrics.reconnect(resultFailure)
		// Retrying a reconnect in a generation that is already gone is
		// pointless, and a device that keeps refusing needs a fresh login.
		if generation != e.card.Generation() || lu.retries.Add(1) > MaxRetries {
			lu.log.Errorf("failed to reconnect: %v", err)
			lu.retries.Store(0)
			lu.work.setFunc(lu.login)
			lu.setState(StateLoginPending)
		}
		lu.work.queue(tgt.retryDelay)
		return
	}

	lu.setSession(node, localNode, generation)
	e.metrics.reconnect(resultSuccess)

	lu.log.Infof("reconnected to LUN %04x (%d retries)", lu.lun, lu.retries.Load())

	lu.agentReset()
	e.cancelAll(lu)
	lu.setState(StateAttached)
	lu.conditionallyUnblock()
}

// Abort resets the command block agent and cancels all outstanding
// commands of the unit.
func (lu *LogicalUnit) Abort() {
	lu.log.Infof("aborting outstanding commands")
	lu.agentReset()
	lu.tgt.engine.cancelAll(lu)
}
