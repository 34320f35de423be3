// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

var (
	ErrTimeout         = errors.New("ORB reply timed out")
	ErrManagementWrite = errors.New("management write failed")
	ErrNotLoggedIn     = errors.New("logical unit is not logged in")
)

// StatusError is returned when the device completed a management ORB with
// an error status.
type StatusError struct {
	Function  Function
	Response  int
	SBPStatus uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: error status: %d:%d", e.Function, e.Response, e.SBPStatus)
}

// sendManagementORB writes a management ORB to the target's management
// agent and waits for its status. The response buffer, if given, receives
// the device's 16 byte response whatever the outcome.
func (lu *LogicalUnit) sendManagementORB(ctx context.Context, node, generation int, fn Function, lunOrLoginID int, response []byte) error {
	tgt := lu.tgt
	e := tgt.engine

	if fn == FunctionLogout && tgt.device.IsShutdown() {
		return nil
	}

	var (
		respBuf [LoginResponseSize]byte
		status  Status
	)
	done := make(chan struct{})
	o := newORB(func(o *orb, s *Status) {
		if s != nil {
			status = *s
		}
		close(done)
	})
	defer o.put()

	respBus, err := e.window.mapBuffer(respBuf[:], DMAFromDevice)
	if err != nil {
		return err
	}
	defer func() {
		e.window.unmap(respBus)
		if response != nil {
			copy(response, respBuf[:])
		}
	}()

	req := ManagementORB{
		Response: Pointer{High: 0, Low: uint32(respBus)},
		Misc: mgtORBNotify |
			uint32(fn)<<mgtORBFunctionBit |
			uint32(lunOrLoginID&0xffff),
		Length: LoginResponseSize,
		StatusFIFO: Pointer{
			High: uint32(lu.handler.Offset >> 32),
			Low:  uint32(lu.handler.Offset),
		},
	}

	timeout := ORBTimeout
	switch fn {
	case FunctionLogin:
		// Ask for a reconnect hold of 2^2 seconds
		req.Misc |= 2 << mgtORBReconnectBit
		if tgt.exclusiveLogin {
			req.Misc |= mgtORBExclusive
		}
		timeout = tgt.mgtORBTimeout
		fallthrough
	case FunctionSetPassword:
		e.mu.Lock()
		password := tgt.password
		e.mu.Unlock()
		// Zero password length means the password is immediate
		if len(password) > 0 {
			var pw [8]byte
			copy(pw[:], password)
			req.Password = Pointer{
				High: binary.BigEndian.Uint32(pw[0:]),
				Low:  binary.BigEndian.Uint32(pw[4:]),
			}
		}
	}

	reqBytes, _ := req.MarshalBinary()
	o.requestBus, err = e.window.mapBuffer(reqBytes, DMAToDevice)
	if err != nil {
		return err
	}
	defer e.window.unmap(o.requestBus)

	e.metrics.submit(kindManagement)
	e.submit(o, lu, node, generation, tgt.managementAgentAddress)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	expired := false
	select {
	case <-done:
	case <-timer.C:
		expired = true
	case <-ctx.Done():
		expired = true
	}

	cancelled := false
	if expired {
		// Whoever detached the ORB delivers its callback, so after
		// cancelAll the outcome is always settled.
		cancelled = e.cancelAll(lu)
		<-done
	}

	e.mu.Lock()
	rcode := o.rcode
	e.mu.Unlock()

	if cancelled && rcode == bus.RCodeCancelled {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
		lu.log.Errorf("ORB reply timed out, rcode 0x%02x", int(rcode))
		return fmt.Errorf("%s: %w", fn, ErrTimeout)
	}
	if rcode != bus.RCodeComplete {
		lu.log.Errorf("management write failed, rcode 0x%02x", int(rcode))
		return fmt.Errorf("%s: %w: %s", fn, ErrManagementWrite, rcode)
	}
	if status.Response() != 0 || status.SBPStatus() != 0 {
		lu.log.Errorf("error status: %d:%d", status.Response(), status.SBPStatus())
		return &StatusError{Function: fn, Response: status.Response(), SBPStatus: status.SBPStatus()}
	}
	return nil
}

func (lu *LogicalUnit) managementFunction(ctx context.Context, fn Function, arg int, response []byte) error {
	node, generation := lu.tgt.device.NodeGeneration()
	return lu.sendManagementORB(ctx, node, generation, fn, arg, response)
}

// loggedIn returns the current login ID.
func (lu *LogicalUnit) loggedIn() (int, error) {
	id := int(lu.loginID.Load())
	if id == InvalidLoginID {
		return 0, ErrNotLoggedIn
	}
	return id, nil
}

// QueryLogins asks the target how many initiators are logged in to the
// unit and returns the raw 16 byte response.
func (lu *LogicalUnit) QueryLogins(ctx context.Context) ([]byte, error) {
	resp := make([]byte, LoginResponseSize)
	if err := lu.managementFunction(ctx, FunctionQueryLogins, int(lu.lun), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AbortTaskSet aborts all commands of this initiator on the unit.
func (lu *LogicalUnit) AbortTaskSet(ctx context.Context) error {
	id, err := lu.loggedIn()
	if err != nil {
		return err
	}
	if err := lu.managementFunction(ctx, FunctionAbortTaskSet, id, nil); err != nil {
		return err
	}
	lu.tgt.engine.cancelAll(lu)
	return nil
}

// Reset issues a logical unit reset.
func (lu *LogicalUnit) Reset(ctx context.Context) error {
	id, err := lu.loggedIn()
	if err != nil {
		return err
	}
	if err := lu.managementFunction(ctx, FunctionLogicalUnitReset, id, nil); err != nil {
		return err
	}
	lu.tgt.engine.cancelAll(lu)
	return nil
}

// TargetReset resets the whole target through this unit's login.
func (lu *LogicalUnit) TargetReset(ctx context.Context) error {
	id, err := lu.loggedIn()
	if err != nil {
		return err
	}
	return lu.managementFunction(ctx, FunctionTargetReset, id, nil)
}

// SetPassword replaces the device's login password. Later logins to any
// unit of the target use the new password.
func (lu *LogicalUnit) SetPassword(ctx context.Context, pw []byte) error {
	id, err := lu.loggedIn()
	if err != nil {
		return err
	}
	e := lu.tgt.engine
	e.mu.Lock()
	old := lu.tgt.password
	lu.tgt.password = pw
	e.mu.Unlock()
	if err := lu.managementFunction(ctx, FunctionSetPassword, id, nil); err != nil {
		e.mu.Lock()
		lu.tgt.password = old
		e.mu.Unlock()
		return err
	}
	return nil
}
