// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-source-firmware/go-sbp2/pkg/bus/loopback"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2/sbp2sim"
)

type testHost struct {
	mu      sync.Mutex
	added   int
	removed int
	blocked bool
	blocks  int
}

func (h *testHost) AddDevice(lu *sbp2.LogicalUnit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added++
	return nil
}

func (h *testHost) RemoveDevice(lu *sbp2.LogicalUnit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed++
}

func (h *testHost) BlockRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked = true
	h.blocks++
}

func (h *testHost) UnblockRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked = false
}

func (h *testHost) state() (added, removed int, blocked bool, blocks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.added, h.removed, h.blocked, h.blocks
}

type fixture struct {
	bus    *loopback.Bus
	dev    *sbp2sim.Device
	engine *sbp2.Engine
	target *sbp2.Target
	lu     *sbp2.LogicalUnit
	host   *testHost
}

func newFixture(t *testing.T, cfg sbp2sim.Config, opts ...sbp2.TargetOpt) *fixture {
	t.Helper()
	if cfg.GUID == 0 {
		cfg.GUID = 0x0010b92000001234
	}
	f := &fixture{bus: loopback.New(), host: &testHost{}}
	local := f.bus.AddNode(0x0011223344556677)
	remote := f.bus.AddNode(cfg.GUID)
	f.dev = sbp2sim.New(remote, cfg)

	var err error
	f.engine, err = sbp2.NewEngine(local)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	opts = append([]sbp2.TargetOpt{sbp2.WithRetryDelay(time.Millisecond)}, opts...)
	f.target, err = sbp2.NewTarget(f.engine, local.Remote(remote), f.host,
		f.dev.ConfigROM(), f.dev.UnitDirectory(), opts...)
	if err != nil {
		t.Fatalf("NewTarget() failed: %v", err)
	}
	f.lu = f.target.Units()[0]
	t.Cleanup(func() {
		f.target.Remove()
		f.engine.Close()
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitAttached(t *testing.T, generation int) {
	t.Helper()
	waitFor(t, "attached", func() bool {
		return f.lu.State() == sbp2.StateAttached && f.lu.Generation() == generation
	})
}

func countFunctions(fns []sbp2.Function, fn sbp2.Function) int {
	n := 0
	for _, f := range fns {
		if f == fn {
			n++
		}
	}
	return n
}

func run(t *testing.T, lu *sbp2.LogicalUnit, cmd *sbp2.Command) {
	t.Helper()
	done := make(chan struct{})
	cmd.Done = func(*sbp2.Command) { close(done) }
	if err := lu.QueueCommand(cmd); err != nil {
		t.Fatalf("QueueCommand() failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("command %x did not complete", cmd.CDB)
	}
}

func TestTargetFromConfigROM(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{
		Model:             0x000022,
		FirmwareRevision:  0x0a2700,
		LUNs:              []uint16{0, 1},
		ManagementTimeout: 100,
	})
	if got := f.target.ManagementAgentAddress(); got != 0xfffff0010000 {
		t.Errorf("ManagementAgentAddress() = %012x; want fffff0010000", got)
	}
	if got := f.target.ManagementTimeout(); got != sbp2.MaxManagementTimeout {
		t.Errorf("ManagementTimeout() = %s; want %s", got, sbp2.MaxManagementTimeout)
	}
	if got := f.target.Workarounds(); got != sbp2.WorkaroundFixCapacity {
		t.Errorf("Workarounds() = %s; want %s", got, sbp2.WorkaroundFixCapacity)
	}
	if n := len(f.target.Units()); n != 2 {
		t.Fatalf("%d units; want 2", n)
	}
	if got := f.target.Units()[1].LUN(); got != 1 {
		t.Errorf("second unit LUN = %d; want 1", got)
	}
	// S400 limited by max_rec of the card
	if got := f.target.MaxPayload(); got != 9 {
		t.Errorf("MaxPayload() = %d; want 9", got)
	}
	if got := f.lu.ID(); got != "0010b92000001234:000424:0000" {
		t.Errorf("ID() = %q", got)
	}
}

func TestParseUnitDirectory(t *testing.T) {
	b := loopback.New()
	dev := sbp2sim.New(b.AddNode(0x0010b92000005678), sbp2sim.Config{
		GUID:              0x0010b92000005678,
		Model:             0x001234,
		LUNs:              []uint16{0, 2, 5},
		ManagementTimeout: 6,
	})
	u := sbp2.ParseUnitDirectory(dev.ConfigROM(), dev.UnitDirectory())
	if u.ManagementAgentAddress != 0xfffff0010000 {
		t.Errorf("ManagementAgentAddress = %012x; want fffff0010000", u.ManagementAgentAddress)
	}
	if u.DirectoryID != 0x424 {
		t.Errorf("DirectoryID = %06x; want 000424", u.DirectoryID)
	}
	if u.Model != 0x001234 {
		t.Errorf("Model = %06x; want 001234", u.Model)
	}
	if u.FirmwareRevision != sbp2.ROMValueMissing {
		t.Errorf("FirmwareRevision = %08x; want missing", u.FirmwareRevision)
	}
	if u.ManagementTimeout != 3*time.Second {
		t.Errorf("ManagementTimeout = %s; want 3s", u.ManagementTimeout)
	}
	if u.UnitUniqueID != 0 {
		t.Errorf("UnitUniqueID = %016x; want 0", u.UnitUniqueID)
	}
	want := []uint16{0, 2, 5}
	if len(u.LUNs) != len(want) {
		t.Fatalf("LUNs = %v; want %v", u.LUNs, want)
	}
	for i := range want {
		if u.LUNs[i] != want[i] {
			t.Errorf("LUNs = %v; want %v", u.LUNs, want)
			break
		}
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	if f.lu.LoginID() != 0 {
		t.Errorf("LoginID() = %d; want 0", f.lu.LoginID())
	}
	if got := f.lu.CommandBlockAgentAddress(); got != 0xfffff0020000 {
		t.Errorf("CommandBlockAgentAddress() = %012x; want fffff0020000", got)
	}
	if n := f.dev.AgentResets(f.lu.LoginID()); n != 1 {
		t.Errorf("%d agent resets; want 1", n)
	}
	if got := f.dev.BusyTimeout(); got != sbp2.CycleLimit|sbp2.RetryLimit {
		t.Errorf("busy timeout = %08x; want %08x", got, sbp2.CycleLimit|sbp2.RetryLimit)
	}
	if added, _, blocked, _ := f.host.state(); added != 1 || blocked {
		t.Errorf("host added %d, blocked %t; want 1, false", added, blocked)
	}
	if f.target.QueueBlocked() {
		t.Errorf("QueueBlocked() = true")
	}
}

func TestLoginRetries(t *testing.T) {
	testCases := []struct {
		name      string
		failures  int
		wantState sbp2.State
		wantTries int
	}{
		{"Succeeds after failures", 2, sbp2.StateAttached, 3},
		{"Gives up", 100, sbp2.StateUnattached, 1 + sbp2.MaxRetries},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, sbp2sim.Config{FailLogins: tc.failures})

			waitFor(t, "login attempts", func() bool {
				return countFunctions(f.dev.Functions(), sbp2.FunctionLogin) == tc.wantTries &&
					f.lu.State() == tc.wantState
			})
			time.Sleep(20 * time.Millisecond)
			if n := countFunctions(f.dev.Functions(), sbp2.FunctionLogin); n != tc.wantTries {
				t.Errorf("%d login attempts; want %d", n, tc.wantTries)
			}
			if f.target.QueueBlocked() {
				t.Errorf("QueueBlocked() = true")
			}
		})
	}
}

func TestLoginPassword(t *testing.T) {
	testCases := []struct {
		name      string
		password  string
		wantState sbp2.State
	}{
		{"Correct", "secret12", sbp2.StateAttached},
		{"Wrong", "secret13", sbp2.StateUnattached},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, sbp2sim.Config{Password: []byte("secret12")}, sbp2.WithPassword([]byte(tc.password)))
			waitFor(t, tc.wantState.String(), func() bool {
				return f.lu.State() == tc.wantState &&
					countFunctions(f.dev.Functions(), sbp2.FunctionLogin) > 0
			})
		})
	}
}

func TestSetPassword(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{Password: []byte("secret12")}, sbp2.WithPassword([]byte("secret12")))
	f.waitAttached(t, 1)

	ctx := context.Background()
	if err := f.lu.SetPassword(ctx, []byte("newpass1")); err != nil {
		t.Fatalf("SetPassword() failed: %v", err)
	}

	// A fresh login has to present the new password
	f.dev.DropLogins()
	gen := f.bus.Reset(false)
	f.target.Update()
	f.waitAttached(t, gen)
	if n := countFunctions(f.dev.Functions(), sbp2.FunctionLogin); n != 2 {
		t.Errorf("%d logins; want 2", n)
	}

	f.dev.Fail(sbp2.FunctionSetPassword, true)
	if err := f.lu.SetPassword(ctx, []byte("newpass2")); err == nil {
		t.Fatalf("SetPassword() succeeded on a failing device")
	}
	f.dev.Fail(sbp2.FunctionSetPassword, false)
	f.dev.DropLogins()
	gen = f.bus.Reset(false)
	f.target.Update()
	f.waitAttached(t, gen)
}

func TestReconnectAfterBusReset(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	gen := f.bus.Reset(false)
	f.target.Update()
	if !f.lu.Blocked() && f.lu.Generation() != gen {
		t.Errorf("unit not blocked after bus reset")
	}
	f.waitAttached(t, gen)

	if n := countFunctions(f.dev.Functions(), sbp2.FunctionReconnect); n != 1 {
		t.Errorf("%d reconnects; want 1", n)
	}
	if f.lu.LoginID() != 0 {
		t.Errorf("LoginID() = %d; want 0", f.lu.LoginID())
	}
	if _, _, blocked, blocks := f.host.state(); blocked || blocks != 1 {
		t.Errorf("host blocked %t after %d blocks; want false after 1", blocked, blocks)
	}
	if f.lu.Blocked() {
		t.Errorf("Blocked() = true")
	}
}

func TestReconnectFallsBackToLogin(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	// The device forgot the session while the bus was down
	f.dev.DropLogins()
	gen := f.bus.Reset(false)
	f.target.Update()
	f.waitAttached(t, gen)

	if n := countFunctions(f.dev.Functions(), sbp2.FunctionReconnect); n != 1+sbp2.MaxRetries {
		t.Errorf("%d reconnects; want %d", n, 1+sbp2.MaxRetries)
	}
	if f.lu.LoginID() != 1 {
		t.Errorf("LoginID() = %d; want 1", f.lu.LoginID())
	}
	if added, _, blocked, _ := f.host.state(); added != 1 || blocked {
		t.Errorf("host added %d, blocked %t; want 1, false", added, blocked)
	}
}

func TestReconnectAfterGenerationChange(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	f.dev.Ignore(sbp2.FunctionReconnect, true)
	f.bus.Reset(false)
	f.target.Update()
	waitFor(t, "reconnect", func() bool {
		return f.lu.State() == sbp2.StateReconnectPending &&
			countFunctions(f.dev.Functions(), sbp2.FunctionReconnect) == 1
	})

	// The reconnect is still waiting when the bus resets again
	gen := f.bus.Reset(false)
	f.waitAttached(t, gen)

	want := []sbp2.Function{
		sbp2.FunctionLogin,
		sbp2.FunctionReconnect,
		sbp2.FunctionLogout,
		sbp2.FunctionLogin,
	}
	got := f.dev.Functions()
	if len(got) != len(want) {
		t.Fatalf("functions = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("functions = %v; want %v", got, want)
		}
	}
	if _, _, blocked, _ := f.host.state(); blocked {
		t.Errorf("host still blocked")
	}
	if f.lu.Blocked() {
		t.Errorf("Blocked() = true")
	}
}

func TestStaleGenerationAfterRegistration(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{},
		sbp2.WithWorkarounds(sbp2.WorkaroundDelayInquiry),
		sbp2.WithInquiryDelay(300*time.Millisecond))

	// Logged in, waiting before the unit is handed to the host
	waitFor(t, "login", func() bool {
		return f.lu.CommandBlockAgentAddress() != 0
	})
	if added, _, _, _ := f.host.state(); added != 0 {
		t.Fatalf("host added %d units during the inquiry delay", added)
	}
	gen := f.bus.Reset(false)
	f.target.Update()
	f.waitAttached(t, gen)

	want := []sbp2.Function{
		sbp2.FunctionLogin,
		sbp2.FunctionLogout,
		sbp2.FunctionLogin,
	}
	got := f.dev.Functions()
	if len(got) != len(want) {
		t.Fatalf("functions = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("functions = %v; want %v", got, want)
		}
	}
	if added, removed, blocked, _ := f.host.state(); added != 2 || removed != 1 || blocked {
		t.Errorf("host added %d, removed %d, blocked %t; want 2, 1, false", added, removed, blocked)
	}
	if f.target.QueueBlocked() {
		t.Errorf("QueueBlocked() = true")
	}
}

func TestLoginIDConcurrentReads(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if id := f.lu.LoginID(); id > 1 {
				t.Errorf("LoginID() = %d during reconnect", id)
				return
			}
		}
	}()

	f.dev.DropLogins()
	gen := f.bus.Reset(false)
	f.target.Update()
	f.waitAttached(t, gen)
	close(stop)
	wg.Wait()

	if f.lu.LoginID() != 1 {
		t.Errorf("LoginID() = %d; want 1", f.lu.LoginID())
	}
}

func TestCommands(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	t.Run("Inquiry", func(t *testing.T) {
		buf := make([]byte, 36)
		cmd := &sbp2.Command{
			CDB:       []byte{0x12, 0, 0, 0, 36, 0},
			Direction: sbp2.DirectionFromDevice,
			SG:        [][]byte{buf},
		}
		run(t, f.lu, cmd)
		if !cmd.Result.OK() {
			t.Fatalf("result = %s", cmd.Result)
		}
		if got := string(buf[8:16]); got != "GOSBP2  " {
			t.Errorf("vendor = %q", got)
		}
	})

	t.Run("Write and read back through page tables", func(t *testing.T) {
		data := make([]byte, 3*512)
		for i := range data {
			data[i] = byte(i * 7)
		}
		cdb := []byte{0x2a, 0, 0, 0, 0, 4, 0, 0, 3, 0}
		cmd := &sbp2.Command{
			CDB:       cdb,
			Direction: sbp2.DirectionToDevice,
			SG:        [][]byte{data[:1000], data[1000:1024], data[1024:]},
		}
		run(t, f.lu, cmd)
		if !cmd.Result.OK() {
			t.Fatalf("write result = %s", cmd.Result)
		}

		back := make([]byte, len(data))
		cdb[0] = 0x28
		cmd = &sbp2.Command{
			CDB:       cdb,
			Direction: sbp2.DirectionFromDevice,
			SG:        [][]byte{back[:512], back[512:]},
		}
		run(t, f.lu, cmd)
		if !cmd.Result.OK() {
			t.Fatalf("read result = %s", cmd.Result)
		}
		if !bytes.Equal(back, data) {
			t.Errorf("read back differs from written data")
		}
	})

	t.Run("Check condition", func(t *testing.T) {
		cmd := &sbp2.Command{CDB: []byte{0xff, 0, 0, 0, 0, 0}}
		run(t, f.lu, cmd)
		if cmd.Result != sbp2.MakeResult(sbp2.DidOK, sbp2.SAMStatusCheckCondition) {
			t.Fatalf("result = %s", cmd.Result)
		}
		if cmd.Sense[2] != 0x05 || cmd.Sense[12] != 0x20 {
			t.Errorf("sense = %x", cmd.Sense[:18])
		}
	})

	t.Run("Bidirectional", func(t *testing.T) {
		cmd := &sbp2.Command{CDB: []byte{0x00}, Direction: sbp2.DirectionBidirectional}
		run(t, f.lu, cmd)
		if cmd.Result.Host() != sbp2.DidError {
			t.Errorf("result = %s; want DID_ERROR", cmd.Result)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		testCases := []struct {
			name string
			cmd  *sbp2.Command
			err  error
		}{
			{"CDB too long", &sbp2.Command{CDB: make([]byte, 17)}, sbp2.ErrCDBTooLong},
			{"Segment too large", &sbp2.Command{CDB: []byte{0x2a}, SG: [][]byte{make([]byte, 0x10000)}}, sbp2.ErrSegmentTooLarge},
			{"Too many segments", &sbp2.Command{CDB: []byte{0x2a}, SG: make([][]byte, sbp2.MaxSegments+1)}, sbp2.ErrTooManySegments},
		}
		for _, tc := range testCases {
			tc.cmd.Done = func(*sbp2.Command) { t.Errorf("%s: Done called", tc.name) }
			if err := f.lu.QueueCommand(tc.cmd); !errors.Is(err, tc.err) {
				t.Errorf("%s: QueueCommand() error = %v; want %v", tc.name, err, tc.err)
			}
		}
		if err := f.lu.QueueCommand(&sbp2.Command{CDB: []byte{0}}); !errors.Is(err, sbp2.ErrNoCompletion) {
			t.Errorf("QueueCommand() without Done error = %v", err)
		}
	})
}

func TestAbortTaskSet(t *testing.T) {
	disk := sbp2sim.NewDisk(1 << 16)
	f := newFixture(t, sbp2sim.Config{Handler: func(req *sbp2sim.Request) sbp2sim.Reply {
		if req.CDB[0] == 0x00 {
			return sbp2sim.Reply{Drop: true}
		}
		return disk.Handle(req)
	}})
	f.waitAttached(t, 1)

	done := make(chan *sbp2.Command, 1)
	cmd := &sbp2.Command{CDB: []byte{0, 0, 0, 0, 0, 0}, Done: func(c *sbp2.Command) { done <- c }}
	if err := f.lu.QueueCommand(cmd); err != nil {
		t.Fatalf("QueueCommand() failed: %v", err)
	}
	waitFor(t, "command fetch", func() bool { return f.dev.Commands() == 1 })
	if n := f.lu.Pending(); n != 1 {
		t.Fatalf("Pending() = %d; want 1", n)
	}

	if err := f.lu.AbortTaskSet(context.Background()); err != nil {
		t.Fatalf("AbortTaskSet() failed: %v", err)
	}
	select {
	case c := <-done:
		if c.Result.Host() != sbp2.DidBusBusy {
			t.Errorf("result = %s; want DID_BUS_BUSY", c.Result)
		}
	case <-time.After(time.Second):
		t.Fatalf("aborted command did not complete")
	}
	if n := f.lu.Pending(); n != 0 {
		t.Errorf("Pending() = %d; want 0", n)
	}
}

func TestManagementFunctions(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	resp, err := f.lu.QueryLogins(context.Background())
	if err != nil {
		t.Fatalf("QueryLogins() failed: %v", err)
	}
	if n := binary.BigEndian.Uint32(resp[4:]); n != 1 {
		t.Errorf("QueryLogins() = %d logins; want 1", n)
	}
	if err := f.lu.Reset(context.Background()); err != nil {
		t.Errorf("Reset() failed: %v", err)
	}
	if err := f.lu.TargetReset(context.Background()); err != nil {
		t.Errorf("TargetReset() failed: %v", err)
	}

	f.dev.Fail(sbp2.FunctionLogicalUnitReset, true)
	var serr *sbp2.StatusError
	if err := f.lu.Reset(context.Background()); !errors.As(err, &serr) || serr.SBPStatus != 0x04 {
		t.Errorf("Reset() error = %v; want status error 4", err)
	}

	f.dev.Ignore(sbp2.FunctionQueryLogins, true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.lu.QueryLogins(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("QueryLogins() error = %v; want %v", err, context.DeadlineExceeded)
	}
	if n := f.lu.Pending(); n != 0 {
		t.Errorf("Pending() = %d; want 0", n)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t, sbp2sim.Config{})
	f.waitAttached(t, 1)

	f.target.Remove()
	if n := f.dev.Logins(); n != 0 {
		t.Errorf("device has %d logins after removal", n)
	}
	if _, removed, blocked, _ := f.host.state(); removed != 1 || blocked {
		t.Errorf("host removed %d, blocked %t; want 1, false", removed, blocked)
	}
	if s := f.lu.State(); s != sbp2.StateUnattached {
		t.Errorf("State() = %s; want %s", s, sbp2.StateUnattached)
	}
	fns := f.dev.Functions()
	if fns[len(fns)-1] != sbp2.FunctionLogout {
		t.Errorf("last management function = %s; want logout", fns[len(fns)-1])
	}
}
