// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
	"github.com/open-source-firmware/go-sbp2/pkg/rom"
)

// Unit directory keys specific to SBP-2
const (
	KeyUnitCharacteristics  = 0x3a
	KeyFirmwareRevision     = 0x3c
	KeyLogicalUnitNumber    = 0x14
	KeyUnitUniqueID         = 0x8d
	KeyLogicalUnitDirectory = 0xd4

	UnitSpecifierID = 0x00609e
	UnitSWVersion   = 0x010483
)

const (
	// Bounded wait for all management functions except login
	ORBTimeout = 2000 * time.Millisecond

	MinManagementTimeout = 5 * time.Second
	MaxManagementTimeout = 40 * time.Second

	RetryDelay = 200 * time.Millisecond
	// Retries after the first attempt, so a login gets MaxRetries+1 tries
	MaxRetries = 5
)

// Host is the command queue that logical units are exposed to.
// BlockRequests and UnblockRequests are called with the engine lock held and
// must not call back into the engine.
type Host interface {
	AddDevice(lu *LogicalUnit) error
	RemoveDevice(lu *LogicalUnit)
	BlockRequests()
	UnblockRequests()
}

// Target is an SBP-2 unit with one or more logical units behind a shared
// management agent.
type Target struct {
	engine *Engine
	device bus.Device
	host   Host
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	units []*LogicalUnit

	managementAgentAddress uint64
	guid                   uint64
	directoryID            int
	model                  uint32
	firmwareRevision       uint32
	workarounds            Workarounds
	mgtORBTimeout          time.Duration
	maxPayload             int

	// Protected by engine.mu
	nodeID      int
	addressHigh uint32
	dontBlock   int
	blocked     int

	userWorkarounds Workarounds
	exclusiveLogin  bool
	password        []byte
	inquiryDelay    time.Duration
	retryDelay      time.Duration
}

type TargetOpt func(t *Target)

func WithLogger(l *logrus.Entry) TargetOpt {
	return func(t *Target) {
		t.log = l
	}
}

// WithWorkarounds adds workaround flags to those found in the quirk table.
// Including WorkaroundOverride disables the table.
func WithWorkarounds(w Workarounds) TargetOpt {
	return func(t *Target) {
		t.userWorkarounds = w
	}
}

// WithExclusiveLogin controls the exclusive bit of login requests. It is
// set by default; clear it to share a device with other initiators.
func WithExclusiveLogin(exclusive bool) TargetOpt {
	return func(t *Target) {
		t.exclusiveLogin = exclusive
	}
}

// WithPassword sets the 8 byte immediate password sent with logins.
func WithPassword(pw []byte) TargetOpt {
	return func(t *Target) {
		t.password = pw
	}
}

func WithInquiryDelay(d time.Duration) TargetOpt {
	return func(t *Target) {
		t.inquiryDelay = d
	}
}

func WithRetryDelay(d time.Duration) TargetOpt {
	return func(t *Target) {
		t.retryDelay = d
	}
}

// UnitInfo is what a unit directory tells about an SBP-2 target.
type UnitInfo struct {
	ManagementAgentAddress uint64
	DirectoryID            int
	Model                  uint32
	FirmwareRevision       uint32
	// As advertised, before clamping
	ManagementTimeout time.Duration
	// From the unit unique ID leaf, zero if absent
	UnitUniqueID uint64
	LUNs         []uint16
}

// ParseUnitDirectory scans the unit directory at index unitDir of a
// configuration ROM and its logical unit directories.
func ParseUnitDirectory(configROM []uint32, unitDir int) UnitInfo {
	u := UnitInfo{
		// Default directory ID is the unit directory's CSR offset
		DirectoryID:      (unitDir*4 + int(bus.CSRConfigROM)) & 0xffffff,
		Model:            ROMValueMissing,
		FirmwareRevision: ROMValueMissing,
	}
	it := rom.NewIterator(configROM, unitDir)
	for key, value, ok := it.Next(); ok; key, value, ok = it.Next() {
		switch key {
		case rom.KeyTypeOffset | rom.KeyDependentInfo:
			u.ManagementAgentAddress = bus.CSRRegisterBase + 4*uint64(value)
		case rom.KeyDirectoryID:
			u.DirectoryID = value
		case rom.KeyModel:
			u.Model = uint32(value)
		case KeyFirmwareRevision:
			u.FirmwareRevision = uint32(value)
		case KeyUnitCharacteristics:
			// Management timeout in units of 500ms
			u.ManagementTimeout = time.Duration((value>>8)&0xff) * 500 * time.Millisecond
		case KeyLogicalUnitNumber:
			u.LUNs = append(u.LUNs, uint16(value))
		case KeyUnitUniqueID:
			u.UnitUniqueID = unitUniqueID(configROM, it.Target(value))
		case KeyLogicalUnitDirectory:
			lit := rom.NewIterator(configROM, it.Target(value))
			for k, v, ok := lit.Next(); ok; k, v, ok = lit.Next() {
				if k == KeyLogicalUnitNumber {
					u.LUNs = append(u.LUNs, uint16(v))
				}
			}
		}
	}
	return u
}

func unitUniqueID(configROM []uint32, leaf int) uint64 {
	if leaf < 0 || leaf+2 >= len(configROM) {
		return 0
	}
	if configROM[leaf]&0xffff0000 != 0x00020000 {
		return 0
	}
	return uint64(configROM[leaf+1])<<32 | uint64(configROM[leaf+2])
}

// NewTarget creates the target described by the unit directory at index
// unitDir of the device's configuration ROM and schedules a login for each
// of its logical units.
func NewTarget(e *Engine, device bus.Device, host Host, configROM []uint32, unitDir int, opts ...TargetOpt) (*Target, error) {
	t := &Target{
		engine:         e,
		device:         device,
		host:           host,
		guid:           device.GUID(),
		exclusiveLogin: true,
		inquiryDelay:   InquiryDelay,
		retryDelay:     RetryDelay,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = e.log
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	u := ParseUnitDirectory(configROM, unitDir)
	t.managementAgentAddress = u.ManagementAgentAddress
	t.directoryID = u.DirectoryID
	t.model = u.Model
	t.firmwareRevision = u.FirmwareRevision
	t.mgtORBTimeout = u.ManagementTimeout
	if u.UnitUniqueID != 0 {
		t.guid = u.UnitUniqueID
	}
	t.log = t.log.WithFields(logrus.Fields{
		"guid":         fmt.Sprintf("%016x", t.guid),
		"directory_id": fmt.Sprintf("%06x", t.directoryID),
	})
	for _, lun := range u.LUNs {
		if err := t.addLogicalUnit(lun); err != nil {
			t.removeUnits()
			return nil, err
		}
	}
	t.clampManagementTimeout()

	if t.userWorkarounds != 0 {
		t.log.Infof("user workarounds %s", t.userWorkarounds)
	}
	t.workarounds = LookupWorkarounds(t.model, t.firmwareRevision, t.userWorkarounds)
	if t.workarounds != 0 {
		t.log.Infof("workarounds 0x%x (firmware_revision 0x%06x, model_id 0x%06x)",
			uint(t.workarounds), t.firmwareRevision, t.model)
	}

	t.maxPayload = int(device.MaxSpeed()) + 7
	if t.maxPayload > 10 {
		t.maxPayload = 10
	}
	if mr := e.card.MaxReceive() - 1; t.maxPayload > mr {
		t.maxPayload = mr
	}

	for _, lu := range t.units {
		lu.work.queue(t.retryDelay)
	}
	return t, nil
}

func (t *Target) clampManagementTimeout() {
	if t.mgtORBTimeout > MaxManagementTimeout {
		t.log.Infof("%ds mgt_ORB_timeout limited to 40s", int(t.mgtORBTimeout/time.Second))
		t.mgtORBTimeout = MaxManagementTimeout
	}
	if t.mgtORBTimeout < MinManagementTimeout {
		t.mgtORBTimeout = MinManagementTimeout
	}
}

func (t *Target) addLogicalUnit(lun uint16) error {
	lu := newLogicalUnit(t, lun)
	if err := t.engine.card.AddAddressHandler(&lu.handler, bus.HighMemoryRegion); err != nil {
		return fmt.Errorf("failed to add status handler for LUN %04x: %v", lu.lun, err)
	}
	t.engine.mu.Lock()
	t.dontBlock++
	t.engine.mu.Unlock()
	t.units = append(t.units, lu)
	return nil
}

func (t *Target) removeUnits() {
	for _, lu := range t.units {
		t.engine.card.RemoveAddressHandler(&lu.handler)
	}
	t.units = nil
}

// Update is called after a bus reset. Units are blocked until they have
// reconnected in the new generation.
func (t *Target) Update() {
	for _, lu := range t.units {
		lu.conditionallyBlock()
		lu.retries.Store(0)
		lu.state.CompareAndSwap(int32(StateAttached), int32(StateReconnectPending))
		lu.work.queue(0)
	}
}

// Remove logs out of all logical units and releases them.
func (t *Target) Remove() {
	// Never leave the queue blocked behind a target that is going away
	t.unblock()
	t.cancel()

	for _, lu := range t.units {
		lu.work.cancelSync()
		if lu.hasDevice {
			t.host.RemoveDevice(lu)
			lu.hasDevice = false
		}
		if id := lu.loginID.Swap(InvalidLoginID); id != InvalidLoginID {
			node, generation := t.device.NodeGeneration()
			if err := lu.sendManagementORB(context.Background(), node, generation,
				FunctionLogout, int(id), nil); err != nil {
				lu.log.Debugf("logout on removal failed: %v", err)
			}
		}
		t.engine.cancelAll(lu)
		t.engine.card.RemoveAddressHandler(&lu.handler)
		lu.setState(StateUnattached)
	}
	t.log.Infof("released target %016x", t.guid)
}

// unblock lifts the queue block for good; the target will not block again
// for bus resets.
func (t *Target) unblock() {
	t.engine.mu.Lock()
	t.dontBlock++
	t.host.UnblockRequests()
	t.engine.mu.Unlock()
}

func (t *Target) allowBlock() {
	t.engine.mu.Lock()
	t.dontBlock--
	t.engine.mu.Unlock()
}

func (t *Target) Units() []*LogicalUnit {
	return t.units
}

func (t *Target) GUID() uint64 {
	return t.guid
}

func (t *Target) DirectoryID() int {
	return t.directoryID
}

func (t *Target) Workarounds() Workarounds {
	return t.workarounds
}

func (t *Target) ManagementTimeout() time.Duration {
	return t.mgtORBTimeout
}

func (t *Target) ManagementAgentAddress() uint64 {
	return t.managementAgentAddress
}

func (t *Target) MaxPayload() int {
	return t.maxPayload
}

// Blocked returns the number of logical units currently blocked.
func (t *Target) Blocked() int {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.blocked
}

// QueueBlocked reports whether the command queue is held back.
func (t *Target) QueueBlocked() bool {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.blocked > 0 && t.dontBlock == 0
}

// DeviceConfig returns the settings the command queue should apply to the
// target's logical units.
func (t *Target) DeviceConfig() DeviceConfig {
	return NewDeviceConfig(t.workarounds, t.exclusiveLogin)
}

// node returns the target's node ID and the high quadlet for local data
// descriptors.
func (t *Target) node() (int, uint32) {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.nodeID, t.addressHigh
}
