// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Device workarounds

package sbp2

import (
	"fmt"
	"strings"
	"time"
)

type Workarounds uint

const (
	Workaround128KMaxTrans   Workarounds = 0x1
	WorkaroundInquiry36      Workarounds = 0x2
	WorkaroundModeSense8     Workarounds = 0x4
	WorkaroundFixCapacity    Workarounds = 0x8
	WorkaroundDelayInquiry   Workarounds = 0x10
	WorkaroundPowerCondition Workarounds = 0x20
	// Skip the built-in table and use only the given flags
	WorkaroundOverride Workarounds = 0x100

	InquiryDelay = 12 * time.Second

	ROMValueWildcard uint32 = 0xffffffff
	ROMValueMissing  uint32 = 0xff000000
)

var workaroundNames = []struct {
	w    Workarounds
	name string
}{
	{Workaround128KMaxTrans, "128k-max-transfer"},
	{WorkaroundInquiry36, "inquiry-36"},
	{WorkaroundModeSense8, "skip-mode-page-8"},
	{WorkaroundFixCapacity, "fix-capacity"},
	{WorkaroundDelayInquiry, "delay-inquiry"},
	{WorkaroundPowerCondition, "power-condition"},
	{WorkaroundOverride, "override"},
}

func (w Workarounds) String() string {
	if w == 0 {
		return "none"
	}
	var names []string
	for _, n := range workaroundNames {
		if w&n.w != 0 {
			names = append(names, n.name)
			w &^= n.w
		}
	}
	if w != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint(w)))
	}
	return strings.Join(names, ",")
}

// WorkaroundByName returns the flag printed as name by Workarounds.String.
func WorkaroundByName(name string) (Workarounds, bool) {
	for _, n := range workaroundNames {
		if n.name == name {
			return n.w, true
		}
	}
	return 0, false
}

// Ordered, the first matching entry wins.
var workaroundsTable = []struct {
	firmwareRevision uint32
	model            uint32
	workarounds      Workarounds
}{
	// DViCO Momobay CX-1 with TSB42AA9 bridge
	{0x002800, 0x001010, WorkaroundInquiry36 | WorkaroundModeSense8 | WorkaroundPowerCondition},
	// DViCO Momobay FX-3A with TSB42AA9A bridge
	{0x002800, 0x000000, WorkaroundPowerCondition},
	// Initio bridges, actually only needed for some older ones
	{0x000200, ROMValueWildcard, WorkaroundInquiry36},
	// PL-3507 bridge with Prolific firmware
	{0x012800, ROMValueWildcard, WorkaroundPowerCondition},
	// Symbios bridge
	{0xa0b800, ROMValueWildcard, Workaround128KMaxTrans},
	// Datafab MD2-FW2 with Symbios/LSILogic SYM13FW500 bridge
	{0x002600, ROMValueWildcard, Workaround128KMaxTrans},
	// iPod 2nd generation
	{0x0a2700, 0x000000, Workaround128KMaxTrans | WorkaroundFixCapacity},
	// iPod 4th generation
	{0x0a2700, 0x000021, WorkaroundFixCapacity},
	// iPod mini
	{0x0a2700, 0x000022, WorkaroundFixCapacity},
	{0x0a2700, 0x000023, WorkaroundFixCapacity},
	// iPod Photo
	{0x0a2700, 0x00007e, WorkaroundFixCapacity},
}

// LookupWorkarounds returns the workarounds for a device with the given
// model and firmware revision, combined with the user supplied flags.
func LookupWorkarounds(model, firmwareRevision uint32, user Workarounds) Workarounds {
	w := user
	if w&WorkaroundOverride != 0 {
		return w
	}
	for _, e := range workaroundsTable {
		if e.firmwareRevision != firmwareRevision&0xffffff00 {
			continue
		}
		if e.model != model && e.model != ROMValueWildcard {
			continue
		}
		w |= e.workarounds
		break
	}
	return w
}

// DeviceConfig tells the command queue how to drive a logical unit.
type DeviceConfig struct {
	// Zero means the queue's default
	InquiryLength int
	// Zero means no limit beyond the segment constraints
	MaxSectors     int
	MaxSegmentSize int
	DMAAlignment   int
	MaxCDBSize     int

	AllowRestart            bool
	Use10ForRW              bool
	ManageStartStop         bool
	SkipModePage8           bool
	FixCapacity             bool
	StartStopPowerCondition bool
}

// NewDeviceConfig returns the queue settings for a unit with workarounds w.
func NewDeviceConfig(w Workarounds, exclusiveLogin bool) DeviceConfig {
	c := DeviceConfig{
		MaxSegmentSize:  MaxSegmentSize,
		DMAAlignment:    4,
		MaxCDBSize:      MaxCDBSize,
		AllowRestart:    true,
		Use10ForRW:      true,
		ManageStartStop: exclusiveLogin,
	}
	if w&WorkaroundInquiry36 != 0 {
		c.InquiryLength = 36
	}
	if w&Workaround128KMaxTrans != 0 {
		c.MaxSectors = 128 * 1024 / 512
	}
	c.SkipModePage8 = w&WorkaroundModeSense8 != 0
	c.FixCapacity = w&WorkaroundFixCapacity != 0
	c.StartStopPowerCondition = w&WorkaroundPowerCondition != 0
	return c
}
