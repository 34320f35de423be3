// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"fmt"
)

// HostByte reports transport level problems, as in the host byte of a
// Linux SCSI result.
type HostByte uint8

const (
	DidOK      HostByte = 0x00
	DidBusBusy HostByte = 0x02
	DidError   HostByte = 0x07
)

type SAMStatus uint8

const (
	SAMStatusGood                SAMStatus = 0x00
	SAMStatusCheckCondition      SAMStatus = 0x02
	SAMStatusConditionMet        SAMStatus = 0x04
	SAMStatusBusy                SAMStatus = 0x08
	SAMStatusReservationConflict SAMStatus = 0x18
	SAMStatusCommandTerminated   SAMStatus = 0x22
)

// Result combines the host byte and the SAM status of a command.
type Result uint32

func MakeResult(h HostByte, s SAMStatus) Result {
	return Result(uint32(h)<<16 | uint32(s))
}

func (r Result) Host() HostByte    { return HostByte(r >> 16) }
func (r Result) Status() SAMStatus { return SAMStatus(r & 0xff) }
func (r Result) OK() bool          { return r == 0 }

func (r Result) String() string {
	var host string
	switch r.Host() {
	case DidOK:
		host = "DID_OK"
	case DidBusBusy:
		host = "DID_BUS_BUSY"
	case DidError:
		host = "DID_ERROR"
	default:
		host = fmt.Sprintf("host 0x%02x", uint8(r.Host()))
	}
	return fmt.Sprintf("%s status 0x%02x", host, uint8(r.Status()))
}

// statusToSenseData converts the command set dependent part of a status
// block into fixed format sense data.
func statusToSenseData(status []byte, sense []byte) Result {
	sfmt := (status[0] >> 6) & 0x03
	if sfmt == 2 || sfmt == 3 {
		// Reserved for future standardization (2) or status block
		// format vendor-dependent (3)
		return MakeResult(DidError, SAMStatusGood)
	}

	sense[0] = 0x70 | sfmt | (status[1] & 0x80)
	sense[1] = 0x0
	sense[2] = ((status[1] << 1) & 0xe0) | (status[1] & 0x0f)
	sense[3] = status[4]
	sense[4] = status[5]
	sense[5] = status[6]
	sense[6] = status[7]
	sense[7] = 10
	sense[8] = status[8]
	sense[9] = status[9]
	sense[10] = status[10]
	sense[11] = status[11]
	sense[12] = status[2]
	sense[13] = status[3]
	sense[14] = status[12]
	sense[15] = status[13]

	sam := SAMStatus(status[0] & 0x3f)
	switch sam {
	case SAMStatusGood, SAMStatusCheckCondition, SAMStatusConditionMet,
		SAMStatusBusy, SAMStatusReservationConflict, SAMStatusCommandTerminated:
		return MakeResult(DidOK, sam)
	default:
		return MakeResult(DidError, SAMStatusGood)
	}
}
