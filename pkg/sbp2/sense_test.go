// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"bytes"
	"testing"
)

func TestStatusToSenseData(t *testing.T) {
	testCases := []struct {
		name   string
		status string
		sense  string
		result Result
	}{
		{
			"Current illegal request",
			"02 05 20 00 00 00 00 00 00 00 00 00 00 00",
			"70 00 05 00 00 00 00 0a 00 00 00 00 20 00 00 00",
			MakeResult(DidOK, SAMStatusCheckCondition),
		},
		{
			"Deferred with information",
			"42 83 0c 02 00 01 02 03 04 05 06 07 08 09",
			"f1 00 03 00 01 02 03 0a 04 05 06 07 0c 02 08 09",
			MakeResult(DidOK, SAMStatusCheckCondition),
		},
		{
			"Filemark and EOM",
			"02 66 00 00 00 00 00 00 00 00 00 00 00 00",
			"70 00 c6 00 00 00 00 0a 00 00 00 00 00 00 00 00",
			MakeResult(DidOK, SAMStatusCheckCondition),
		},
		{
			"Busy",
			"08 00 00 00 00 00 00 00 00 00 00 00 00 00",
			"70 00 00 00 00 00 00 0a 00 00 00 00 00 00 00 00",
			MakeResult(DidOK, SAMStatusBusy),
		},
		{
			"Unknown SAM status",
			"03 00 00 00 00 00 00 00 00 00 00 00 00 00",
			"70 00 00 00 00 00 00 0a 00 00 00 00 00 00 00 00",
			MakeResult(DidError, SAMStatusGood),
		},
		{
			"Reserved format",
			"82 05 20 00 00 00 00 00 00 00 00 00 00 00",
			"00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00",
			MakeResult(DidError, SAMStatusGood),
		},
		{
			"Vendor format",
			"c2 05 20 00 00 00 00 00 00 00 00 00 00 00",
			"00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00",
			MakeResult(DidError, SAMStatusGood),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status := make([]byte, StatusDataSize)
			copy(status, decodeHex(tc.status))
			sense := make([]byte, SenseBufferSize)
			got := statusToSenseData(status, sense)
			if got != tc.result {
				t.Errorf("result = %s; want %s", got, tc.result)
			}
			if want := decodeHex(tc.sense); !bytes.Equal(sense[:len(want)], want) {
				t.Errorf("sense = %x; want %x", sense[:len(want)], want)
			}
		})
	}
}

func TestResultString(t *testing.T) {
	testCases := []struct {
		result Result
		want   string
	}{
		{MakeResult(DidOK, SAMStatusGood), "DID_OK status 0x00"},
		{MakeResult(DidOK, SAMStatusCheckCondition), "DID_OK status 0x02"},
		{MakeResult(DidBusBusy, SAMStatusGood), "DID_BUS_BUSY status 0x00"},
		{MakeResult(DidError, SAMStatusGood), "DID_ERROR status 0x00"},
		{MakeResult(0x0b, SAMStatusGood), "host 0x0b status 0x00"},
	}
	for _, tc := range testCases {
		if got := tc.result.String(); got != tc.want {
			t.Errorf("String() = %q; want %q", got, tc.want)
		}
	}
}
