package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

const (
	SCSI_TEST_UNIT_READY  = 0x00
	SCSI_INQUIRY          = 0x12
	SCSI_READ_CAPACITY_10 = 0x25
	SCSI_READ_10          = 0x28
	SCSI_WRITE_10         = 0x2a
)

// SCSI INQUIRY response
type InquiryResponse struct {
	Peripheral   byte // peripheral qualifier, device type
	_            byte
	Version      byte
	_            [5]byte
	VendorIdent  [8]byte
	ProductIdent [16]byte
	ProductRev   [4]byte
}

func (inq InquiryResponse) String() string {
	return fmt.Sprintf("Type=0x%x, Vendor=%s, Product=%s, Revision=%s",
		inq.Peripheral,
		strings.TrimSpace(string(inq.VendorIdent[:])),
		strings.TrimSpace(string(inq.ProductIdent[:])),
		strings.TrimSpace(string(inq.ProductRev[:])))
}

// CommandError is a command that completed with a non-good result.
type CommandError struct {
	Opcode byte
	Result sbp2.Result
	Sense  []byte
}

func (e *CommandError) Error() string {
	if e.Result.Status() == sbp2.SAMStatusCheckCondition && len(e.Sense) >= 14 {
		return fmt.Sprintf("command 0x%02x failed: %s, sense key 0x%x asc 0x%02x ascq 0x%02x",
			e.Opcode, e.Result, e.Sense[2]&0xf, e.Sense[12], e.Sense[13])
	}
	return fmt.Sprintf("command 0x%02x failed: %s", e.Opcode, e.Result)
}

// execute queues cmd and waits for its completion.
func execute(ctx context.Context, lu *sbp2.LogicalUnit, cmd *sbp2.Command) error {
	done := make(chan struct{})
	cmd.Done = func(*sbp2.Command) { close(done) }
	if err := lu.QueueCommand(cmd); err != nil {
		return fmt.Errorf("QueueCommand(0x%02x) failed: %v", cmd.CDB[0], err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		// Cancelled commands still complete
		lu.Abort()
		<-done
		return ctx.Err()
	}
	if !cmd.Result.OK() {
		return &CommandError{Opcode: cmd.CDB[0], Result: cmd.Result, Sense: cmd.Sense}
	}
	return nil
}

func SCSIInquiry(ctx context.Context, lu *sbp2.LogicalUnit) (InquiryResponse, error) {
	var resp InquiryResponse

	respBuf := make([]byte, 36)

	cdb := [6]byte{SCSI_INQUIRY}
	binary.BigEndian.PutUint16(cdb[3:], uint16(len(respBuf)))

	cmd := &sbp2.Command{CDB: cdb[:], Direction: sbp2.DirectionFromDevice, SG: [][]byte{respBuf}}
	if err := execute(ctx, lu, cmd); err != nil {
		return resp, err
	}

	binary.Read(bytes.NewBuffer(respBuf), binary.BigEndian, &resp)

	return resp, nil
}

func SCSITestUnitReady(ctx context.Context, lu *sbp2.LogicalUnit) error {
	cdb := [6]byte{SCSI_TEST_UNIT_READY}
	return execute(ctx, lu, &sbp2.Command{CDB: cdb[:], Direction: sbp2.DirectionNone})
}

// SCSIReadCapacity returns the last logical block address and the block
// size. Devices with WorkaroundFixCapacity report the number of blocks
// instead of the last address; the caller is expected to correct for that.
func SCSIReadCapacity(ctx context.Context, lu *sbp2.LogicalUnit) (uint32, uint32, error) {
	respBuf := make([]byte, 8)

	cdb := [10]byte{SCSI_READ_CAPACITY_10}
	cmd := &sbp2.Command{CDB: cdb[:], Direction: sbp2.DirectionFromDevice, SG: [][]byte{respBuf}}
	if err := execute(ctx, lu, cmd); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(respBuf[0:]), binary.BigEndian.Uint32(respBuf[4:]), nil
}

func rwCDB(opcode byte, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = opcode
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

// SCSIRead10 reads into the segments of sg, which must add up to a whole
// number of blocks.
func SCSIRead10(ctx context.Context, lu *sbp2.LogicalUnit, lba uint32, blockSize int, sg [][]byte) error {
	cmd := &sbp2.Command{
		CDB:       rwCDB(SCSI_READ_10, lba, uint16(sgLength(sg)/blockSize)),
		Direction: sbp2.DirectionFromDevice,
		SG:        sg,
	}
	return execute(ctx, lu, cmd)
}

func SCSIWrite10(ctx context.Context, lu *sbp2.LogicalUnit, lba uint32, blockSize int, sg [][]byte) error {
	cmd := &sbp2.Command{
		CDB:       rwCDB(SCSI_WRITE_10, lba, uint16(sgLength(sg)/blockSize)),
		Direction: sbp2.DirectionToDevice,
		SG:        sg,
	}
	return execute(ctx, lu, cmd)
}

func sgLength(sg [][]byte) int {
	n := 0
	for _, s := range sg {
		n += len(s)
	}
	return n
}
