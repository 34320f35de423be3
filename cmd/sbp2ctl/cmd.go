package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-sbp2/pkg/bus/loopback"
	"github.com/open-source-firmware/go-sbp2/pkg/cmdutil"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2/sbp2sim"
)

// runContext is the context struct required by kong command line parser
type runContext struct{}

type probeCmd struct {
	cmdutil.DeviceEmbed `embed:""`
}

type inquiryCmd struct {
	cmdutil.DeviceEmbed   `embed:""`
	cmdutil.PasswordEmbed `embed:""`
	Shared                bool          `flag:"" optional:"" help:"Log in without the exclusive bit"`
	Timeout               time.Duration `flag:"" optional:"" default:"30s" help:"Give up if no logical unit logs in within this time"`
	Verbose               bool          `flag:"" optional:"" short:"v" help:"Log transport events"`
}

type passwdCmd struct {
	cmdutil.DeviceEmbed   `embed:""`
	cmdutil.PasswordEmbed `embed:""`
	NewPassword           string        `flag:"" required:"" env:"SBP2_NEW_PASS" type:"password" help:"New login password, hashed like the current one"`
	Timeout               time.Duration `flag:"" optional:"" default:"30s" help:"Give up if no logical unit logs in within this time"`
	Verbose               bool          `flag:"" optional:"" short:"v" help:"Log transport events"`
}

type statCmd struct {
	Output   string `flag:"" optional:"" default:"table" enum:"table,json,openmetrics" help:"Output format; one of [table, json, openmetrics]"`
	NoHeader bool   `flag:"" optional:"" help:"Supress the header in table format output"`
}

type dumpCmd struct {
	cmdutil.DeviceEmbed `embed:""`
}

type quirksCmd struct {
	Model            string `flag:"" required:"" help:"Model ID from the unit directory (e.g. 0x000022)"`
	FirmwareRevision string `flag:"" required:"" help:"Firmware revision from the unit directory (e.g. 0x0a2700)"`
	Workarounds      string `flag:"" optional:"" env:"SBP2_WORKAROUNDS" help:"Workaround flags, by name or as a number"`
	Shared           bool   `flag:"" optional:"" help:"Assume a login without the exclusive bit"`
}

type simulateCmd struct {
	Size      int           `flag:"" optional:"" default:"1048576" help:"Size of the simulated disk in bytes"`
	LUNs      int           `flag:"" name:"luns" optional:"" default:"1" help:"Number of logical units of the simulated target"`
	Latency   time.Duration `flag:"" optional:"" help:"Delay added to every bus transaction"`
	BusResets int           `flag:"" optional:"" default:"1" help:"Number of bus resets to inject between commands"`
	Verbose   bool          `flag:"" optional:"" short:"v" help:"Log transport events"`
}

// cli is the main command line interface struct required by kong command line parser
var cli struct {
	Probe    probeCmd    `cmd:"" help:"Show the SBP-2 units in the configuration ROM of a node"`
	Inquiry  inquiryCmd  `cmd:"" help:"Log in to a node and send SCSI INQUIRY to its first logical unit"`
	Passwd   passwdCmd   `cmd:"" help:"Log in to a node and change its login password"`
	Stat     statCmd     `cmd:"" help:"List all SBP-2 units on the bus"`
	Dump     dumpCmd     `cmd:"" help:"Dump the configuration ROM and unit directories of a node"`
	Quirks   quirksCmd   `cmd:"" help:"Show the workarounds and queue settings applied to a device"`
	Simulate simulateCmd `cmd:"" help:"Run commands against a simulated target on an in-memory bus"`
}

func parseROMValue(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ROM value %q: %v", s, err)
	}
	return uint32(n), nil
}

// Run executes when the quirks command is invoked
func (q *quirksCmd) Run(ctx *runContext) error {
	model, err := parseROMValue(q.Model)
	if err != nil {
		return err
	}
	fw, err := parseROMValue(q.FirmwareRevision)
	if err != nil {
		return err
	}
	user, err := cmdutil.ParseWorkarounds(q.Workarounds)
	if err != nil {
		return err
	}
	w := sbp2.LookupWorkarounds(model, fw, user)
	fmt.Printf("Workarounds: %s (0x%x)\n", w, uint(w))
	fmt.Printf("Queue settings: %+v\n", sbp2.NewDeviceConfig(w, !q.Shared))
	return nil
}

func loggerFor(verbose bool) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(l)
}

// Run executes when the simulate command is invoked
func (s *simulateCmd) Run(ctx *runContext) error {
	if s.LUNs < 1 {
		return fmt.Errorf("need at least one logical unit")
	}
	if s.Size < 4*sbp2sim.BlockSize {
		return fmt.Errorf("disk of %d bytes is too small", s.Size)
	}
	l := loggerFor(s.Verbose)
	logrus.SetLevel(l.Logger.GetLevel())

	b := loopback.New()
	b.SetLatency(s.Latency)
	local := b.AddNode(0x0011223344556677)
	remote := b.AddNode(0x0010b92000000001)
	cfg := sbp2sim.Config{
		GUID:              0x0010b92000000001,
		Model:             0x000001,
		FirmwareRevision:  0x000100,
		ManagementTimeout: 10,
		Handler:           sbp2sim.NewDisk(s.Size).Handle,
	}
	for i := 0; i < s.LUNs; i++ {
		cfg.LUNs = append(cfg.LUNs, uint16(i))
	}
	dev := sbp2sim.New(remote, cfg)

	metrics := sbp2.NewMetrics()
	e, err := sbp2.NewEngine(local, sbp2.WithEngineLogger(l), sbp2.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("NewEngine() failed: %v", err)
	}
	defer e.Close()

	h := newHost()
	tgt, err := sbp2.NewTarget(e, local.Remote(remote), h, dev.ConfigROM(), dev.UnitDirectory(),
		sbp2.WithLogger(l), sbp2.WithRetryDelay(10*time.Millisecond))
	if err != nil {
		return fmt.Errorf("NewTarget() failed: %v", err)
	}
	defer tgt.Remove()
	local.OnBusReset(func(int) { tgt.Update() })

	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	lu, err := h.waitAttached(c)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in to %s, login ID %d\n", lu.ID(), lu.LoginID())

	if err := exercise(c, lu); err != nil {
		return err
	}
	for i := 0; i < s.BusResets; i++ {
		gen := b.Reset(i%2 == 1)
		fmt.Printf("Bus reset, generation %d\n", gen)
		for lu.State() != sbp2.StateAttached || lu.Generation() != gen {
			select {
			case <-time.After(10 * time.Millisecond):
			case <-c.Done():
				return fmt.Errorf("no reconnect after bus reset: %v", c.Err())
			}
		}
		if err := exercise(c, lu); err != nil {
			return err
		}
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(metrics)
	writeMetrics(reg)
	return nil
}

// exercise runs a short command sequence against a disk and checks that
// data written can be read back.
func exercise(ctx context.Context, lu *sbp2.LogicalUnit) error {
	if err := SCSITestUnitReady(ctx, lu); err != nil {
		return err
	}
	inq, err := SCSIInquiry(ctx, lu)
	if err != nil {
		return err
	}
	fmt.Printf("Inquiry: %s\n", inq)
	last, blockSize, err := SCSIReadCapacity(ctx, lu)
	if err != nil {
		return err
	}
	fmt.Printf("Capacity: %d blocks of %d bytes\n", last+1, blockSize)

	// Two blocks, split so that the command needs a page table
	pattern := make([]byte, 2*int(blockSize))
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	half := len(pattern) / 2
	if err := SCSIWrite10(ctx, lu, last-1, int(blockSize), [][]byte{pattern[:half], pattern[half:]}); err != nil {
		return err
	}
	readBack := make([]byte, len(pattern))
	if err := SCSIRead10(ctx, lu, last-1, int(blockSize), [][]byte{readBack[:half], readBack[half:]}); err != nil {
		return err
	}
	if !bytes.Equal(pattern, readBack) {
		return fmt.Errorf("data read back from LBA %d differs", last-1)
	}
	fmt.Printf("Read back %d bytes at LBA %d\n", len(readBack), last-1)

	// Past the end, the device must report a check condition
	err = SCSIRead10(ctx, lu, last+1, int(blockSize), [][]byte{readBack[:blockSize]})
	if _, ok := err.(*CommandError); !ok {
		return fmt.Errorf("read past the end: %v; want a check condition", err)
	}
	fmt.Printf("Read past the end: %v\n", err)
	return nil
}
