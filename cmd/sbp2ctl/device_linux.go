package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"

	"github.com/open-source-firmware/go-sbp2/pkg/bus/fwcdev"
	"github.com/open-source-firmware/go-sbp2/pkg/cmdutil"
	"github.com/open-source-firmware/go-sbp2/pkg/rom"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

// readUnits returns the SBP-2 unit directories of the node behind device.
func readUnits(device string) (uint64, []uint32, []int, error) {
	c, err := fwcdev.Open(device)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("fwcdev.Open(%s) failed: %v", device, err)
	}
	defer c.Close()
	configROM := c.ConfigROM()
	guid, err := rom.GUID(configROM)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("rom.GUID(%s) failed: %v", device, err)
	}
	dirs, err := rom.UnitDirectories(configROM, sbp2.UnitSpecifierID, sbp2.UnitSWVersion)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("rom.UnitDirectories(%s) failed: %v", device, err)
	}
	return guid, configROM, dirs, nil
}

// Run executes when the probe command is invoked
func (p *probeCmd) Run(ctx *runContext) error {
	user, err := p.ParseWorkarounds()
	if err != nil {
		return err
	}
	guid, configROM, dirs, err := readUnits(p.Device)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("%s: no SBP-2 unit directory", p.Device)
	}
	for _, d := range dirs {
		u := sbp2.ParseUnitDirectory(configROM, d)
		s := newUnitState(p.Device, guid, u)
		fmt.Printf("Unit %s:%s\n", s.GUID, s.DirectoryID)
		fmt.Printf("  Management agent: 0x%012x\n", u.ManagementAgentAddress)
		fmt.Printf("  Model: %s, firmware revision: %s\n", s.Model, s.FirmwareRevision)
		fmt.Printf("  Management timeout: %s\n", u.ManagementTimeout)
		fmt.Printf("  Logical units: %s\n", s.lunList())
		fmt.Printf("  Workarounds: %s\n", sbp2.LookupWorkarounds(u.Model, u.FirmwareRevision, user))
	}
	return nil
}

// Run executes when the dump command is invoked
func (d *dumpCmd) Run(ctx *runContext) error {
	_, configROM, dirs, err := readUnits(d.Device)
	if err != nil {
		return err
	}
	spew.Config.Indent = "  "
	fmt.Println("Configuration ROM:")
	for i := 0; i < len(configROM); i += 4 {
		fmt.Printf("  %04x:", romOffset(i))
		for j := i; j < i+4 && j < len(configROM); j++ {
			fmt.Printf(" %08x", configROM[j])
		}
		fmt.Println()
	}
	for _, dir := range dirs {
		fmt.Printf("Unit directory at %04x:\n", romOffset(dir))
		spew.Dump(sbp2.ParseUnitDirectory(configROM, dir))
	}
	return nil
}

// romOffset is the CSR offset of quadlet i of the configuration ROM.
func romOffset(i int) int {
	return 0x400 + 4*i
}

// session is a login to the first logical unit of a node.
type session struct {
	card   *fwcdev.Card
	engine *sbp2.Engine
	target *sbp2.Target
	lu     *sbp2.LogicalUnit
}

func (s *session) close() {
	if s.target != nil {
		s.target.Remove()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	s.card.Close()
}

func openSession(ctx context.Context, d *cmdutil.DeviceEmbed, p *cmdutil.PasswordEmbed, shared, verbose bool) (*session, error) {
	user, err := d.ParseWorkarounds()
	if err != nil {
		return nil, err
	}
	l := loggerFor(verbose)
	c, err := fwcdev.Open(d.Device, fwcdev.WithLogger(l))
	if err != nil {
		return nil, fmt.Errorf("fwcdev.Open(%s) failed: %v", d.Device, err)
	}
	s := &session{card: c}

	configROM := c.ConfigROM()
	dirs, err := rom.UnitDirectories(configROM, sbp2.UnitSpecifierID, sbp2.UnitSWVersion)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("rom.UnitDirectories(%s) failed: %v", d.Device, err)
	}
	if len(dirs) == 0 {
		s.close()
		return nil, fmt.Errorf("%s: no SBP-2 unit directory", d.Device)
	}
	pw, err := p.GenerateHash(c.Device().GUID())
	if err != nil {
		s.close()
		return nil, err
	}

	s.engine, err = sbp2.NewEngine(c, sbp2.WithEngineLogger(l))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("NewEngine() failed: %v", err)
	}
	opts := []sbp2.TargetOpt{
		sbp2.WithLogger(l),
		sbp2.WithWorkarounds(user),
		sbp2.WithExclusiveLogin(!shared),
	}
	if pw != nil {
		opts = append(opts, sbp2.WithPassword(pw))
	}
	h := newHost()
	s.target, err = sbp2.NewTarget(s.engine, c.Device(), h, configROM, dirs[0], opts...)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("NewTarget() failed: %v", err)
	}
	c.OnBusReset(func(int) { s.target.Update() })

	s.lu, err = h.waitAttached(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// Run executes when the inquiry command is invoked
func (q *inquiryCmd) Run(ctx *runContext) error {
	cctx, cancel := context.WithTimeout(context.Background(), q.Timeout)
	defer cancel()
	s, err := openSession(cctx, &q.DeviceEmbed, &q.PasswordEmbed, q.Shared, q.Verbose)
	if err != nil {
		return err
	}
	defer s.close()

	inq, err := SCSIInquiry(cctx, s.lu)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", s.lu.ID(), inq)
	return nil
}

// Run executes when the passwd command is invoked
func (p *passwdCmd) Run(ctx *runContext) error {
	cctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()
	s, err := openSession(cctx, &p.DeviceEmbed, &p.PasswordEmbed, false, p.Verbose)
	if err != nil {
		return err
	}
	defer s.close()

	next := cmdutil.PasswordEmbed{Password: p.NewPassword, Hash: p.Hash}
	pw, err := next.GenerateHash(s.card.Device().GUID())
	if err != nil {
		return err
	}
	if err := s.lu.SetPassword(cctx, pw); err != nil {
		return fmt.Errorf("SetPassword() failed: %v", err)
	}
	fmt.Printf("Password of %s changed\n", s.lu.ID())
	return nil
}

// Run executes when the stat command is invoked
func (s *statCmd) Run(ctx *runContext) error {
	nodes, err := filepath.Glob("/dev/fw*")
	if err != nil {
		return fmt.Errorf("failed to enumerate firewire nodes: %v", err)
	}

	var state Units
	for _, device := range nodes {
		guid, configROM, dirs, err := readUnits(device)
		if err != nil {
			log.Printf("%v", err)
			continue
		}
		for _, d := range dirs {
			state = append(state, newUnitState(device, guid, sbp2.ParseUnitDirectory(configROM, d)))
		}
	}

	switch s.Output {
	case "json":
		outputJSON(state)
	case "openmetrics":
		outputMetrics(state)
	default:
		outputTable(state, s.NoHeader)
	}
	return nil
}
