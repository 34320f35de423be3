package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

type UnitState struct {
	Device            string
	GUID              string
	DirectoryID       string
	Model             string
	FirmwareRevision  string
	LUNs              []uint16
	ManagementTimeout float64
	Workarounds       string
}

type Units []UnitState

func romValue(v uint32) string {
	if v == sbp2.ROMValueMissing {
		return "-"
	}
	return fmt.Sprintf("%06x", v)
}

func newUnitState(device string, guid uint64, u sbp2.UnitInfo) UnitState {
	if u.UnitUniqueID != 0 {
		guid = u.UnitUniqueID
	}
	return UnitState{
		Device:            device,
		GUID:              fmt.Sprintf("%016x", guid),
		DirectoryID:       fmt.Sprintf("%06x", u.DirectoryID),
		Model:             romValue(u.Model),
		FirmwareRevision:  romValue(u.FirmwareRevision),
		LUNs:              u.LUNs,
		ManagementTimeout: u.ManagementTimeout.Seconds(),
		Workarounds:       sbp2.LookupWorkarounds(u.Model, u.FirmwareRevision, 0).String(),
	}
}

func (s UnitState) lunList() string {
	luns := []string{}
	for _, l := range s.LUNs {
		luns = append(luns, fmt.Sprintf("%d", l))
	}
	if len(luns) == 0 {
		return "-"
	}
	return strings.Join(luns, ",")
}

func outputJSON(state Units) {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JSON: %v", err)
	}
	os.Stdout.Write(b)
}

func outputTable(state Units, noHeader bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !noHeader {
		fmt.Fprintf(w, "DEVICE\tGUID\tDIRECTORY\tMODEL\tFIRMWARE\tLUNS\tMGT TIMEOUT\tWORKAROUNDS\n")
	}
	for _, s := range state {
		fmt.Fprint(w,
			s.Device, "\t",
			s.GUID, "\t",
			s.DirectoryID, "\t",
			s.Model, "\t",
			s.FirmwareRevision, "\t",
			s.lunList(), "\t",
			fmt.Sprintf("%gs", s.ManagementTimeout), "\t",
			s.Workarounds, "\t",
			"\n")
	}
	w.Flush()
}
