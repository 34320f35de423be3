package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func outputMetrics(state Units) {
	var (
		mUnitInfo = prometheus.NewDesc(
			"sbp2_unit_info",
			"Info metric regarding the detected SBP-2 units",
			[]string{"device", "guid", "directory_id", "model", "firmware_revision"}, nil,
		)
		mLogicalUnits = prometheus.NewDesc(
			"sbp2_unit_logical_units",
			"Number of logical units in the unit directory",
			[]string{"device", "guid", "directory_id"}, nil,
		)
		mManagementTimeout = prometheus.NewDesc(
			"sbp2_unit_management_timeout_seconds",
			"Management ORB timeout advertised by the unit",
			[]string{"device", "guid", "directory_id"}, nil,
		)
		mWorkarounds = prometheus.NewDesc(
			"sbp2_unit_workarounds",
			"Workarounds the built-in table applies to the unit",
			[]string{"device", "guid", "directory_id", "workarounds"}, nil,
		)
	)
	mc := &metricCollector{}
	for _, s := range state {
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mUnitInfo, prometheus.GaugeValue, 1,
				s.Device, s.GUID, s.DirectoryID, s.Model, s.FirmwareRevision))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mLogicalUnits, prometheus.GaugeValue, float64(len(s.LUNs)),
				s.Device, s.GUID, s.DirectoryID))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mManagementTimeout, prometheus.GaugeValue, s.ManagementTimeout,
				s.Device, s.GUID, s.DirectoryID))
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mWorkarounds, prometheus.GaugeValue, 1,
				s.Device, s.GUID, s.DirectoryID, s.Workarounds))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)
	writeMetrics(reg)
}

func writeMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
