// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	pathTransaction = "transaction"
	pathStatus      = "status"
	pathCancel      = "cancel"

	dropUnknownORB  = "unknown_orb"
	dropUnsolicited = "unsolicited"
	dropMalformed   = "malformed"

	kindCommand    = "command"
	kindManagement = "management"

	resultSuccess = "success"
	resultFailure = "failure"
	resultGivenUp = "given_up"
)

// Metrics collects transport counters of an engine. It implements
// prometheus.Collector.
type Metrics struct {
	submitted    *prometheus.CounterVec
	completions  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	logins       *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	blockedUnits prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbp2_orbs_submitted_total",
			Help: "Number of ORBs handed to the transaction layer",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbp2_orb_completions_total",
			Help: "Number of ORB callbacks delivered, by the path that completed them",
		}, []string{"path"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbp2_status_writes_dropped_total",
			Help: "Number of status writes that did not complete an ORB",
		}, []string{"reason"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbp2_logins_total",
			Help: "Number of login attempts by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbp2_reconnects_total",
			Help: "Number of reconnect attempts by result",
		}, []string{"result"}),
		blockedUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbp2_blocked_units",
			Help: "Number of logical units currently blocked after a bus reset",
		}),
	}
}

func (m *Metrics) Describe(c chan<- *prometheus.Desc) {
	m.submitted.Describe(c)
	m.completions.Describe(c)
	m.dropped.Describe(c)
	m.logins.Describe(c)
	m.reconnects.Describe(c)
	m.blockedUnits.Describe(c)
}

func (m *Metrics) Collect(c chan<- prometheus.Metric) {
	m.submitted.Collect(c)
	m.completions.Collect(c)
	m.dropped.Collect(c)
	m.logins.Collect(c)
	m.reconnects.Collect(c)
	m.blockedUnits.Collect(c)
}

func (m *Metrics) submit(kind string)       { m.submitted.WithLabelValues(kind).Inc() }
func (m *Metrics) completion(path string)   { m.completions.WithLabelValues(path).Inc() }
func (m *Metrics) statusDropped(why string) { m.dropped.WithLabelValues(why).Inc() }
func (m *Metrics) login(result string)      { m.logins.WithLabelValues(result).Inc() }
func (m *Metrics) reconnect(result string)  { m.reconnects.WithLabelValues(result).Inc() }
func (m *Metrics) setBlocked(delta float64) { m.blockedUnits.Add(delta) }
