//go:build !linux

package main

import (
	"errors"
)

var errUnsupported = errors.New("firewire character devices are only available on Linux")

func (p *probeCmd) Run(ctx *runContext) error   { return errUnsupported }
func (d *dumpCmd) Run(ctx *runContext) error    { return errUnsupported }
func (q *inquiryCmd) Run(ctx *runContext) error { return errUnsupported }
func (p *passwdCmd) Run(ctx *runContext) error  { return errUnsupported }
func (s *statCmd) Run(ctx *runContext) error    { return errUnsupported }
