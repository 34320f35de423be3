// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"container/list"
	"sync/atomic"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

// rcodeUndecided marks an ORB whose outcome has not been set yet.
const rcodeUndecided bus.RCode = -1

type orb struct {
	t bus.Transaction

	refs atomic.Int32
	// Device-visible address of the request buffer
	requestBus uint64

	// Protected by Engine.mu
	rcode    bus.RCode
	lu       *LogicalUnit
	elem     *list.Element
	detached bool

	callback func(o *orb, status *Status)
	// Called when the last reference is dropped
	free func(o *orb)
}

func newORB(callback func(o *orb, status *Status)) *orb {
	o := &orb{
		rcode:    rcodeUndecided,
		callback: callback,
	}
	o.refs.Store(1)
	return o
}

func (o *orb) get() {
	o.refs.Add(1)
}

func (o *orb) put() {
	switch n := o.refs.Add(-1); {
	case n == 0:
		if o.free != nil {
			o.free(o)
		}
	case n < 0:
		panic("sbp2: ORB reference count underflow")
	}
}
