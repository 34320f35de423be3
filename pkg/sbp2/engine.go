// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements ORB submission and completion matching

package sbp2

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

// Engine carries ORBs for all targets reachable through one card.
//
// The engine lock protects every logical unit's pending set, the outcome of
// every ORB and the block accounting of every target on the card.
type Engine struct {
	card    bus.Card
	mu      sync.Mutex
	window  *memoryWindow
	log     *logrus.Entry
	metrics *Metrics
}

type EngineOpt func(e *Engine)

func WithEngineLogger(l *logrus.Entry) EngineOpt {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMetrics(m *Metrics) EngineOpt {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates the transport engine for a card and makes its memory
// window visible on the bus.
func NewEngine(card bus.Card, opts ...EngineOpt) (*Engine, error) {
	e := &Engine{
		card: card,
		log:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	w, err := newMemoryWindow(card, DefaultWindowSize)
	if err != nil {
		return nil, err
	}
	e.window = w
	return e, nil
}

func (e *Engine) Card() bus.Card {
	return e.card
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) Close() {
	e.window.close()
}

// submit links the ORB into the unit's pending set and writes its address
// to the agent register at offset. The ORB must be linked before the
// pointer is sent so that a status write can always find it.
func (e *Engine) submit(o *orb, lu *LogicalUnit, node, generation int, offset uint64) {
	e.mu.Lock()
	if o.detached {
		e.mu.Unlock()
		e.log.Errorf("ORB %08x resubmitted after completion", o.requestBus)
		return
	}
	o.lu = lu
	o.elem = lu.orbs.PushBack(o)
	e.mu.Unlock()

	// One reference for the transaction, one for the pending set
	o.get()
	o.get()

	e.card.SendRequest(&o.t, bus.TCodeWriteBlockRequest, node, generation,
		lu.tgt.device.MaxSpeed(), offset, orbPointer(o.requestBus), 8,
		func(rcode bus.RCode, _ []byte) {
			e.completeTransaction(o, rcode)
		})
}

// detach must be called with e.mu held. Returns false if the ORB was no
// longer in a pending set.
func (e *Engine) detach(o *orb) bool {
	if o.lu == nil {
		return false
	}
	o.lu.orbs.Remove(o.elem)
	o.lu = nil
	o.elem = nil
	o.detached = true
	return true
}

func (e *Engine) completeTransaction(o *orb, rcode bus.RCode) {
	e.mu.Lock()
	if o.rcode == rcodeUndecided {
		o.rcode = rcode
	}
	if o.rcode != bus.RCodeComplete {
		// Only the path that detaches the ORB delivers its callback
		linked := e.detach(o)
		e.mu.Unlock()

		if linked {
			e.metrics.completion(pathTransaction)
			o.callback(o, nil)
			o.put()
		}
	} else {
		e.mu.Unlock()
	}

	o.put()
}

// statusWrite delivers a status block to the ORB it refers to.
func (e *Engine) statusWrite(lu *LogicalUnit, status *Status) {
	var match *orb

	e.mu.Lock()
	if status.ORBHigh() == 0 {
		for el := lu.orbs.Front(); el != nil; el = el.Next() {
			o := el.Value.(*orb)
			if uint64(status.ORBLow) == o.requestBus {
				o.rcode = bus.RCodeComplete
				e.detach(o)
				match = o
				break
			}
		}
	}
	e.mu.Unlock()

	if match == nil {
		e.metrics.statusDropped(dropUnknownORB)
		lu.log.Errorf("status write for unknown ORB %04x:%08x", status.ORBHigh(), status.ORBLow)
		return
	}
	e.metrics.completion(pathStatus)
	match.callback(match, status)
	match.put()
}

// cancelAll cancels every ORB pending on the unit. It returns false if
// nothing was pending.
//
// Whoever detaches an ORB from the pending set delivers its callback, so
// every spliced ORB is completed here as cancelled. Whether the transaction
// itself could still be cancelled only decides who drops its reference.
func (e *Engine) cancelAll(lu *LogicalUnit) bool {
	e.mu.Lock()
	pending := lu.orbs
	lu.orbs = list.New()
	for el := pending.Front(); el != nil; el = el.Next() {
		o := el.Value.(*orb)
		o.lu = nil
		o.elem = nil
		o.detached = true
		o.rcode = bus.RCodeCancelled
	}
	e.mu.Unlock()

	for el := pending.Front(); el != nil; el = el.Next() {
		o := el.Value.(*orb)
		cancelled := e.card.CancelTransaction(&o.t)

		e.metrics.completion(pathCancel)
		// Even if the cancel failed: a detached ORB whose write was acked
		// gets no callback from completeTransaction and may never see a
		// status block.
		o.callback(o, nil)
		if cancelled {
			// completeTransaction will never run for this ORB
			o.put()
		}
		o.put()
	}
	return pending.Len() > 0
}

// pending returns the number of ORBs linked to the unit.
func (e *Engine) pending(lu *LogicalUnit) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return lu.orbs.Len()
}
