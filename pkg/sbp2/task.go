// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"sync"
	"time"
)

// task runs one function at a time after a delay. Queueing again replaces
// the pending timer; a run that is in progress finishes first.
type task struct {
	runMu sync.Mutex

	mu      sync.Mutex
	fn      func()
	timer   *time.Timer
	seq     uint64
	stopped bool
}

func newTask(fn func()) *task {
	return &task{fn: fn}
}

// setFunc changes the function run by the next expiry.
func (w *task) setFunc(fn func()) {
	w.mu.Lock()
	w.fn = fn
	w.mu.Unlock()
}

func (w *task) queue(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(delay, func() { w.run(seq) })
}

func (w *task) run(seq uint64) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.mu.Lock()
	if w.stopped || seq != w.seq {
		w.mu.Unlock()
		return
	}
	fn := w.fn
	w.mu.Unlock()

	fn()
}

// cancelSync stops the task for good and waits for a running function to
// return. It must not be called from the task itself.
func (w *task) cancelSync() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.runMu.Lock()
	w.runMu.Unlock() //nolint:staticcheck
}
