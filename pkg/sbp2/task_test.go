// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sbp2

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskQueueReplacesTimer(t *testing.T) {
	var runs atomic.Int32
	done := make(chan struct{}, 4)
	w := newTask(func() {
		runs.Add(1)
		done <- struct{}{}
	})
	w.queue(time.Hour)
	w.queue(time.Millisecond)
	<-done
	time.Sleep(20 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Errorf("ran %d times; want 1", n)
	}
}

func TestTaskSetFunc(t *testing.T) {
	got := make(chan string, 1)
	w := newTask(func() { got <- "login" })
	w.setFunc(func() { got <- "reconnect" })
	w.queue(0)
	if s := <-got; s != "reconnect" {
		t.Errorf("ran %q; want reconnect", s)
	}
}

func TestTaskCancelSync(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	w := newTask(func() {
		close(started)
		<-release
		finished.Store(true)
	})
	w.queue(0)
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	w.cancelSync()
	if !finished.Load() {
		t.Errorf("cancelSync() returned while the task was running")
	}

	// Queueing after cancellation is a no-op
	w.queue(0)
	time.Sleep(10 * time.Millisecond)
}
