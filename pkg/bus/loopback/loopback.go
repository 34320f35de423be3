// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loopback implements an in-memory bus. Requests are delivered
// asynchronously to address handlers of the destination node, bus resets
// bump the generation and notify every node.
package loopback

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-source-firmware/go-sbp2/pkg/bus"
)

const (
	LocalBus = 0xffc0

	DefaultMaxReceive = 10
)

type Bus struct {
	mu         sync.Mutex
	generation int
	nodes      []*Node
	latency    time.Duration

	nextTag atomic.Uint64
	pending sync.WaitGroup
}

func New() *Bus {
	return &Bus{generation: 1}
}

func (b *Bus) Generation() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// SetLatency delays the delivery of every request.
func (b *Bus) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	b.mu.Unlock()
}

// AddNode attaches a new node. Node IDs are assigned in order of
// attachment.
func (b *Bus) AddNode(guid uint64) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &Node{
		bus:        b,
		id:         LocalBus | len(b.nodes),
		guid:       guid,
		maxReceive: DefaultMaxReceive,
		speed:      bus.S400,
	}
	b.nodes = append(b.nodes, n)
	return n
}

// Reset starts a new bus generation. Node IDs are reassigned in reverse
// order of attachment when shuffle is set.
func (b *Bus) Reset(shuffle bool) int {
	b.mu.Lock()
	b.generation++
	gen := b.generation
	if shuffle {
		for i, n := range b.nodes {
			n.id = LocalBus | (len(b.nodes) - 1 - i)
		}
	}
	nodes := append([]*Node(nil), b.nodes...)
	b.mu.Unlock()

	for _, n := range nodes {
		n.mu.Lock()
		hooks := append([]func(int){}, n.resetHooks...)
		n.mu.Unlock()
		for _, h := range hooks {
			h(gen)
		}
	}
	return gen
}

// Wait blocks until all requests in flight have been delivered.
func (b *Bus) Wait() {
	b.pending.Wait()
}

func (b *Bus) node(id int) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (b *Bus) deliver(t *bus.Transaction, src *Node, tcode bus.TCode, dst, generation int,
	offset uint64, payload []byte, length int, cb bus.ResponseFunc) {
	defer b.pending.Done()

	b.mu.Lock()
	latency := b.latency
	b.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	respond := func(rcode bus.RCode, data []byte) {
		if t.Complete() {
			cb(rcode, data)
		}
	}

	if !t.Pending() {
		return
	}
	if generation != b.Generation() {
		respond(bus.RCodeGeneration, nil)
		return
	}
	n := b.node(dst)
	if n == nil || n.shutdown.Load() {
		respond(bus.RCodeNoAck, nil)
		return
	}
	if f := src.filter.Load(); f != nil {
		if rcode, drop := (*f)(tcode, dst, offset, payload); drop {
			respond(rcode, nil)
			return
		}
	}
	h := n.handler(offset)
	if h == nil {
		respond(bus.RCodeAddressError, nil)
		return
	}
	rcode, data := h.Callback(&bus.Request{
		TCode:       tcode,
		Source:      src.NodeID(),
		Destination: dst,
		Generation:  generation,
		Offset:      offset,
		Payload:     payload,
		Length:      length,
	})
	if tcode.IsRead() && rcode == bus.RCodeComplete && len(data) > length {
		data = data[:length]
	}
	respond(rcode, data)
}

// Filter decides whether an outbound request is answered with rcode
// instead of being delivered.
type Filter func(tcode bus.TCode, dst int, offset uint64, payload []byte) (rcode bus.RCode, drop bool)

// Node is a node on a loopback bus. It implements bus.Card.
type Node struct {
	bus        *Bus
	id         int
	guid       uint64
	maxReceive int
	speed      bus.Speed
	shutdown   atomic.Bool
	filter     atomic.Pointer[Filter]

	mu         sync.Mutex
	handlers   []*bus.AddressHandler
	resetHooks []func(generation int)
}

func (n *Node) Generation() int {
	return n.bus.Generation()
}

func (n *Node) NodeID() int {
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	return n.id
}

func (n *Node) MaxReceive() int {
	return n.maxReceive
}

func (n *Node) GUID() uint64 {
	return n.guid
}

// SetFilter installs a filter for requests sent by this node.
func (n *Node) SetFilter(f Filter) {
	if f == nil {
		n.filter.Store(nil)
		return
	}
	n.filter.Store(&f)
}

// Shutdown makes the node stop answering requests.
func (n *Node) Shutdown() {
	n.shutdown.Store(true)
}

// OnBusReset registers a function called after every bus reset.
func (n *Node) OnBusReset(fn func(generation int)) {
	n.mu.Lock()
	n.resetHooks = append(n.resetHooks, fn)
	n.mu.Unlock()
}

func (n *Node) SendRequest(t *bus.Transaction, tcode bus.TCode, node, generation int, speed bus.Speed,
	offset uint64, payload []byte, length int, cb bus.ResponseFunc) {
	t.Begin(n.bus.nextTag.Add(1))
	p := append([]byte(nil), payload...)
	n.bus.pending.Add(1)
	go n.bus.deliver(t, n, tcode, node, generation, offset, p, length, cb)
}

func (n *Node) CancelTransaction(t *bus.Transaction) bool {
	return t.Cancel()
}

func (n *Node) AddAddressHandler(h *bus.AddressHandler, region bus.Region) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sort.Slice(n.handlers, func(i, j int) bool { return n.handlers[i].Offset < n.handlers[j].Offset })
	cur := region.Start
	for _, o := range n.handlers {
		if o.Offset+o.Length <= region.Start || o.Offset >= region.End {
			continue
		}
		if cur+h.Length <= o.Offset {
			break
		}
		if end := o.Offset + o.Length; end > cur {
			cur = end
		}
	}
	if cur+h.Length > region.End {
		return bus.ErrNoAddressSpace
	}
	h.Offset = cur
	n.handlers = append(n.handlers, h)
	return nil
}

// AddFixedHandler registers a handler at its preset offset, as used for
// CSR registers of a simulated device.
func (n *Node) AddFixedHandler(h *bus.AddressHandler) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

func (n *Node) RemoveAddressHandler(h *bus.AddressHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, o := range n.handlers {
		if o == h {
			n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
			return
		}
	}
}

func (n *Node) handler(offset uint64) *bus.AddressHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range n.handlers {
		if h.Contains(offset) {
			return h
		}
	}
	return nil
}

// Remote is the view of node target from node local. It implements
// bus.Device.
type Remote struct {
	local  *Node
	target *Node
}

func (n *Node) Remote(target *Node) *Remote {
	return &Remote{local: n, target: target}
}

func (r *Remote) Card() bus.Card {
	return r.local
}

func (r *Remote) NodeGeneration() (int, int) {
	b := r.local.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.target.id, b.generation
}

func (r *Remote) MaxSpeed() bus.Speed {
	return r.target.speed
}

func (r *Remote) IsShutdown() bool {
	return r.target.shutdown.Load()
}

func (r *Remote) GUID() uint64 {
	return r.target.guid
}
