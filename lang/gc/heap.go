// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package gc implements the incremental tri-color mark/sweep collector of
// spec §4.2: object lifecycle, phase state machine, typed pools, root set
// and finalizer queue.
package gc

import (
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// Phase is one state of the {Idle, Mark, Sweep, Finalize} machine (spec
// §4.2.2).
type Phase uint8

const (
	Idle Phase = iota
	Mark
	Sweep
	Finalize
)

// Tuning constants from spec §4.2.3.
const (
	bytesPerWorkUnit = 1024
	workUnitsPerStep = 100
	thresholdGrowth  = 1.2
)

// Heap owns the all_objects intrusive list, the gray stack, the phase
// state machine and the typed pools. One Heap per runtime instance (spec
// §5: "multiple runtime instances are independent").
type Heap struct {
	allObjects *object.Header
	grayHead   *object.Header

	phase Phase
	// running guards against finalizer-triggered reentrancy (spec §5:
	// "gc_step guards itself with a gc_running flag").
	running bool
	paused  int // GCPauseGuard nesting depth (spec §4.2.3 gc_pause/gc_resume)

	totalBytes       int64
	debt             int64
	threshold        int64
	initialThreshold int64

	// sweepPrev is the classic "pointer to the pointer that references the
	// current node" trick for deleting from a singly-linked list without a
	// Prev field; it resumes an incremental sweep across Step calls.
	sweepPrev *(*object.Header)

	finalizeQueue []*object.Userdata

	Pools    *Pools
	Upvalues *UpvaluePool
	Roots    *Roots

	// InvokeFinalizer runs a Userdata's __gc metamethod via a normal VM
	// call (spec §4.2.2 step 5); the gc package cannot itself invoke the
	// VM, so this is supplied by package vm/runtime at construction.
	InvokeFinalizer func(u *object.Userdata)

	// StackWalk lets the VM contribute "the entire value stack" as a root
	// (spec §4.2.4) without this package importing package vm.
	StackWalk func(mark func(value.Value))
}

func NewHeap(roots *Roots, initialThreshold int64) *Heap {
	return &Heap{
		Pools:            NewPools(),
		Upvalues:         NewUpvaluePool(),
		Roots:            roots,
		threshold:        initialThreshold,
		initialThreshold: initialThreshold,
	}
}

// link adds a freshly allocated object to all_objects, born Black (spec
// §4.2.1).
func (h *Heap) link(t object.Traceable) {
	hdr := t.GCHeader()
	hdr.Color = object.Black
	hdr.GrayNext = nil
	hdr.Next = h.allObjects
	h.allObjects = hdr
}

// register accounts a new allocation's bytes and opportunistically steps
// the collector (spec §4.2.3: "gc_step is called opportunistically after
// each allocation in hot paths"). The step runs before the new object is
// linked: a step that starts a cycle whitens every linked object, and the
// caller has not yet stored the newborn anywhere a root scan could see it,
// so linking afterwards is what actually keeps it born-Black.
func (h *Heap) register(t object.Traceable) {
	if h.paused == 0 {
		h.MaybeStep()
	}
	h.link(t)
	size := int64(t.ByteSize())
	h.totalBytes += size
	h.debt += size
}

// AllocString constructs a new heap-tracked String, first trying the typed
// pool for a reusable backing buffer when the content does not fit inline
// (spec §4.2.5: "allocation of a new object of that type first tries the
// pool").
func (h *Heap) AllocString(s string) *object.String {
	if len(s) > 31 {
		if buf := h.Pools.TakeStringBuffer(len(s)); buf != nil {
			copy(buf, s)
			o := object.NewStringBytes(buf)
			h.register(o)
			return o
		}
	}
	o := object.NewString(s)
	h.register(o)
	return o
}

func (h *Heap) AllocTable(arrayHint, hashHint int) *object.Table {
	if t := h.Pools.TakeTable(); t != nil {
		// A pool hit re-enters the live set, so it is accounted like any
		// other allocation: sweep subtracted its bytes on the way out.
		h.register(t)
		return t
	}
	t := object.NewTable(arrayHint, hashHint)
	h.register(t)
	return t
}

func (h *Heap) AllocClosure(proto *object.Proto) *object.Closure {
	if c := h.Pools.TakeClosure(); c != nil {
		c.Proto = proto
		c.Upvalues = make([]int, len(proto.Upvalues))
		h.register(c)
		return c
	}
	c := object.NewClosure(proto)
	h.register(c)
	return c
}

func (h *Heap) AllocProto(source string) *object.Proto {
	p := object.NewProto(source)
	h.register(p)
	return p
}

func (h *Heap) AllocUserdata(size int, uid uint32) *object.Userdata {
	u := object.NewUserdata(size, uid)
	h.register(u)
	return u
}

// GCPauseGuard brackets critical sections (compilation, bulk table
// construction) during which partial objects must not be visible to a
// collection (spec §4.2.3, §5).
type GCPauseGuard struct{ h *Heap }

func (h *Heap) Pause() *GCPauseGuard {
	h.paused++
	return &GCPauseGuard{h: h}
}

func (g *GCPauseGuard) Release() { g.h.paused-- }

// WriteBarrier is the defensive forward barrier spec §9 invites
// implementers to add: if a Black object is about to hold a reference to a
// White one, the White object is grayed immediately so it cannot be missed
// for the rest of the current cycle. Call this from every Table/Closure/
// Userdata field mutation; stores into holderless root slots (closed
// upvalues, pins) go through WriteBarrierRoot instead.
func (h *Heap) WriteBarrier(holder object.Traceable, referenced object.Traceable) {
	if h.phase != Mark || referenced == nil {
		return
	}
	hh := holder.GCHeader()
	rh := referenced.GCHeader()
	if hh.Color == object.Black && rh.Color == object.White {
		h.pushGray(rh, referenced)
	}
}

// WriteBarrierRoot greys a White object stored into a non-heap root slot
// (a closed upvalue, a host pin) during Mark. A root slot has no holder
// object whose color could gate the barrier, so the store is greyed
// unconditionally; the finishMark root re-scan would also catch it, but
// the barrier keeps the window between store and termination small.
func (h *Heap) WriteBarrierRoot(referenced object.Traceable) {
	if h.phase != Mark || referenced == nil {
		return
	}
	h.pushGray(referenced.GCHeader(), referenced)
}

func (h *Heap) pushGray(hdr *object.Header, owner object.Traceable) {
	if hdr.Color != object.White {
		return
	}
	hdr.Color = object.Gray
	hdr.GrayNext = h.grayHead
	h.grayHead = hdr
	_ = owner
}

func (h *Heap) markRoot(t object.Traceable) {
	hdr := t.GCHeader()
	if hdr.Color == object.White {
		h.pushGray(hdr, t)
	}
}

// MaybeStep runs one incremental slice if debt has accumulated, exactly as
// spec §4.2.3 describes "called opportunistically after each allocation".
func (h *Heap) MaybeStep() {
	if h.debt < bytesPerWorkUnit {
		return
	}
	h.Step(workUnitsPerStep)
}

// Step runs up to budget work-units of whichever phase is active, advancing
// the phase machine when a phase completes (spec §4.2.2).
func (h *Heap) Step(budget int) {
	if h.running {
		return
	}
	h.running = true
	defer func() { h.running = false }()

	switch h.phase {
	case Idle:
		h.beginMark()
	case Mark:
		h.stepMark(budget)
	case Sweep:
		h.stepSweep(budget)
	case Finalize:
		h.stepFinalize(budget)
	}
	h.debt -= int64(budget) * bytesPerWorkUnit
}

// scanRoots greys every White object reachable from the root set of spec
// §4.2.4: search paths, module cache, metatable registry, globals, the
// value stack (via StackWalk), pinned values and closed upvalues. Open
// upvalues alias the stack and are covered by the stack walk; closed ones
// are independent roots since the pool is process-wide and not reachable
// from the ordinary object graph.
func (h *Heap) scanRoots() {
	if h.Roots != nil {
		stackWalk := h.StackWalk
		if stackWalk == nil {
			stackWalk = func(func(value.Value)) {}
		}
		h.Roots.Walk(h.markRoot, stackWalk)
	}
	h.Upvalues.WalkClosed(func(v value.Value) {
		if v.IsGCObject() {
			h.markRoot(v.AsObject().(object.Traceable))
		}
	})
}

// drainGray propagates the gray stack to empty, unbudgeted; used by the
// atomic mark-termination step where partial progress is not an option.
func (h *Heap) drainGray() {
	for h.grayHead != nil {
		hdr := h.grayHead
		h.grayHead = hdr.GrayNext
		hdr.GrayNext = nil
		hdr.Color = object.Black
		hdr.Owner().Trace(func(child object.Traceable) {
			ch := child.GCHeader()
			if ch.Color == object.White {
				h.pushGray(ch, child)
			}
		})
	}
}

// beginMark turns every Black into White and marks the root set Gray
// (spec §4.2.2 step 1).
func (h *Heap) beginMark() {
	for n := h.allObjects; n != nil; n = n.Next {
		if n.Color == object.Black {
			n.Color = object.White
		}
	}
	h.scanRoots()
	h.phase = Mark
}

// stepMark pops and blackens up to budget gray objects (spec §4.2.2 step
// 2); when the gray stack empties it performs the mark→sweep boundary
// finalizer scan (step 3) and advances to Sweep.
func (h *Heap) stepMark(budget int) {
	for i := 0; i < budget; i++ {
		if h.grayHead == nil {
			h.finishMark()
			return
		}
		hdr := h.grayHead
		h.grayHead = hdr.GrayNext
		hdr.GrayNext = nil
		hdr.Color = object.Black
		owner := hdr.Owner()
		owner.Trace(func(child object.Traceable) {
			ch := child.GCHeader()
			if ch.Color == object.White {
				h.pushGray(ch, child)
			}
		})
	}
}

// finishMark is the atomic mark-termination step: it re-scans the root set,
// runs the finalizer-queueing scan, and propagates the resulting grays to
// completion (not itself budgeted, matching the spec's framing of it as a
// boundary action rather than an incremental phase).
func (h *Heap) finishMark() {
	// The roots were scanned once at beginMark, but the mutator runs
	// between incremental steps and register/closed-upvalue writes carry no
	// barrier: it may since have lifted the only reference to a White
	// object into a stack slot or a closed upvalue and severed the heap
	// path. Re-walking the roots here, in one uninterruptible step before
	// sweep, is what makes the barrier-free scheme of spec §9 sound.
	h.scanRoots()
	h.drainGray()

	for n := h.allObjects; n != nil; n = n.Next {
		if n.Color != object.White {
			continue
		}
		owner := n.Owner()
		u, ok := owner.(*object.Userdata)
		if !ok || !u.HasFinalizer() {
			continue
		}
		h.pushGray(n, owner)
		if u.Metatable() != nil {
			mh := u.Metatable().GCHeader()
			if mh.Color == object.White {
				h.pushGray(mh, u.Metatable())
			}
		}
		h.finalizeQueue = append(h.finalizeQueue, u)
	}
	h.drainGray()
	h.sweepPrev = &h.allObjects
	h.phase = Sweep
}

// stepSweep destroys up to budget White objects, returning freeable ones
// to their typed pool (spec §4.2.2 step 4, §4.2.5).
func (h *Heap) stepSweep(budget int) {
	for i := 0; i < budget; i++ {
		n := *h.sweepPrev
		if n == nil {
			h.phase = Finalize
			return
		}
		if n.Color == object.White {
			*h.sweepPrev = n.Next
			n.Color = object.Free
			h.totalBytes -= int64(n.Owner().ByteSize())
			h.pool(n.Owner())
			continue
		}
		h.sweepPrev = &n.Next
	}
}

func (h *Heap) pool(owner object.Traceable) {
	switch o := owner.(type) {
	case *object.Table:
		o.Reset()
		h.Pools.ReturnTable(o)
	case *object.Closure:
		// The closure owned one pool reference per captured upvalue; its
		// death is what lets closed slots recycle through the freelist.
		for _, idx := range o.Upvalues {
			h.Upvalues.Release(idx)
		}
		o.Proto, o.Upvalues = nil, nil
		h.Pools.ReturnClosure(o)
	case *object.String:
		if !o.IsSSO() {
			h.Pools.ReturnStringBuffer(o.Bytes())
		}
	}
}

// stepFinalize pops Userdata from finalize_queue and invokes __gc, then
// marks them White so the next cycle actually collects them (spec §4.2.2
// step 5).
func (h *Heap) stepFinalize(budget int) {
	for i := 0; i < budget; i++ {
		if len(h.finalizeQueue) == 0 {
			h.finishCycle()
			return
		}
		u := h.finalizeQueue[0]
		h.finalizeQueue = h.finalizeQueue[1:]
		u.MarkFinalized()
		if h.InvokeFinalizer != nil {
			h.InvokeFinalizer(u)
		}
		u.GCHeader().Color = object.White
	}
}

func (h *Heap) finishCycle() {
	h.threshold = h.initialThreshold
	if scaled := int64(float64(h.totalBytes) * thresholdGrowth); scaled > h.threshold {
		h.threshold = scaled
	}
	idleDebt := h.debt <= 0
	h.debt = h.totalBytes - h.threshold
	h.Pools.AdaptLimits(idleDebt)
	h.phase = Idle
}

// Collect forces one full synchronous cycle (spec §4.2.3 gc_collect), used
// on host request (gc.collect()) or at shutdown.
func (h *Heap) Collect() {
	if h.phase == Idle {
		h.Step(1 << 30) // Idle -> Mark
	}
	for h.phase != Idle {
		h.Step(1 << 30)
	}
}

// Phase reports the current phase, for debug dumps and tests.
func (h *Heap) Phase() Phase { return h.phase }

// TotalBytes reports live bytes accounted, for debug dumps and tests
// (spec §8 scenario 5's gc.countall()).
func (h *Heap) TotalBytes() int64 { return h.totalBytes }

// CountAll walks all_objects and counts live (non-Free) objects.
func (h *Heap) CountAll() int {
	n := 0
	for node := h.allObjects; node != nil; node = node.Next {
		if node.Color != object.Free {
			n++
		}
	}
	return n
}

// Close runs a terminal GC pass that destroys all remaining objects without
// pooling (spec §6: close(state)).
func (h *Heap) Close() {
	for node := h.allObjects; node != nil; node = node.Next {
		node.Color = object.Free
	}
	h.allObjects = nil
	h.Pools = NewPools()
}
