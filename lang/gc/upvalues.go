// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import "github.com/vela-lang/vela/lang/value"

// upvalue is a single slot in the process-wide pool (spec §3.4): open
// slots alias a value-stack index, closed slots hold a materialized copy.
type upvalue struct {
	open     bool
	stackIdx int
	closed   value.Value
	refs     int
}

// UpvaluePool is the process-wide (per-runtime-instance) indirection layer
// closures capture through, by index rather than pointer, so the pool can
// grow and compact via closedFreelist (spec §3.4, §4.5.6, §9).
type UpvaluePool struct {
	slots          []*upvalue
	openByStackAsc []int // pool indices of open upvalues, kept sorted by stackIdx
	closedFreelist []int
}

func NewUpvaluePool() *UpvaluePool {
	return &UpvaluePool{}
}

// FindOrCreate implements spec §4.5.6: dedupe two closures capturing the
// same local to the same pool index, preferring freelist slots for new
// entries.
func (p *UpvaluePool) FindOrCreate(stackIdx int) int {
	for _, idx := range p.openByStackAsc {
		if p.slots[idx].stackIdx == stackIdx {
			return idx
		}
	}
	var idx int
	if n := len(p.closedFreelist); n > 0 {
		idx = p.closedFreelist[n-1]
		p.closedFreelist = p.closedFreelist[:n-1]
		p.slots[idx] = &upvalue{open: true, stackIdx: stackIdx}
	} else {
		idx = len(p.slots)
		p.slots = append(p.slots, &upvalue{open: true, stackIdx: stackIdx})
	}
	inserted := false
	for i, oi := range p.openByStackAsc {
		if p.slots[oi].stackIdx > stackIdx {
			p.openByStackAsc = append(p.openByStackAsc, 0)
			copy(p.openByStackAsc[i+1:], p.openByStackAsc[i:])
			p.openByStackAsc[i] = idx
			inserted = true
			break
		}
	}
	if !inserted {
		p.openByStackAsc = append(p.openByStackAsc, idx)
	}
	return idx
}

func (p *UpvaluePool) AddRef(idx int)                        { p.slots[idx].refs++ }
func (p *UpvaluePool) IsOpen(idx int) bool                   { return p.slots[idx].open }
func (p *UpvaluePool) StackIndex(idx int) int                { return p.slots[idx].stackIdx }
func (p *UpvaluePool) ClosedValue(idx int) value.Value       { return p.slots[idx].closed }
func (p *UpvaluePool) SetClosedValue(idx int, v value.Value) { p.slots[idx].closed = v }

// Release drops one reference; once a closed upvalue's refcount reaches
// zero its slot index is recycled via closedFreelist.
func (p *UpvaluePool) Release(idx int) {
	uv := p.slots[idx]
	uv.refs--
	if uv.refs <= 0 && !uv.open {
		p.closedFreelist = append(p.closedFreelist, idx)
	}
}

// CloseFrom implements the closing side of spec §4.5.6/§3.4: every open
// upvalue whose target stack index is >= base is materialized and removed
// from the open list. stackGet reads the live stack slot's current Value.
func (p *UpvaluePool) CloseFrom(base int, stackGet func(int) value.Value) {
	kept := p.openByStackAsc[:0:0]
	for _, idx := range p.openByStackAsc {
		uv := p.slots[idx]
		if uv.stackIdx >= base {
			uv.closed = stackGet(uv.stackIdx)
			uv.open = false
		} else {
			kept = append(kept, idx)
		}
	}
	p.openByStackAsc = kept
}

// WalkClosed visits every closed upvalue's materialized Value; these are
// roots in their own right (spec §4.2.4) since the pool is process-wide and
// not otherwise reachable from the object graph a Closure's Trace walks.
func (p *UpvaluePool) WalkClosed(mark func(value.Value)) {
	for _, uv := range p.slots {
		if uv != nil && !uv.open {
			mark(uv.closed)
		}
	}
}

// HasOpenAtOrAbove reports whether any upvalue remains open at or above
// base; used by the §8 universal invariant check in tests.
func (p *UpvaluePool) HasOpenAtOrAbove(base int) bool {
	for _, idx := range p.openByStackAsc {
		if p.slots[idx].open && p.slots[idx].stackIdx >= base {
			return true
		}
	}
	return false
}
