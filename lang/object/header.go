// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package object implements the heap object kinds: String, Table, Proto,
// Closure and Userdata (spec §3.2). Every kind embeds Header, which carries
// the tri-color mark state and the intrusive all_objects/gray_next links
// the garbage collector (package gc) walks directly.
package object

import "github.com/vela-lang/vela/lang/value"

// Color is the tri-color mark state of a heap object.
type Color uint8

const (
	White Color = iota
	Gray
	Black
	Free
)

// Header is embedded by every heap object kind. New objects are born Black
// (by gc.Heap.link, reached from every gc.Heap.Alloc* method) so they trivially survive the cycle in progress.
type Header struct {
	Color Color
	// Next links every live object into the heap's all_objects list.
	Next *Header
	// GrayNext links objects pushed onto the mark phase's gray stack.
	GrayNext *Header
	// owner lets the GC get back from a bare *Header to the Traceable it
	// belongs to without a type switch at every list node.
	owner Traceable
}

// Traceable is implemented by every heap object kind so the GC can walk the
// object graph without a kind-specific switch in the hot mark loop.
type Traceable interface {
	value.GCObject
	// GCHeader returns the object's embedded Header.
	GCHeader() *Header
	// Trace calls fn once for every heap object this object directly
	// references (including through a Proto's constant pool or a Table's
	// metatable). Implementations must not recurse; the mark loop handles
	// depth via the gray stack.
	Trace(fn func(Traceable))
	// ByteSize estimates the object's heap footprint for gc_total_bytes
	// accounting (spec §4.2.3).
	ByteSize() int
}

func (h *Header) GCHeader() *Header { return h }

// Owner returns the Traceable that embeds this Header, letting the GC get
// from a bare list node back to the concrete object.
func (h *Header) Owner() Traceable { return h.owner }

// SetOwner is called by each kind's constructor right after allocation.
func (h *Header) SetOwner(t Traceable) { h.owner = t }
