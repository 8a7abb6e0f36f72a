// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gc

import (
	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// PinHandle identifies one host-pinned anchor value (spec §4.2.4). Pointer
// identity, not the wrapped Value, is the set key — Value itself is not a
// comparable type (it embeds a func field), so it cannot live in a Go set
// directly.
type PinHandle struct {
	v value.Value
}

// Roots bundles everything the GC's root walk visits, in the order spec
// §4.2.4 specifies: search paths, module cache, metatable registry,
// globals, (the value/call stack is walked separately by the VM), pinned
// values, closed upvalues (via the UpvaluePool).
type Roots struct {
	SearchPaths []*object.String

	// ModuleCache maps a module name String to its loaded Value; bounded
	// with LRU eviction so long-running hosts that load many one-shot
	// modules do not grow the root set without bound.
	ModuleCache *lru.Cache

	// MetatableRegistry maps a host type name to its named metatable Table,
	// likewise LRU-bounded (spec §6 metatable_new/metatable_find).
	MetatableRegistry *lru.Cache

	Globals *object.Table

	pinned mapset.Set
}

func NewRoots(globals *object.Table) *Roots {
	moduleCache, _ := lru.New(512)
	metaRegistry, _ := lru.New(256)
	return &Roots{
		ModuleCache:       moduleCache,
		MetatableRegistry: metaRegistry,
		Globals:           globals,
		pinned:            mapset.NewSet(),
	}
}

// Pin anchors v against collection until Unpin is called, per the host
// pinned-value API implied by spec §4.2.4.
func (r *Roots) Pin(v value.Value) *PinHandle {
	h := &PinHandle{v: v}
	r.pinned.Add(h)
	return h
}

func (r *Roots) Unpin(h *PinHandle) {
	r.pinned.Remove(h)
}

// Walk visits every root Value in spec order, invoking mark for any that is
// a heap object. stackWalk lets the caller (the VM, which owns the value
// stack) contribute the "entire value stack" root without this package
// depending on package vm.
func (r *Roots) Walk(mark func(object.Traceable), stackWalk func(func(value.Value))) {
	markVal := func(v value.Value) {
		if v.IsGCObject() {
			mark(v.AsObject().(object.Traceable))
		}
	}

	for _, s := range r.SearchPaths {
		mark(s)
	}
	for _, k := range r.ModuleCache.Keys() {
		if v, ok := r.ModuleCache.Peek(k); ok {
			markVal(v.(value.Value))
		}
	}
	for _, k := range r.MetatableRegistry.Keys() {
		if v, ok := r.MetatableRegistry.Peek(k); ok {
			mark(v.(*object.Table))
		}
	}
	if r.Globals != nil {
		mark(r.Globals)
	}
	stackWalk(markVal)
	r.pinned.Each(func(i interface{}) bool {
		markVal(i.(*PinHandle).v)
		return false
	})
}
