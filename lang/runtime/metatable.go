// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package runtime

import (
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// MetatableGet pushes the metatable of the value at idx, or nil if it has
// none (spec §6 metatable_get). Table/Userdata consult their own pointer;
// every other kind consults the kind-keyed default-metatable registry.
func (s *State) MetatableGet(idx int) {
	mt := s.vm.Metatable(s.at(idx))
	if mt == nil {
		s.PushNil()
		return
	}
	s.pushValue(value.NewObject(mt))
}

// MetatableSet pops a metatable (or nil to clear) off the top and attaches
// it to the value at idx (spec §6 metatable_set).
func (s *State) MetatableSet(idx int) error {
	top := s.pop()
	var mt *object.Table
	if !top.IsNil() {
		if !top.IsTable() {
			return argError(2, "table or nil", top)
		}
		mt = top.AsObject().(*object.Table)
	}

	v := s.at(idx)
	switch {
	case v.IsTable():
		t := v.AsObject().(*object.Table)
		t.SetMetatable(mt)
		if mt != nil {
			s.heap.WriteBarrier(t, mt)
		}
	case v.IsUserdata():
		u := v.AsObject().(*object.Userdata)
		u.SetMetatable(mt)
		if mt != nil {
			s.heap.WriteBarrier(u, mt)
		}
	default:
		reg := s.vm.MetatableRegistry()
		if mt == nil {
			reg.Remove(v.Kind())
		} else {
			reg.Add(v.Kind(), mt)
		}
	}
	return nil
}

// MetatableNew fetches the named metatable from the host type registry,
// creating it on first use, and pushes it (spec §6 metatable_new).
func (s *State) MetatableNew(name string) *object.Table {
	if cached, ok := s.roots.MetatableRegistry.Get(name); ok {
		t := cached.(*object.Table)
		s.pushValue(value.NewObject(t))
		return t
	}
	t := s.heap.AllocTable(0, 4)
	t.SetDebugName(name)
	s.roots.MetatableRegistry.Add(name, t)
	s.pushValue(value.NewObject(t))
	return t
}

// MetatableFind pushes the named metatable if one has been registered, or
// nil otherwise (spec §6 metatable_find).
func (s *State) MetatableFind(name string) {
	if cached, ok := s.roots.MetatableRegistry.Get(name); ok {
		s.pushValue(value.NewObject(cached.(*object.Table)))
		return
	}
	s.PushNil()
}

// ToDisplayString renders idx for printing, consulting `__tostring` (spec
// §4.3.3, §6's print handler plumbing).
func (s *State) ToDisplayString(idx int) string {
	return s.vm.ToDisplayString(s.at(idx))
}
