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

// KMultRet requests "keep everything produced" from a call, mirroring the
// compiler/VM's own sentinel for a variable result count (spec §4.5.2).
const KMultRet = -1

// SetGlobal pops the top value and stores it as globals[name] (spec §6).
func (s *State) SetGlobal(name string) {
	v := s.pop()
	s.roots.Globals.RawSet(value.NewObject(s.heap.AllocString(name)), v)
	s.barrier(s.roots.Globals, v)
}

// GetGlobal pushes globals[name] (spec §6).
func (s *State) GetGlobal(name string) {
	s.pushValue(s.roots.Globals.RawGet(value.NewObject(s.heap.AllocString(name))))
}

// RegisterFunction installs fn as globals[name] without touching the stack
// (spec §6 register_function).
func (s *State) RegisterFunction(name string, fn value.CFunction) {
	s.roots.Globals.RawSet(value.NewObject(s.heap.AllocString(name)), value.NewCFunction(fn))
}

// CreateModule builds a table from def, registers it in the module cache
// keyed by name (spec §4.2.4's module cache is itself a GC root, so a
// reloaded module keeps its exported state alive), optionally installs it
// as a global, and pushes it (spec §6 create_module).
func (s *State) CreateModule(name string, def map[string]value.CFunction, makeGlobal bool) *object.Table {
	// Bulk table construction is a GC critical section (spec §4.2.3).
	guard := s.heap.Pause()
	defer guard.Release()
	mod := s.heap.AllocTable(0, len(def))
	mod.SetDebugName(name)
	for k, fn := range def {
		mod.RawSet(value.NewObject(s.heap.AllocString(k)), value.NewCFunction(fn))
	}
	s.roots.ModuleCache.Add(name, value.NewObject(mod))
	if makeGlobal {
		key := value.NewObject(s.heap.AllocString(name))
		s.roots.Globals.RawSet(key, value.NewObject(mod))
		s.heap.WriteBarrier(s.roots.Globals, mod)
	}
	s.pushValue(value.NewObject(mod))
	return mod
}

// Call pops a function and its nargs arguments off the stack (function
// first, then arguments, matching the push order a caller builds them in)
// and runs it, leaving up to nresults results on the stack (KMultRet keeps
// everything produced). Errors propagate to the host unchanged, per spec §7
// ("errors unwind through host boundaries only"); use PCall for a
// protected region.
func (s *State) Call(nargs, nresults int) error {
	fnPos := len(s.stack) - nargs - 1
	if fnPos < 0 {
		return ErrRuntimeError
	}
	fn := s.stack[fnPos]
	args := append([]value.Value(nil), s.stack[fnPos+1:]...)
	s.stack = s.stack[:fnPos]

	results, err := s.vm.Call(fn, args)
	if err != nil {
		return err
	}
	if nresults != KMultRet {
		if len(results) > nresults {
			results = results[:nresults]
		}
		for len(results) < nresults {
			results = append(results, value.NewNil())
		}
	}
	s.stack = append(s.stack, results...)
	return nil
}

// PCall is the protected-call host API (spec §7 "pcall-style... returning
// (false, message) on failure"). On success it pushes true followed by the
// call's results; on failure it restores the stack to its pre-call size and
// pushes false followed by the error message, truncating the value stack
// back exactly as spec §4.6 requires of the host-entry boundary.
func (s *State) PCall(nargs, nresults int) bool {
	fnPos := len(s.stack) - nargs - 1
	if fnPos < 0 {
		s.pushValue(value.NewBool(false))
		s.PushString(ErrRuntimeError.Error())
		return false
	}
	if err := s.Call(nargs, nresults); err != nil {
		s.stack = s.stack[:fnPos]
		s.pushValue(value.NewBool(false))
		s.PushString(err.Error())
		return false
	}
	resultsStart := fnPos
	n := len(s.stack) - resultsStart
	s.stack = append(s.stack, value.NewNil())
	copy(s.stack[resultsStart+1:], s.stack[resultsStart:resultsStart+n])
	s.stack[resultsStart] = value.NewBool(true)
	return true
}
