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

// TableNew allocates a table with the given array/hash size hints and
// pushes it (spec §6 table_new).
func (s *State) TableNew(arrayHint, hashHint int) {
	s.pushValue(value.NewObject(s.heap.AllocTable(arrayHint, hashHint)))
}

// TableRawGet pops a key off the top and pushes table[idx][key] via a raw
// lookup, bypassing metamethods (spec §6 table_rawget).
func (s *State) TableRawGet(idx int) error {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return err
	}
	key := s.pop()
	s.pushValue(t.RawGet(key))
	return nil
}

// TableRawSet pops a value then a key and raw-sets table[idx][key] = value
// (spec §6 table_rawset).
func (s *State) TableRawSet(idx int) error {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return err
	}
	val := s.pop()
	key := s.pop()
	t.RawSet(key, val)
	s.barrier(t, key)
	s.barrier(t, val)
	return nil
}

// TableGet pops a key and pushes table[idx][key], consulting `__index`
// (spec §6 table_get). The table itself need not be at idx for this to
// succeed: __index chains may resolve through arbitrary host values.
func (s *State) TableGet(idx int) error {
	obj := s.at(idx)
	key := s.pop()
	v, err := s.vm.Index(obj, key)
	if err != nil {
		return err
	}
	s.pushValue(v)
	return nil
}

// TableSet pops a value then a key and sets table[idx][key] = value,
// consulting `__newindex` (spec §6 table_set).
func (s *State) TableSet(idx int) error {
	obj := s.at(idx)
	val := s.pop()
	key := s.pop()
	return s.vm.NewIndex(obj, key, val)
}

// TableRawGetField is the named-key shortcut over TableRawGet that avoids
// pushing the key first (spec §6 table_rawgetfield).
func (s *State) TableRawGetField(idx int, field string) error {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return err
	}
	s.pushValue(t.RawGet(value.NewObject(s.heap.AllocString(field))))
	return nil
}

// TableRawSetField pops a value and raw-sets table[idx][field] = value
// (spec §6 table_rawsetfield).
func (s *State) TableRawSetField(idx int, field string) error {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return err
	}
	val := s.pop()
	key := value.NewObject(s.heap.AllocString(field))
	t.RawSet(key, val)
	s.barrier(t, val)
	return nil
}

// TableLen pushes the `#` length of the value at idx, consulting `__len`
// (spec §6 table_len).
func (s *State) TableLen(idx int) error {
	v, err := s.vm.Length(s.at(idx))
	if err != nil {
		return err
	}
	s.pushValue(v)
	return nil
}

// TableRawNext pops a key and, if a next raw entry exists, pushes its key
// and value and returns true; otherwise pushes nothing and returns false
// (spec §6 table_rawnext, Lua's lua_next convention).
func (s *State) TableRawNext(idx int) (bool, error) {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return false, err
	}
	key := s.pop()
	nk, nv, ok := t.Next(key)
	if !ok {
		return false, nil
	}
	s.pushValue(nk)
	s.pushValue(nv)
	return true, nil
}

// TableNext is the `__pairs`-aware counterpart of TableRawNext (spec §6
// table_next). Without a `__pairs` override it degrades to the raw walk.
func (s *State) TableNext(idx int) (bool, error) {
	t, err := s.CheckTable(1, idx)
	if err != nil {
		return false, err
	}
	if mt := t.Metatable(); mt != nil {
		if pairsFn := mt.RawGet(value.NewObject(object.MMPairs)); pairsFn.IsCallable() {
			key := s.pop()
			results, err := s.callValue(pairsFn, []value.Value{value.NewObject(t), key})
			if err != nil {
				return false, err
			}
			if len(results) == 0 || results[0].IsNil() {
				return false, nil
			}
			s.pushValue(results[0])
			if len(results) > 1 {
				s.pushValue(results[1])
			} else {
				s.pushValue(value.NewNil())
			}
			return true, nil
		}
	}
	return s.TableRawNext(idx)
}

// callValue is the internal helper every metamethod-driving API in this
// package routes through so none of them need to touch the stack-based
// Call/PCall pair meant for script-initiated calls.
func (s *State) callValue(fn value.Value, args []value.Value) ([]value.Value, error) {
	return s.vm.Call(fn, args)
}
