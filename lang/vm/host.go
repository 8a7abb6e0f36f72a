// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package vm

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// This file is the seam package runtime (the host-embedding API, spec §6)
// calls through: it exposes the metatable-aware operations the dispatch
// loop already implements as unexported opcode handlers, without forcing
// the host layer to fabricate a CallFrame it has no business owning.

// Index performs a metatable-aware field read outside any running frame
// (spec §6 table_get): the table/field opcodes' index/newindex/length
// handlers never actually read their *CallFrame argument, so nil is a
// legitimate stand-in here.
func (vm *VM) Index(obj, key value.Value) (value.Value, error) {
	return vm.index(nil, obj, key, 0)
}

// NewIndex performs a metatable-aware field write (spec §6 table_set).
func (vm *VM) NewIndex(obj, key, val value.Value) error {
	return vm.newindex(nil, obj, key, val, 0)
}

// Length implements spec §6 table_len / the `__len` metamethod consult.
func (vm *VM) Length(v value.Value) (value.Value, error) {
	return vm.length(nil, v, 0)
}

// ToDisplayString renders v for the host's print handler / `tostring`,
// consulting `__tostring` when present (spec §4.3.3).
func (vm *VM) ToDisplayString(v value.Value) string {
	return vm.toVelaString(v).String()
}

// Metatable resolves v's effective metatable: its own for Table/Userdata,
// or the kind-keyed registry entry for primitive kinds (spec §4.3.3,
// §6 metatable_get).
func (vm *VM) Metatable(v value.Value) *object.Table {
	return vm.metatableFor(v)
}

// MetatableRegistry exposes the kind-keyed registry of default metatables
// for primitive (non-Table/Userdata) kinds, used by the host API's
// metatable_set when called on a stack slot holding a primitive value.
func (vm *VM) MetatableRegistry() *lru.Cache {
	return vm.heap.Roots.MetatableRegistry
}
