// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package object

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/vela-lang/vela/lang/value"
)

// tableEntry is a chained hash-part slot: the bucket map is keyed by the
// Value's own Hash(), and entries colliding on that hash share a bucket
// slice resolved by Value.Equal.
type tableEntry struct {
	key, val value.Value
}

// arrayGrowSlack is how close to the array end a positive-integer key must
// land before rawset grows the array instead of spilling to the hash part
// (spec §4.3.2: "near-miss (within 64 of end) grows the array").
const arrayGrowSlack = 64

// Table is the hybrid array+hash container backing script-visible tables.
// The hash part is built on dolthub/swiss, an open-addressed map well
// suited to a dynamic language's table type.
type Table struct {
	Header
	array     []value.Value
	hash      *swiss.Map[uint64, []tableEntry]
	metatable *Table
	debugName string
}

func NewTable(arrayHint, hashHint int) *Table {
	t := &Table{
		array: make([]value.Value, 0, arrayHint),
		hash:  swiss.NewMap[uint64, []tableEntry](uint32(hashHint)),
	}
	t.owner = t
	return t
}

func (t *Table) ObjKind() value.Kind { return value.Table }
func (t *Table) Hash() uint64        { return uint64(uintptr(unsafe.Pointer(t))) }
func (t *Table) Equal(o value.GCObject) bool {
	ot, ok := o.(*Table)
	return ok && ot == t
}

// Reset clears contents for reuse through the GC's typed pool: a pooled
// table must be indistinguishable from a freshly constructed one.
func (t *Table) Reset() {
	t.array = t.array[:0]
	t.hash.Clear()
	t.metatable = nil
	t.debugName = ""
}

func (t *Table) Metatable() *Table      { return t.metatable }
func (t *Table) SetMetatable(mt *Table) { t.metatable = mt }

// DebugName returns the optional inline debug name (spec §3.2: ≤63 bytes).
func (t *Table) DebugName() string { return t.debugName }
func (t *Table) SetDebugName(name string) {
	if len(name) > 63 {
		name = name[:63]
	}
	t.debugName = name
}

// integerKey reports whether key denotes a non-negative integer index,
// accepting integer-valued floats per the Value.Hash consistency rule.
func integerKey(key value.Value) (idx int64, ok bool) {
	switch {
	case key.IsInteger():
		i := key.AsInteger()
		return i, i >= 0
	case key.IsNumber():
		f := key.AsFloat()
		if i := int64(f); float64(i) == f {
			return i, i >= 0
		}
	}
	return 0, false
}

// RawGet implements spec §4.3.2 rawget.
func (t *Table) RawGet(key value.Value) value.Value {
	if i, ok := integerKey(key); ok && i < int64(len(t.array)) {
		return t.array[i]
	}
	bucket, ok := t.hash.Get(key.Hash())
	if !ok {
		return value.NewNil()
	}
	for _, e := range bucket {
		if e.key.Equal(key) {
			return e.val
		}
	}
	return value.NewNil()
}

// RawSet implements spec §4.3.2 rawset, including the append hot path, the
// near-miss array growth, and hash spill.
func (t *Table) RawSet(key, v value.Value) {
	if i, ok := integerKey(key); ok {
		n := int64(len(t.array))
		switch {
		case i == n:
			t.array = append(t.array, v)
			t.absorbFromHash()
			return
		case i < n:
			t.array[i] = v
			return
		case i-n <= arrayGrowSlack:
			for int64(len(t.array)) < i {
				t.array = append(t.array, value.NewNil())
			}
			t.array = append(t.array, v)
			t.absorbFromHash()
			return
		}
	}
	h := key.Hash()
	bucket, _ := t.hash.Get(h)
	for idx, e := range bucket {
		if e.key.Equal(key) {
			if v.IsNil() {
				bucket = append(bucket[:idx], bucket[idx+1:]...)
				if len(bucket) == 0 {
					t.hash.Delete(h)
				} else {
					t.hash.Put(h, bucket)
				}
				return
			}
			bucket[idx].val = v
			t.hash.Put(h, bucket)
			return
		}
	}
	if v.IsNil() {
		return
	}
	t.hash.Put(h, append(bucket, tableEntry{key, v}))
}

// absorbFromHash pulls any integer keys that now abut the array tail out of
// the hash part and into the array, after an append may have bridged them.
func (t *Table) absorbFromHash() {
	for {
		next := value.NewInteger(int64(len(t.array)))
		h := next.Hash()
		bucket, ok := t.hash.Get(h)
		if !ok {
			return
		}
		found := -1
		for i, e := range bucket {
			if e.key.Equal(next) {
				found = i
				break
			}
		}
		if found < 0 {
			return
		}
		t.array = append(t.array, bucket[found].val)
		bucket = append(bucket[:found], bucket[found+1:]...)
		if len(bucket) == 0 {
			t.hash.Delete(h)
		} else {
			t.hash.Put(h, bucket)
		}
	}
}

// Len implements the border semantics of spec §4.3.2: "any n such that
// array[n-1] is non-nil and array[n] is nil (or n == array.len)".
func (t *Table) Len() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	return int64(n)
}

// Index implements §4.3.3 __index chaining through nested table
// metatables (original_source's vm_table.hpp confirms chaining does not
// stop after one hop). If the miss ultimately resolves to a callable
// metamethod, callable is returned for the caller (package vm) to invoke,
// since Table itself cannot perform a VM call.
// maxIndexHops bounds __index chain walks so a cyclic metatable chain
// terminates as a miss instead of spinning.
const maxIndexHops = 100

func (t *Table) Index(key value.Value) (v value.Value, found bool, callable value.Value, hasCallable bool) {
	cur := t
	for hop := 0; hop < maxIndexHops; hop++ {
		if r := cur.RawGet(key); !r.IsNil() {
			return r, true, value.Value{}, false
		}
		mt := cur.metatable
		if mt == nil {
			return value.NewNil(), false, value.Value{}, false
		}
		idx := mt.RawGet(value.NewObject(MMIndex))
		switch {
		case idx.IsNil():
			return value.NewNil(), false, value.Value{}, false
		case idx.IsTable():
			cur = idx.AsObject().(*Table)
			continue
		case idx.IsCallable():
			return value.NewNil(), false, idx, true
		default:
			return value.NewNil(), false, value.Value{}, false
		}
	}
	return value.NewNil(), false, value.Value{}, false
}

func (t *Table) hasKey(key value.Value) bool {
	if i, ok := integerKey(key); ok && i < int64(len(t.array)) {
		return !t.array[i].IsNil()
	}
	bucket, ok := t.hash.Get(key.Hash())
	if !ok {
		return false
	}
	for _, e := range bucket {
		if e.key.Equal(key) {
			return true
		}
	}
	return false
}

// NewIndexTarget implements the §4.3.3 __newindex decision: it only applies
// when key is currently absent. It reports whether the raw set should still
// happen (no metamethod intervened) or, if a Table __newindex is found, the
// table to recurse SetField on.
func (t *Table) NewIndexTarget(key value.Value) (recurseOn *Table, callable value.Value, hasCallable bool, rawOK bool) {
	if t.hasKey(key) {
		return nil, value.Value{}, false, true
	}
	mt := t.metatable
	if mt == nil {
		return nil, value.Value{}, false, true
	}
	ni := mt.RawGet(value.NewObject(MMNewIndex))
	switch {
	case ni.IsNil():
		return nil, value.Value{}, false, true
	case ni.IsTable():
		return ni.AsObject().(*Table), value.Value{}, false, false
	case ni.IsCallable():
		return nil, ni, true, false
	default:
		return nil, value.Value{}, false, true
	}
}

// Next implements a stable-enough iterator for non-mutating iteration:
// array phase (skipping nils) then hash phase (spec §4.3.2).
func (t *Table) Next(key value.Value) (nk, nv value.Value, ok bool) {
	if key.IsNil() {
		for i, v := range t.array {
			if !v.IsNil() {
				return value.NewInteger(int64(i)), v, true
			}
		}
		return t.firstHashEntry()
	}
	if i, isInt := integerKey(key); isInt && i < int64(len(t.array)) {
		for j := i + 1; j < int64(len(t.array)); j++ {
			if !t.array[j].IsNil() {
				return value.NewInteger(j), t.array[j], true
			}
		}
		return t.firstHashEntry()
	}
	return t.hashEntryAfter(key)
}

func (t *Table) firstHashEntry() (value.Value, value.Value, bool) {
	var rk, rv value.Value
	found := false
	t.hash.Iter(func(_ uint64, bucket []tableEntry) bool {
		if len(bucket) > 0 {
			rk, rv = bucket[0].key, bucket[0].val
			found = true
			return true
		}
		return false
	})
	return rk, rv, found
}

func (t *Table) hashEntryAfter(key value.Value) (value.Value, value.Value, bool) {
	var rk, rv value.Value
	found, seen := false, false
	t.hash.Iter(func(_ uint64, bucket []tableEntry) bool {
		for _, e := range bucket {
			if seen {
				rk, rv, found = e.key, e.val, true
				return true
			}
			if e.key.Equal(key) {
				seen = true
			}
		}
		return false
	})
	return rk, rv, found
}

func (t *Table) Trace(fn func(Traceable)) {
	traceVal := func(v value.Value) {
		if v.IsGCObject() {
			fn(v.AsObject().(Traceable))
		}
	}
	for _, v := range t.array {
		traceVal(v)
	}
	t.hash.Iter(func(_ uint64, bucket []tableEntry) bool {
		for _, e := range bucket {
			traceVal(e.key)
			traceVal(e.val)
		}
		return false
	})
	if t.metatable != nil {
		fn(t.metatable)
	}
}

func (t *Table) ByteSize() int {
	return 48 + len(t.array)*24 + t.hash.Count()*48
}
