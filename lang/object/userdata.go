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

	"github.com/vela-lang/vela/lang/value"
)

// Userdata is an opaque host-owned byte buffer tagged with a 32-bit type
// UID (spec §3.2, §6). The UID is produced by the host's make_uid hash of a
// type name string; the host is responsible for uniqueness within process.
type Userdata struct {
	Header
	Bytes     []byte
	UID       uint32
	metatable *Table
	finalized bool
}

func NewUserdata(size int, uid uint32) *Userdata {
	u := &Userdata{Bytes: make([]byte, size), UID: uid}
	u.owner = u
	return u
}

func (u *Userdata) ObjKind() value.Kind { return value.Userdata }
func (u *Userdata) Hash() uint64        { return uint64(uintptr(unsafe.Pointer(u))) }
func (u *Userdata) Equal(o value.GCObject) bool {
	ou, ok := o.(*Userdata)
	return ok && ou == u
}

func (u *Userdata) Metatable() *Table      { return u.metatable }
func (u *Userdata) SetMetatable(mt *Table) { u.metatable = mt }

// HasFinalizer reports whether the userdata's metatable defines __gc and
// the finalizer has not already run (spec §4.2.2 step 3: the mark→sweep
// boundary resurrects such objects exactly once; after finalization the
// next cycle collects them without re-queueing).
func (u *Userdata) HasFinalizer() bool {
	if u.finalized || u.metatable == nil {
		return false
	}
	return !u.metatable.RawGet(value.NewObject(MMGc)).IsNil()
}

// MarkFinalized records that __gc ran, so the object is never resurrected
// again.
func (u *Userdata) MarkFinalized() { u.finalized = true }

func (u *Userdata) Trace(fn func(Traceable)) {
	if u.metatable != nil {
		fn(u.metatable)
	}
}

func (u *Userdata) ByteSize() int { return 24 + len(u.Bytes) }
