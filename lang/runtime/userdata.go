// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package runtime

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// MakeUID hashes a type name into the 32-bit tag host code stamps on its
// Userdata values (spec §6: "a small compile-time hash of a type name
// string (make_uid("MyType"))"). Go has no constexpr hashing at compile
// time, so this runs once at package-init time per host type instead —
// observably identical, since the host only ever needs the value to be
// stable and collision-resistant within one process.
func MakeUID(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

// UserdataNew allocates size bytes of host-owned storage tagged with uid,
// pushes the resulting Value, and returns the raw backing slice for the
// host to populate directly (spec §6 userdata_new).
func (s *State) UserdataNew(size int, uid uint32) []byte {
	u := s.heap.AllocUserdata(size, uid)
	s.pushValue(value.NewObject(u))
	return u.Bytes
}

// ToUserdata returns the backing bytes of the value at idx if it is
// Userdata, without checking its type UID (spec §6 to_userdata).
func (s *State) ToUserdata(idx int) ([]byte, bool) {
	v := s.at(idx)
	if !v.IsUserdata() {
		return nil, false
	}
	return v.AsObject().(*object.Userdata).Bytes, true
}

// CheckUserdata returns the backing bytes of the value at idx, raising
// TypeError if it is not Userdata and RuntimeError if its UID does not match
// want (spec §6 check_userdata: "enforces type UID; raises on mismatch").
func (s *State) CheckUserdata(argN, idx int, want uint32) ([]byte, error) {
	v := s.at(idx)
	if !v.IsUserdata() {
		return nil, argError(argN, "userdata", v)
	}
	u := v.AsObject().(*object.Userdata)
	if u.UID != want {
		return nil, fmt.Errorf("%w: bad argument #%d (userdata type mismatch: expected uid %#x, got %#x)",
			ErrRuntimeError, argN, want, u.UID)
	}
	return u.Bytes, nil
}

// UserdataGetUID returns the type UID of the value at idx (spec §6
// userdata_get_uid).
func (s *State) UserdataGetUID(idx int) (uint32, bool) {
	v := s.at(idx)
	if !v.IsUserdata() {
		return 0, false
	}
	return v.AsObject().(*object.Userdata).UID, true
}
