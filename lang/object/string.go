// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package object

import (
	"encoding/binary"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/vela-lang/vela/lang/value"
)

// maxInline is the largest length storable in the inline payload (spec
// §3.2: "inline (≤31 bytes stored directly in the 32-byte payload").
const maxInline = 31

// String is an immutable byte sequence with two storage modes. Strings are
// not globally interned; the gc package pools freed Strings by best-fit
// capacity instead (spec §4.2.5).
type String struct {
	Header
	inline   [maxInline]byte
	inlineN  byte
	isInline bool
	heap     []byte
	hash     uint64
	hashed   bool
}

func NewString(s string) *String {
	o := &String{}
	o.owner = o
	b := []byte(s)
	if len(b) <= maxInline {
		o.isInline = true
		o.inlineN = byte(len(b))
		copy(o.inline[:], b)
	} else {
		o.heap = b
	}
	return o
}

// NewStringBytes avoids a copy when the caller already owns a byte slice
// long enough to require heap storage (e.g. a pooled buffer reused by
// gc.Heap.AllocString).
func NewStringBytes(b []byte) *String {
	if len(b) <= maxInline {
		return NewString(string(b))
	}
	o := &String{heap: b}
	o.owner = o
	return o
}

func (s *String) ObjKind() value.Kind { return value.String }

func (s *String) IsSSO() bool { return s.isInline }

func (s *String) Len() int {
	if s.isInline {
		return int(s.inlineN)
	}
	return len(s.heap)
}

func (s *String) Bytes() []byte {
	if s.isInline {
		return s.inline[:s.inlineN]
	}
	return s.heap
}

func (s *String) String() string { return string(s.Bytes()) }

// Hash is content-based and cached; the same hash function is used whether
// the string is stored inline or on the heap (spec §4.3.1).
func (s *String) Hash() uint64 {
	if !s.hashed {
		s.hash = xxhash.Sum64(s.Bytes())
		s.hashed = true
	}
	return s.hash
}

// Equal implements the word-parallel inline fast path described in spec
// §4.3.1: XOR same-length chunks and locate the first differing byte via
// trailing-zero count, falling back to a byte compare for the heap case and
// for any length tail shorter than a machine word.
func (s *String) Equal(other value.GCObject) bool {
	o, ok := other.(*String)
	if !ok {
		return false
	}
	if s == o {
		return true
	}
	a, b := s.Bytes(), o.Bytes()
	if len(a) != len(b) {
		return false
	}
	if s.isInline && o.isInline {
		return inlineEqual(a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func inlineEqual(a, b []byte) bool {
	n := len(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		xa := binary.LittleEndian.Uint64(a[i : i+8])
		xb := binary.LittleEndian.Uint64(b[i : i+8])
		if x := xa ^ xb; x != 0 {
			diff := bits.TrailingZeros64(x) / 8
			return a[i+diff] == b[i+diff]
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *String) Trace(func(Traceable)) {}

func (s *String) ByteSize() int {
	if s.isInline {
		return 32
	}
	return 16 + len(s.heap)
}
