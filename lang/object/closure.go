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

// Closure is a Proto bound to captured upvalues (spec §3.2, §3.4). The
// upvalue slice holds indices into the process-wide upvalue pool (package
// gc), not pointers, so the pool can compact via a free-list.
type Closure struct {
	Header
	Proto    *Proto
	Upvalues []int
}

func NewClosure(proto *Proto) *Closure {
	c := &Closure{Proto: proto, Upvalues: make([]int, len(proto.Upvalues))}
	c.owner = c
	return c
}

func (c *Closure) ObjKind() value.Kind { return value.Closure }
func (c *Closure) Hash() uint64        { return uint64(uintptr(unsafe.Pointer(c))) }
func (c *Closure) Equal(o value.GCObject) bool {
	oc, ok := o.(*Closure)
	return ok && oc == c
}

func (c *Closure) Trace(fn func(Traceable)) {
	fn(c.Proto)
}

func (c *Closure) ByteSize() int {
	return 32 + len(c.Upvalues)*8
}
