// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package object

import "github.com/vela-lang/vela/lang/value"

// UpvalueDesc describes one upvalue a Proto's closures must capture at
// Closure-creation time (spec §4.4.6).
type UpvalueDesc struct {
	Name          string
	InParentLocal bool // true: capture a parent local register; false: re-capture a parent upvalue
	Index         int  // register (if InParentLocal) or parent upvalue index
	IsConst       bool
}

// LineInfo maps an instruction index to its source position.
type LineInfo struct {
	Line, Column int32
}

// Proto is the immutable function prototype produced by the compiler (spec
// §3.2). Once compiled it is never mutated; Closures share one Proto.
type Proto struct {
	Header

	Code []uint32

	ConstStrings []*String
	ConstInts    []int64
	ConstFloats  []float64

	Children []*Proto

	Upvalues []UpvalueDesc

	Lines []LineInfo

	Source       string
	Name         string // function name for tracebacks; empty for anonymous
	NumParams    int
	IsVararg     bool
	MaxStackSize int
	HasUpvalues  bool
}

func NewProto(source string) *Proto {
	p := &Proto{Source: source}
	p.owner = p
	return p
}

func (p *Proto) ObjKind() value.Kind         { return value.NullOpt } // never wrapped in a Value directly
func (p *Proto) Hash() uint64                { return 0 }
func (p *Proto) Equal(o value.GCObject) bool { op, ok := o.(*Proto); return ok && op == p }

func (p *Proto) Trace(fn func(Traceable)) {
	for _, s := range p.ConstStrings {
		fn(s)
	}
	for _, child := range p.Children {
		fn(child)
	}
}

func (p *Proto) ByteSize() int {
	return 64 + len(p.Code)*4 + len(p.ConstStrings)*8 + len(p.ConstInts)*8 +
		len(p.ConstFloats)*8 + len(p.Lines)*8
}

// LineAt returns the source position for instruction index pc, used to
// build error locations (spec §4.6, §7).
func (p *Proto) LineAt(pc int) (line, col int32) {
	if pc < 0 || pc >= len(p.Lines) {
		return 0, 0
	}
	return p.Lines[pc].Line, p.Lines[pc].Column
}

// AddStringConstant implements the deduplicating pool of spec §4.4.3.
func (p *Proto) AddStringConstant(s string) int {
	for i, existing := range p.ConstStrings {
		if existing.String() == s {
			return i
		}
	}
	p.ConstStrings = append(p.ConstStrings, NewString(s))
	return len(p.ConstStrings) - 1
}

func (p *Proto) AddIntConstant(v int64) int {
	for i, existing := range p.ConstInts {
		if existing == v {
			return i
		}
	}
	p.ConstInts = append(p.ConstInts, v)
	return len(p.ConstInts) - 1
}

func (p *Proto) AddFloatConstant(v float64) int {
	for i, existing := range p.ConstFloats {
		if existing == v {
			return i
		}
	}
	p.ConstFloats = append(p.ConstFloats, v)
	return len(p.ConstFloats) - 1
}
