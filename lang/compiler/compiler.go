// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package compiler lowers an AST (package ast) into the Proto bytecode the
// virtual machine (package vm) executes: one pass, per-function register
// allocation by a last-allocated-only stack discipline, and a classical
// true-list/false-list backpatch scheme for condition compilation (spec
// §4.4, grounded on the teacher's lang/codegen.Generator — same emit/patch
// shape, adapted from an SSA-value register map to a scope/local model since
// the source language here is a tree-walked AST rather than an IR).
package compiler

import (
	"github.com/vela-lang/vela/lang/ast"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/vm"
)

// local is one declared `let` binding or function parameter.
type local struct {
	name    string
	reg     uint8
	isConst bool
}

// upvalRef is a resolved upvalue capture, recorded once per distinct name a
// function body references from an enclosing scope.
type upvalRef struct {
	name string
	desc object.UpvalueDesc
}

// loopCtx accumulates the pending break/continue jumps of one loop; both
// lists are patched once the loop's continue-target and exit point are
// known, which for every loop kind here is only after the body and any
// update step have been compiled. scopeDepth records how many scopes were
// open when the loop started, so break/continue can flush the defers of
// every scope they jump out of.
type loopCtx struct {
	breakJumps    []int
	continueJumps []int
	scopeDepth    int
}

// scope is one lexical block: the locals and register watermarks to
// restore on exit, and any `defer` calls registered directly in this block.
type scope struct {
	localsBase   int
	entryFreereg uint8
	entryMin     uint8
	defers       []ast.Expression
}

// funcState is the compiler's state for one function body (the main chunk,
// or a nested FunctionLiteral). Nested functions link to parent so upvalue
// resolution can walk outward.
type funcState struct {
	parent *funcState
	proto  *object.Proto

	locals    []local
	scopes    []*scope
	upvalues  []upvalRef
	loopStack []*loopCtx

	freereg uint8
	// minFreereg is the locals watermark (spec §4.4.1): registers below it
	// are pinned (locals, loop control slots) and survive the per-statement
	// temporary reset; freeTo never drops freereg below it.
	minFreereg uint8
}

func newFuncState(parent *funcState, source string) *funcState {
	return &funcState{parent: parent, proto: object.NewProto(source)}
}

// compiler carries no state of its own; it exists so compilation helpers
// that need to recurse into nested function literals can be methods rather
// than free functions threading a funcState parameter chain by hand.
type compiler struct{}

// Compile lowers a parsed program into its top-level Proto (spec §3.2). The
// main chunk is itself a vararg function of zero parameters, matching how
// the host passes command-line-style arguments to a loaded script (spec
// §5.2 load_string/load_buffer).
func Compile(prog *ast.Program, source string) (*object.Proto, error) {
	c := &compiler{}
	fs := newFuncState(nil, source)
	fs.proto.Name = "main chunk"
	fs.proto.IsVararg = true
	fs.emit(vm.EncodeABC(vm.OpVarargPrep, 0, 0, 0, false), prog.Pos)

	fs.openScope()
	if err := c.compileStmts(fs, prog.Statements); err != nil {
		return nil, err
	}
	if err := fs.closeScope(c, prog.Pos); err != nil {
		return nil, err
	}
	fs.emit(vm.EncodeABC(vm.OpReturn, 0, 1, 0, false), prog.Pos)
	return fs.proto, nil
}

// ---------------------------------------------------------------------------
// Register allocation
// ---------------------------------------------------------------------------

const maxRegisters = 255

func (fs *funcState) allocReg(pos ast.Pos) (uint8, error) {
	if fs.freereg >= maxRegisters {
		return 0, errf(pos, "function body uses too many registers")
	}
	r := fs.freereg
	fs.freereg++
	if int(fs.freereg) > fs.proto.MaxStackSize {
		fs.proto.MaxStackSize = int(fs.freereg)
	}
	return r, nil
}

// reserveThrough bumps freereg up to target+1 if it hasn't already reached
// there, so a caller can emit into a register number decided ahead of time
// (e.g. the fixed slot of an already-declared local) without double
// bookkeeping the allocation.
func (fs *funcState) reserveThrough(target uint8, pos ast.Pos) error {
	for fs.freereg <= target {
		if _, err := fs.allocReg(pos); err != nil {
			return err
		}
	}
	return nil
}

// freeReg releases r only if it is the most recently allocated register,
// matching the stack-discipline allocator of the teacher's codegen (no
// general-purpose free list: temporaries are always released in the reverse
// order they were acquired).
func (fs *funcState) freeReg(r uint8) {
	if fs.freereg > 0 && r == fs.freereg-1 {
		fs.freereg--
	}
}

// freeTo resets freereg to n, discarding every temporary above it; it
// never drops below the locals watermark.
func (fs *funcState) freeTo(n uint8) {
	if n < fs.minFreereg {
		n = fs.minFreereg
	}
	fs.freereg = n
}

func (fs *funcState) declareLocal(name string, isConst bool, pos ast.Pos) (uint8, error) {
	r, err := fs.allocReg(pos)
	if err != nil {
		return 0, err
	}
	fs.locals = append(fs.locals, local{name: name, reg: r, isConst: isConst})
	fs.minFreereg = fs.freereg
	return r, nil
}

func (fs *funcState) resolveLocal(name string) (uint8, bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return fs.locals[i].reg, true
		}
	}
	return 0, false
}

func (fs *funcState) localIsConst(name string) bool {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return fs.locals[i].isConst
		}
	}
	return false
}

// resolveUpvalue resolves name against fs's ancestor chain, recording a new
// UpvalueDesc the first time a given function captures it (spec §4.4.6): a
// direct capture of a parent stack local, or a re-capture (alias) of a
// parent closure's own upvalue when the binding lives further out still.
func (c *compiler) resolveUpvalue(fs *funcState, name string) (int, bool, error) {
	if fs.parent == nil {
		return 0, false, nil
	}
	for i, uv := range fs.upvalues {
		if uv.name == name {
			return i, true, nil
		}
	}
	if len(fs.upvalues) >= maxRegisters {
		return 0, false, errf(ast.Pos{}, "function captures too many upvalues")
	}
	if reg, ok := fs.parent.resolveLocal(name); ok {
		fs.parent.proto.HasUpvalues = true
		desc := object.UpvalueDesc{Name: name, InParentLocal: true, Index: int(reg), IsConst: fs.parent.localIsConst(name)}
		fs.upvalues = append(fs.upvalues, upvalRef{name: name, desc: desc})
		return len(fs.upvalues) - 1, true, nil
	}
	idx, ok, err := c.resolveUpvalue(fs.parent, name)
	if err != nil || !ok {
		return 0, false, err
	}
	desc := object.UpvalueDesc{Name: name, InParentLocal: false, Index: idx}
	fs.upvalues = append(fs.upvalues, upvalRef{name: name, desc: desc})
	return len(fs.upvalues) - 1, true, nil
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func (fs *funcState) openScope() *scope {
	s := &scope{
		localsBase:   len(fs.locals),
		entryFreereg: fs.freereg,
		entryMin:     fs.minFreereg,
	}
	fs.scopes = append(fs.scopes, s)
	return s
}

// closeScope flushes any deferred calls registered in this block (LIFO),
// then drops its locals and rewinds both register watermarks to the
// block's entry state.
func (fs *funcState) closeScope(c *compiler, pos ast.Pos) error {
	s := fs.scopes[len(fs.scopes)-1]
	for i := len(s.defers) - 1; i >= 0; i-- {
		if err := c.compileExprStmt(fs, s.defers[i]); err != nil {
			return err
		}
	}
	fs.locals = fs.locals[:s.localsBase]
	fs.freereg = s.entryFreereg
	fs.minFreereg = s.entryMin
	fs.scopes = fs.scopes[:len(fs.scopes)-1]
	return nil
}

// flushDefersFrom emits the pending defers of every scope at or above
// scopeIdx, innermost first, without popping anything: used by the
// non-local exits (return, break, continue) whose jump leaves those scopes
// on a path closeScope never sees.
func (c *compiler) flushDefersFrom(fs *funcState, scopeIdx int) error {
	for i := len(fs.scopes) - 1; i >= scopeIdx; i-- {
		s := fs.scopes[i]
		for j := len(s.defers) - 1; j >= 0; j-- {
			if err := c.compileExprStmt(fs, s.defers[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Emission / patching
// ---------------------------------------------------------------------------

func (fs *funcState) emit(instr vm.Instr, pos ast.Pos) int {
	fs.proto.Code = append(fs.proto.Code, uint32(instr))
	fs.proto.Lines = append(fs.proto.Lines, object.LineInfo{Line: pos.Line, Column: pos.Col})
	return len(fs.proto.Code) - 1
}

func (fs *funcState) here() int { return len(fs.proto.Code) }

// emitJmp emits a placeholder unconditional Jmp (sAx form); its target is
// filled in later by patchJmp/patchJmpTo.
func (fs *funcState) emitJmp(pos ast.Pos) int {
	return fs.emit(vm.EncodeAsAx(vm.OpJmp, 0), pos)
}

func (fs *funcState) patchJmpTo(at, target int) {
	off := int32(target - at - 1)
	fs.proto.Code[at] = uint32(vm.EncodeAsAx(vm.OpJmp, off))
}

func (fs *funcState) patchJmp(at int) { fs.patchJmpTo(at, fs.here()) }

func (fs *funcState) patchAll(list []int, target int) {
	for _, at := range list {
		fs.patchJmpTo(at, target)
	}
}

// patchSBx re-encodes the sBx-form jump at `at` (ForPrep/ForLoop) to target,
// preserving the instruction's existing opcode and A operand.
func (fs *funcState) patchSBx(at, target int) {
	instr := vm.Instr(fs.proto.Code[at])
	off := int32(target - at - 1)
	fs.proto.Code[at] = uint32(vm.EncodeAsBx(instr.Op(), instr.A(), off))
}

// ---------------------------------------------------------------------------
// Constant loads
// ---------------------------------------------------------------------------

const (
	maxBx = 0x1FFFF
	maxCx = 0x1FF
	immLo = -256
	immHi = 255
	sbxLo = -65536
	sbxHi = 65535
)

// loadInt prefers the immediate LoadImm form (no constant-pool entry) when
// the value fits a signed 17-bit slot, falling back to the ConstInts pool
// otherwise (spec §4.4.3).
func (fs *funcState) loadInt(target uint8, v int64, pos ast.Pos) error {
	if v >= sbxLo && v <= sbxHi {
		fs.emit(vm.EncodeAsBx(vm.OpLoadImm, target, int32(v)), pos)
		return nil
	}
	idx := fs.proto.AddIntConstant(v)
	if idx > maxBx {
		return errf(pos, "too many integer constants in function")
	}
	fs.emit(vm.EncodeABx(vm.OpLoadI, target, uint32(idx)), pos)
	return nil
}

func (fs *funcState) loadFloat(target uint8, v float64, pos ast.Pos) error {
	idx := fs.proto.AddFloatConstant(v)
	if idx > maxBx {
		return errf(pos, "too many float constants in function")
	}
	fs.emit(vm.EncodeABx(vm.OpLoadF, target, uint32(idx)), pos)
	return nil
}

func (fs *funcState) loadString(target uint8, v string, pos ast.Pos) error {
	idx := fs.proto.AddStringConstant(v)
	if idx > maxBx {
		return errf(pos, "too many string constants in function")
	}
	fs.emit(vm.EncodeABx(vm.OpLoadS, target, uint32(idx)), pos)
	return nil
}

func fitsImm9(v int64) bool { return v >= immLo && v <= immHi }
