// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package vm

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/vela-lang/vela/lang/gc"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// ---- Error sentinels (spec §7: the RuntimeError family) --------------------

var (
	ErrStackOverflow  = errors.New("vm: stack overflow")
	ErrInvalidOpcode  = errors.New("vm: invalid opcode")
	ErrNotCallable    = errors.New("vm: value is not callable")
	ErrDivisionByZero = errors.New("vm: integer division by zero")
	ErrTypeMismatch   = errors.New("vm: type mismatch")
	ErrNoSuchField    = errors.New("vm: attempt to index a non-table value")
	ErrCallDepth      = errors.New("vm: call stack depth exceeded")
)

const (
	maxCallDepth = 220 // spec §8: must sustain at least 200 nested non-tail calls
	maxStack     = 1 << 20
)

// RuntimeError decorates a sentinel with the opcode and call-site context it
// was raised from, mirroring the teacher's disassembly-friendly error style.
type RuntimeError struct {
	Err    error
	Opcode Opcode
	PC     int
	Source string
	Line   int32
}

func (e *RuntimeError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s:%d: %s (at %s, pc=%d)", e.Source, e.Line, e.Err, e.Opcode, e.PC)
	}
	return fmt.Sprintf("%s (at %s, pc=%d)", e.Err, e.Opcode, e.PC)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// TracebackError wraps an error that escaped to the host boundary with the
// call-stack walk of spec §7: one "<source>:<line>: in function '<name>'"
// line per live frame, innermost first.
type TracebackError struct {
	Err    error
	Frames []string
}

func (e *TracebackError) Error() string {
	out := e.Err.Error() + "\nstack traceback:"
	for _, fr := range e.Frames {
		out += "\n\t" + fr
	}
	return out
}

func (e *TracebackError) Unwrap() error { return e.Err }

// traceback renders the frames above from (exclusive of already-unwound C
// levels) by mapping each frame's current PC to its Proto's line table.
func (vm *VM) traceback(fromFrame int) []string {
	var lines []string
	for i := len(vm.frames) - 1; i >= fromFrame; i-- {
		f := &vm.frames[i]
		proto := f.Closure.Proto
		line, _ := proto.LineAt(f.PC - 1)
		name := proto.Name
		if name == "" {
			name = "?"
		}
		lines = append(lines, fmt.Sprintf("%s:%d: in function '%s'", proto.Source, line, name))
	}
	return lines
}

// ---- Call frame --------------------------------------------------------

// CallFrame captures everything needed to resume the caller once a CALL
// returns (spec §4.5.2-§4.5.4).
type CallFrame struct {
	Closure     *object.Closure
	PC          int
	Base        int // index into VM.stack of register 0 for this frame
	VarargBase  int // stack index of the first vararg, -1 if none
	VarargCount int
	ReturnBase  int // caller stack index results are copied to
	NumExpected int // kMultRet (0xFF) means "keep all produced results"
}

// ---- VM ----------------------------------------------------------------

// VM is the register-based bytecode interpreter. One VM corresponds to one
// logical thread of execution sharing a single heap.
type VM struct {
	stack  []value.Value
	frames []CallFrame
	heap   *gc.Heap
}

// NewVM creates a VM operating against heap. The value stack grows on
// demand up to maxStack registers.
func NewVM(heap *gc.Heap) *VM {
	vm := &VM{
		stack:  make([]value.Value, 0, 256),
		frames: make([]CallFrame, 0, 32),
		heap:   heap,
	}
	heap.StackWalk = vm.walkStack
	return vm
}

func (vm *VM) walkStack(mark func(value.Value)) {
	for _, v := range vm.stack {
		mark(v)
	}
}

func (vm *VM) ensureStack(n int) error {
	if n > maxStack {
		return ErrStackOverflow
	}
	if n > cap(vm.stack) {
		grown := make([]value.Value, len(vm.stack), n*2)
		copy(grown, vm.stack)
		vm.stack = grown
	}
	if n > len(vm.stack) {
		old := len(vm.stack)
		vm.stack = vm.stack[:n]
		for i := old; i < n; i++ {
			vm.stack[i] = value.NewNil()
		}
	}
	return nil
}

func (vm *VM) reg(f *CallFrame, i uint8) value.Value       { return vm.stack[f.Base+int(i)] }
func (vm *VM) setReg(f *CallFrame, i uint8, v value.Value) { vm.stack[f.Base+int(i)] = v }

// annotate stamps err with the current call-site location unless a deeper
// frame already did (spec §4.5.2: "a TypeError annotated with the call-site
// source location").
func (vm *VM) annotate(f *CallFrame, op Opcode, err error) error {
	var re *RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return vm.runtimeErr(f, op, err)
}

func (vm *VM) runtimeErr(f *CallFrame, op Opcode, err error) error {
	re := &RuntimeError{Err: err, Opcode: op, PC: f.PC - 1}
	if f.Closure != nil && f.Closure.Proto != nil {
		re.Source = f.Closure.Proto.Source
		re.Line, _ = f.Closure.Proto.LineAt(re.PC)
	}
	return re
}

// ---- Entry point ---------------------------------------------------------

// Call invokes fn with args and runs it to completion, returning whatever
// results it produced. fn must be a Closure or a CFunction (spec §4.5.2).
// On error the value stack and call stack are truncated back to the
// caller's sizes and any upvalue opened above the snapshot is closed, so a
// failed call leaves the VM reusable (spec §3.3, §4.6).
func (vm *VM) Call(fn value.Value, args []value.Value) ([]value.Value, error) {
	base := len(vm.stack)
	savedFrames := len(vm.frames)
	if err := vm.ensureStack(base + 1 + len(args)); err != nil {
		return nil, err
	}
	vm.stack[base] = fn
	for i, a := range args {
		vm.stack[base+1+i] = a
	}
	nresults, err := vm.callAt(base, len(args), -1 /* kMultRet */, 0)
	if err != nil {
		if frames := vm.traceback(savedFrames); len(frames) > 0 {
			err = &TracebackError{Err: err, Frames: frames}
		}
		vm.heap.Upvalues.CloseFrom(base, func(idx int) value.Value {
			if idx < len(vm.stack) {
				return vm.stack[idx]
			}
			return value.NewNil()
		})
		vm.frames = vm.frames[:savedFrames]
		vm.stack = vm.stack[:base]
		return nil, err
	}
	out := make([]value.Value, nresults)
	copy(out, vm.stack[base:base+nresults])
	vm.stack = vm.stack[:base]
	return out, nil
}

// callAt performs the actual call/return protocol for the function sitting
// at vm.stack[fnPos], with nargs arguments immediately following it.
// wantResults<0 means "keep everything produced"; otherwise exactly that
// many results are left at fnPos (padded with nil / truncated).
// Returns the number of result values placed at fnPos.
func (vm *VM) callAt(fnPos, nargs, wantResults, depth int) (int, error) {
	if depth > maxCallDepth {
		return 0, ErrCallDepth
	}
	fn := vm.stack[fnPos]

	switch {
	case fn.IsClosure():
		return vm.callClosure(fnPos, nargs, wantResults, depth)

	case fn.IsCFunction():
		ctx := &cCallContext{vm: vm, base: fnPos + 1, nargs: nargs}
		resultsBase := len(vm.stack)
		n, err := fn.AsCFunction()(ctx)
		if err != nil {
			vm.stack = vm.stack[:resultsBase]
			return 0, err
		}
		if resultsBase+n > len(vm.stack) {
			n = len(vm.stack) - resultsBase
		}
		produced := vm.stack[resultsBase : resultsBase+n]
		copy(vm.stack[fnPos:], produced)
		vm.stack = vm.stack[:fnPos+n]
		return vm.adjustResults(fnPos, n, wantResults)

	case fn.IsTable() || fn.IsUserdata():
		mt := vm.metatableFor(fn)
		if mt == nil {
			return 0, ErrNotCallable
		}
		callable := mt.RawGet(value.NewObject(object.MMCall))
		if !callable.IsCallable() {
			return 0, ErrNotCallable
		}
		// __call receives the original table as its first argument.
		args := append([]value.Value{fn}, vm.stack[fnPos+1:fnPos+1+nargs]...)
		if err := vm.ensureStack(fnPos + 1 + len(args)); err != nil {
			return 0, err
		}
		vm.stack[fnPos] = callable
		copy(vm.stack[fnPos+1:], args)
		return vm.callAt(fnPos, len(args), wantResults, depth+1)

	default:
		return 0, ErrNotCallable
	}
}

func (vm *VM) adjustResults(fnPos, produced, want int) (int, error) {
	if want < 0 {
		return produced, nil
	}
	if err := vm.ensureStack(fnPos + want); err != nil {
		return 0, err
	}
	for i := produced; i < want; i++ {
		vm.stack[fnPos+i] = value.NewNil()
	}
	vm.stack = vm.stack[:fnPos+want]
	return want, nil
}

// prepareClosureFrame builds the CallFrame for the closure at
// vm.stack[fnPos]. For a vararg function with extra arguments it performs
// the spec §4.5.5 shift: the closure and fixed parameters move up past the
// varargs, so the frame base sits above them and the varargs stay
// addressable at frame.VarargBase (== the original fnPos).
func (vm *VM) prepareClosureFrame(fnPos, nargs, wantResults int) (CallFrame, error) {
	cl := vm.stack[fnPos].AsObject().(*object.Closure)
	proto := cl.Proto

	varargBase, varargCount := -1, 0
	if proto.IsVararg && nargs > proto.NumParams {
		varargCount = nargs - proto.NumParams
		varargBase = fnPos
		fixed := make([]value.Value, proto.NumParams)
		copy(fixed, vm.stack[fnPos+1:fnPos+1+proto.NumParams])
		clv := vm.stack[fnPos]
		copy(vm.stack[fnPos:], vm.stack[fnPos+1+proto.NumParams:fnPos+1+nargs])
		vm.stack[fnPos+varargCount] = clv
		copy(vm.stack[fnPos+varargCount+1:], fixed)
		fnPos += varargCount
		nargs = proto.NumParams
	}

	base := fnPos + 1
	if err := vm.ensureStack(base + proto.MaxStackSize); err != nil {
		return CallFrame{}, err
	}
	fixedCount := nargs
	if fixedCount > proto.NumParams {
		fixedCount = proto.NumParams
	}
	for i := fixedCount; i < proto.MaxStackSize; i++ {
		vm.stack[base+i] = value.NewNil()
	}

	return CallFrame{
		Closure:     cl,
		PC:          0,
		Base:        base,
		VarargBase:  varargBase,
		VarargCount: varargCount,
		NumExpected: wantResults,
	}, nil
}

func (vm *VM) callClosure(fnPos, nargs, wantResults, depth int) (int, error) {
	frame, err := vm.prepareClosureFrame(fnPos, nargs, wantResults)
	if err != nil {
		return 0, err
	}
	frame.ReturnBase = fnPos
	vm.frames = append(vm.frames, frame)
	return vm.run(depth)
}

// run executes frames until the frame pushed by the caller of run returns.
// It returns the number of results deposited at that frame's ReturnBase.
func (vm *VM) run(depth int) (int, error) {
	targetDepth := len(vm.frames) - 1
	for len(vm.frames) > targetDepth {
		f := &vm.frames[len(vm.frames)-1]
		n, done, err := vm.step(f, depth)
		if err != nil {
			return 0, err
		}
		if done {
			return n, nil
		}
	}
	return 0, nil
}

// step executes exactly one instruction in frame f. done is true once f
// (and only f) has returned or tail-called out, in which case n is the
// result count left at f.ReturnBase.
func (vm *VM) step(f *CallFrame, depth int) (n int, done bool, err error) {
	proto := f.Closure.Proto
	if f.PC >= len(proto.Code) {
		return 0, false, vm.runtimeErr(f, OpReturn, fmt.Errorf("vm: fell off end of code"))
	}
	instr := Instr(proto.Code[f.PC])
	f.PC++
	op := instr.Op()

	switch op {
	case OpLoadI:
		vm.setReg(f, instr.A(), value.NewInteger(proto.ConstInts[instr.Bx()]))
	case OpLoadF:
		vm.setReg(f, instr.A(), value.NewNumber(proto.ConstFloats[instr.Bx()]))
	case OpLoadS:
		vm.setReg(f, instr.A(), value.NewObject(proto.ConstStrings[instr.Bx()]))
	case OpLoadNil:
		for r := int(instr.A()); r <= int(instr.B()); r++ {
			vm.setReg(f, uint8(r), value.NewNil())
		}
	case OpLoadBool:
		vm.setReg(f, instr.A(), value.NewBool(instr.Flag()))
	case OpLoadImm:
		vm.setReg(f, instr.A(), value.NewInteger(int64(instr.SBx())))

	case OpMove:
		vm.setReg(f, instr.A(), vm.reg(f, instr.B()))

	case OpGetGlobal:
		key := value.NewObject(proto.ConstStrings[instr.Bx()])
		v, e := vm.index(f, value.NewObject(vm.heap.Roots.Globals), key, depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpSetGlobal:
		key := value.NewObject(proto.ConstStrings[instr.Bx()])
		g := vm.heap.Roots.Globals
		g.RawSet(key, vm.reg(f, instr.A()))
		if gv := vm.reg(f, instr.A()); gv.IsGCObject() {
			vm.heap.WriteBarrier(g, gv.AsObject().(object.Traceable))
		}

	case OpGetUpval:
		idx := f.Closure.Upvalues[instr.B()]
		vm.setReg(f, instr.A(), vm.upvalGet(idx))
	case OpSetUpval:
		idx := f.Closure.Upvalues[instr.B()]
		vm.upvalSet(idx, vm.reg(f, instr.A()))
	case OpIncUpvalue:
		idx := f.Closure.Upvalues[instr.A()]
		cur := vm.upvalGet(idx)
		if !cur.IsNumeric() {
			return 0, false, vm.runtimeErr(f, op, ErrTypeMismatch)
		}
		vm.upvalSet(idx, addNumeric(cur, value.NewInteger(1)))
	case OpDecUpvalue:
		idx := f.Closure.Upvalues[instr.A()]
		cur := vm.upvalGet(idx)
		if !cur.IsNumeric() {
			return 0, false, vm.runtimeErr(f, op, ErrTypeMismatch)
		}
		vm.upvalSet(idx, subNumeric(cur, value.NewInteger(1)))

	case OpNewTable:
		t := vm.heap.AllocTable(int(instr.B()), int(instr.C()))
		vm.setReg(f, instr.A(), value.NewObject(t))
	case OpGetField:
		v, e := vm.index(f, vm.reg(f, instr.B()), vm.reg(f, instr.C()), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpSetField:
		if e := vm.newindex(f, vm.reg(f, instr.A()), vm.reg(f, instr.B()), vm.reg(f, instr.C()), depth); e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
	case OpGetFieldS:
		key := value.NewObject(proto.ConstStrings[instr.Cx()])
		v, e := vm.index(f, vm.reg(f, instr.B()), key, depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpSetFieldS:
		key := value.NewObject(proto.ConstStrings[instr.Cx()])
		if e := vm.newindex(f, vm.reg(f, instr.A()), key, vm.reg(f, instr.B()), depth); e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
	case OpSelf:
		recv := vm.reg(f, instr.B())
		v, e := vm.index(f, recv, vm.reg(f, instr.C()), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A()+1, recv)
		vm.setReg(f, instr.A(), v)
	case OpSetList:
		t := vm.reg(f, instr.A()).AsObject().(*object.Table)
		n := int(instr.B())
		start := t.Len()
		for i := 0; i < n; i++ {
			v := vm.reg(f, instr.A()+1+uint8(i))
			t.RawSet(value.NewInteger(start+int64(i)), v)
			if v.IsGCObject() {
				vm.heap.WriteBarrier(t, v.AsObject().(object.Traceable))
			}
		}

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
		v, e := vm.arith(op, vm.reg(f, instr.B()), vm.reg(f, instr.C()), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpAddImm:
		v, e := vm.arith(OpAdd, vm.reg(f, instr.B()), value.NewInteger(int64(instr.Imm9())), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpSubImm:
		v, e := vm.arith(OpSub, vm.reg(f, instr.B()), value.NewInteger(int64(instr.Imm9())), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)

	case OpBand, OpBor, OpBxor, OpShl, OpShr:
		v, e := vm.bitwise(op, vm.reg(f, instr.B()), vm.reg(f, instr.C()))
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)
	case OpBnot:
		x, e := toInt(vm.reg(f, instr.B()))
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), value.NewInteger(^x))
	case OpUnm:
		x := vm.reg(f, instr.B())
		switch {
		case x.IsInteger():
			vm.setReg(f, instr.A(), value.NewInteger(-x.AsInteger()))
		case x.IsNumber():
			vm.setReg(f, instr.A(), value.NewNumber(-x.AsFloat()))
		default:
			return 0, false, vm.runtimeErr(f, op, ErrTypeMismatch)
		}

	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		res, e := vm.compare(op, vm.reg(f, instr.A()), vm.reg(f, instr.B()), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		if res == instr.Flag() {
			f.PC++
		}

	case OpJmp:
		f.PC += int(instr.SAx())
	case OpTest:
		if vm.reg(f, instr.A()).Truthy() == instr.Flag() {
			f.PC++
		}
	case OpTestSet:
		v := vm.reg(f, instr.B())
		if v.Truthy() == instr.Flag() {
			f.PC++
		} else {
			vm.setReg(f, instr.A(), v)
		}
	case OpForPrep:
		// R[A]=start R[A+1]=limit R[A+2]=step; jump to loop test. The
		// coerced operands are stored back so ForLoop's numeric fast path
		// never re-examines a string.
		start, e1 := toNumberAny(vm.reg(f, instr.A()))
		limit, e2 := toNumberAny(vm.reg(f, instr.A()+1))
		step, e3 := toNumberAny(vm.reg(f, instr.A()+2))
		if e1 != nil || e2 != nil || e3 != nil {
			return 0, false, vm.runtimeErr(f, op, ErrTypeMismatch)
		}
		vm.setReg(f, instr.A(), subNumeric(start, step))
		vm.setReg(f, instr.A()+1, limit)
		vm.setReg(f, instr.A()+2, step)
		f.PC += int(instr.SBx())
	case OpForLoop:
		cur := vm.reg(f, instr.A())
		step := vm.reg(f, instr.A()+2)
		next := addNumeric(cur, step)
		limit := vm.reg(f, instr.A()+1)
		cont := false
		if stepNeg(step) {
			cont = lessEqNumeric(limit, next)
		} else {
			cont = lessEqNumeric(next, limit)
		}
		if cont {
			vm.setReg(f, instr.A(), next)
			vm.setReg(f, instr.A()+3, next)
			f.PC += int(instr.SBx())
		}

	case OpCall:
		fnPos := f.Base + int(instr.A())
		nargs := int(instr.B()) - 1
		if instr.B() == kMultArgs {
			nargs = len(vm.stack) - (fnPos + 1)
		}
		want := int(instr.C()) - 1
		if instr.C() == kMultRet {
			want = -1
		}
		got, e := vm.callAt(fnPos, nargs, want, depth+1)
		if e != nil {
			return 0, false, vm.annotate(f, op, e)
		}
		if want < 0 {
			// Leave the stack top marking the produced count; the next
			// instruction is always the Return/Call that consumes it.
			vm.stack = vm.stack[:fnPos+got]
		} else if err := vm.ensureStack(f.Base + proto.MaxStackSize); err != nil {
			// The callee's Return truncated the stack to its result window;
			// restore this frame's full register file above it.
			return 0, false, err
		}

	case OpTailCall:
		fnPos := f.Base + int(instr.A())
		nargs := int(instr.B()) - 1
		if instr.B() == kMultArgs {
			nargs = len(vm.stack) - (fnPos + 1)
		}
		vm.closeUpvalsFrom(f.Base)
		// Reuse this frame (spec §4.5.3): the callee and its arguments move
		// down to the frame's return position, the frame record is rebuilt
		// in place, and dispatch continues in the callee without growing
		// either the Vela or the Go call stack.
		retBase := f.ReturnBase
		want := f.NumExpected
		copy(vm.stack[retBase:], vm.stack[fnPos:fnPos+1+nargs])
		vm.stack = vm.stack[:retBase+1+nargs]
		if vm.stack[retBase].IsClosure() {
			frame, e := vm.prepareClosureFrame(retBase, nargs, want)
			if e != nil {
				return 0, false, e
			}
			frame.ReturnBase = retBase
			*f = frame
			return 0, false, nil
		}
		// A CFunction (or __call-able) in tail position degrades to a
		// regular call-and-return.
		got, e := vm.callAt(retBase, nargs, want, depth+1)
		if e != nil {
			return 0, false, vm.annotate(f, op, e)
		}
		vm.frames = vm.frames[:len(vm.frames)-1]
		return got, true, nil

	case OpReturn:
		startReg := instr.A()
		n := int(instr.B()) - 1
		if instr.B() == kMultArgs {
			n = len(vm.stack) - (f.Base + int(startReg))
		}
		vm.closeUpvalsFrom(f.Base)
		resultsFrom := f.Base + int(startReg)
		want := f.NumExpected
		produced := n
		if want >= 0 {
			produced = want
		}
		if err := vm.ensureStack(resultsFrom + max(n, produced)); err != nil {
			return 0, false, err
		}
		for i := n; i < produced; i++ {
			vm.stack[resultsFrom+i] = value.NewNil()
		}
		copy(vm.stack[f.ReturnBase:], vm.stack[resultsFrom:resultsFrom+produced])
		vm.stack = vm.stack[:f.ReturnBase+produced]
		vm.frames = vm.frames[:len(vm.frames)-1]
		return produced, true, nil

	case OpClosure:
		childProto := proto.Children[instr.Bx()]
		cl := vm.heap.AllocClosure(childProto)
		for i, desc := range childProto.Upvalues {
			if desc.InParentLocal {
				idx := vm.heap.Upvalues.FindOrCreate(f.Base + desc.Index)
				vm.heap.Upvalues.AddRef(idx)
				cl.Upvalues[i] = idx
			} else {
				parentIdx := f.Closure.Upvalues[desc.Index]
				vm.heap.Upvalues.AddRef(parentIdx)
				cl.Upvalues[i] = parentIdx
			}
		}
		vm.setReg(f, instr.A(), value.NewObject(cl))

	case OpVarargPrep:
		// No-op placeholder: vararg window is already established by the
		// call protocol (f.VarargBase/f.VarargCount).
	case OpVararg:
		n := f.VarargCount
		want := n
		multi := instr.B() == kMultRet
		if !multi {
			want = int(instr.B()) - 1
		}
		dst := int(instr.A())
		if err := vm.ensureStack(f.Base + dst + want); err != nil {
			return 0, false, err
		}
		for i := 0; i < want; i++ {
			if i < n {
				vm.stack[f.Base+dst+i] = vm.stack[f.VarargBase+i]
			} else {
				vm.stack[f.Base+dst+i] = value.NewNil()
			}
		}
		if multi {
			// Mark the produced count at the stack top for the consuming
			// Return/Call, like a kMultRet call does.
			vm.stack = vm.stack[:f.Base+dst+want]
		}
	case OpVarargExpand:
		// Copies all varargs straight into a table's array starting at B,
		// avoiding an intermediate register spread (spec §4.5.5); emitted
		// for a trailing `...` in a table constructor.
		t := vm.reg(f, instr.A()).AsObject().(*object.Table)
		start := int64(instr.B())
		for i := 0; i < f.VarargCount; i++ {
			v := vm.stack[f.VarargBase+i]
			t.RawSet(value.NewInteger(start+int64(i)), v)
			if v.IsGCObject() {
				vm.heap.WriteBarrier(t, v.AsObject().(object.Traceable))
			}
		}

	case OpToString:
		vm.setReg(f, instr.A(), value.NewObject(vm.toVelaString(vm.reg(f, instr.B()))))
	case OpToNumber:
		n, ok := coerceToNumber(vm.reg(f, instr.B()))
		if !ok {
			return 0, false, vm.runtimeErr(f, op, ErrTypeMismatch)
		}
		vm.setReg(f, instr.A(), n)

	case OpLen:
		v, e := vm.length(f, vm.reg(f, instr.B()), depth)
		if e != nil {
			return 0, false, vm.runtimeErr(f, op, e)
		}
		vm.setReg(f, instr.A(), v)

	case OpCaptureLocal, OpCaptureUpval:
		// The compiler never emits these: OpClosure captures from the
		// child Proto's upvalue descriptors instead.
		return 0, false, vm.runtimeErr(f, op, ErrInvalidOpcode)

	default:
		return 0, false, vm.runtimeErr(f, op, ErrInvalidOpcode)
	}

	return 0, false, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// closeUpvalsFrom closes every open upvalue whose target stack index is at
// or above base (spec §3.4: every exit path — return, tail call, unwind).
// Pool references are owned by the capturing Closures and released when
// those are swept, not here.
func (vm *VM) closeUpvalsFrom(base int) {
	vm.heap.Upvalues.CloseFrom(base, func(idx int) value.Value {
		if idx < len(vm.stack) {
			return vm.stack[idx]
		}
		return value.NewNil()
	})
}

func (vm *VM) upvalGet(idx int) value.Value {
	if vm.heap.Upvalues.IsOpen(idx) {
		return vm.stack[vm.heap.Upvalues.StackIndex(idx)]
	}
	return vm.heap.Upvalues.ClosedValue(idx)
}

func (vm *VM) upvalSet(idx int, v value.Value) {
	if vm.heap.Upvalues.IsOpen(idx) {
		vm.stack[vm.heap.Upvalues.StackIndex(idx)] = v
		return
	}
	vm.heap.Upvalues.SetClosedValue(idx, v)
	// A closed upvalue is a root slot scanned at mark boundaries, not a
	// heap object with a color of its own: grey the stored object so a
	// White reference parked here mid-Mark is not lost.
	if v.IsGCObject() {
		vm.heap.WriteBarrierRoot(v.AsObject().(object.Traceable))
	}
}

// ---- CFunction call context ----------------------------------------------

type cCallContext struct {
	vm    *VM
	base  int
	nargs int
}

func (c *cCallContext) NArgs() int { return c.nargs }

func (c *cCallContext) Arg(i int) value.Value {
	if i < 0 || i >= c.nargs {
		return value.NewNil()
	}
	return c.vm.stack[c.base+i]
}

func (c *cCallContext) PushResult(v value.Value) {
	c.vm.stack = append(c.vm.stack, v)
}

// ---- Table indexing / metatables (spec §4.3.4-§4.3.5) ----------------------

func (vm *VM) metatableFor(v value.Value) *object.Table {
	switch {
	case v.IsTable():
		return v.AsObject().(*object.Table).Metatable()
	case v.IsUserdata():
		return v.AsObject().(*object.Userdata).Metatable()
	default:
		if vm.heap.Roots.MetatableRegistry == nil {
			return nil
		}
		if mt, ok := vm.heap.Roots.MetatableRegistry.Get(v.Kind()); ok {
			return mt.(*object.Table)
		}
		return nil
	}
}

func (vm *VM) index(f *CallFrame, obj, key value.Value, depth int) (value.Value, error) {
	for i := 0; i < maxCallDepth; i++ {
		if obj.IsTable() {
			t := obj.AsObject().(*object.Table)
			v, found, callable, hasCallable := t.Index(key)
			if found {
				return v, nil
			}
			if hasCallable {
				results, err := vm.Call(callable, []value.Value{obj, key})
				if err != nil {
					return value.Value{}, err
				}
				if len(results) == 0 {
					return value.NewNil(), nil
				}
				return results[0], nil
			}
			return value.NewNil(), nil
		}
		mt := vm.metatableFor(obj)
		if mt == nil {
			return value.Value{}, ErrNoSuchField
		}
		idx := mt.RawGet(value.NewObject(object.MMIndex))
		if idx.IsCallable() {
			results, err := vm.Call(idx, []value.Value{obj, key})
			if err != nil {
				return value.Value{}, err
			}
			if len(results) == 0 {
				return value.NewNil(), nil
			}
			return results[0], nil
		}
		if idx.IsTable() {
			obj = idx
			continue
		}
		return value.Value{}, ErrNoSuchField
	}
	return value.Value{}, fmt.Errorf("vm: __index chain too long")
}

func (vm *VM) newindex(f *CallFrame, obj, key, val value.Value, depth int) error {
	for i := 0; i < maxCallDepth; i++ {
		if !obj.IsTable() {
			return ErrNoSuchField
		}
		t := obj.AsObject().(*object.Table)
		recurseOn, callable, hasCallable, rawOK := t.NewIndexTarget(key)
		if rawOK {
			t.RawSet(key, val)
			if val.IsGCObject() {
				vm.heap.WriteBarrier(t, val.AsObject().(object.Traceable))
			}
			return nil
		}
		if hasCallable {
			_, err := vm.Call(callable, []value.Value{obj, key, val})
			return err
		}
		if recurseOn != nil {
			obj = value.NewObject(recurseOn)
			continue
		}
		t.RawSet(key, val)
		return nil
	}
	return fmt.Errorf("vm: __newindex chain too long")
}

func (vm *VM) length(f *CallFrame, v value.Value, depth int) (value.Value, error) {
	if v.IsString() {
		return value.NewInteger(int64(v.AsObject().(*object.String).Len())), nil
	}
	if v.IsTable() {
		t := v.AsObject().(*object.Table)
		if mt := t.Metatable(); mt != nil {
			if mm := mt.RawGet(value.NewObject(object.MMLen)); mm.IsCallable() {
				res, err := vm.Call(mm, []value.Value{v})
				if err != nil {
					return value.Value{}, err
				}
				if len(res) > 0 {
					return res[0], nil
				}
				return value.NewNil(), nil
			}
		}
		return value.NewInteger(t.Len()), nil
	}
	return value.Value{}, ErrTypeMismatch
}

func (vm *VM) toVelaString(v value.Value) *object.String {
	if v.IsString() {
		return v.AsObject().(*object.String)
	}
	if mt := vm.metatableFor(v); mt != nil {
		if mm := mt.RawGet(value.NewObject(object.MMToString)); mm.IsCallable() {
			if res, err := vm.Call(mm, []value.Value{v}); err == nil && len(res) > 0 && res[0].IsString() {
				return res[0].AsObject().(*object.String)
			}
		}
	}
	return vm.heap.AllocString(describeValue(v))
}

func describeValue(v value.Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBoolean():
		if v.AsBool() {
			return "true"
		}
		return "false"
	case v.IsInteger():
		return fmt.Sprintf("%d", v.AsInteger())
	case v.IsNumber():
		return fmt.Sprintf("%g", v.AsFloat())
	case v.IsTable():
		return fmt.Sprintf("table: %p", v.AsObject())
	case v.IsClosure():
		return fmt.Sprintf("function: %p", v.AsObject())
	case v.IsCFunction():
		return "function: builtin"
	case v.IsUserdata():
		return fmt.Sprintf("userdata: %p", v.AsObject())
	default:
		return "nullopt"
	}
}

// ---- Arithmetic / comparison (spec §4.5.7-§4.5.8) ---------------------------

var mmByOp = map[Opcode]*object.String{
	OpAdd: object.MMAdd, OpSub: object.MMSub, OpMul: object.MMMul,
	OpDiv: object.MMDiv, OpMod: object.MMMod, OpPow: object.MMPow,
}

func (vm *VM) arith(op Opcode, x, y value.Value, depth int) (value.Value, error) {
	if x.IsNumeric() && y.IsNumeric() {
		return numericArith(op, x, y)
	}
	for _, operand := range [2]value.Value{x, y} {
		mt := vm.metatableFor(operand)
		if mt == nil {
			continue
		}
		mm := mt.RawGet(value.NewObject(mmByOp[op]))
		if mm.IsCallable() {
			res, err := vm.Call(mm, []value.Value{x, y})
			if err != nil {
				return value.Value{}, err
			}
			if len(res) == 0 {
				return value.NewNil(), nil
			}
			return res[0], nil
		}
	}
	return value.Value{}, ErrTypeMismatch
}

func numericArith(op Opcode, x, y value.Value) (value.Value, error) {
	// Division always produces a float result, even for two integers
	// (spec §4.5.7), independent of the simplified-variant decision.
	if op == OpDiv {
		return value.NewNumber(x.AsFloat() / y.AsFloat()), nil
	}
	if x.IsInteger() && y.IsInteger() {
		a, b := x.AsInteger(), y.AsInteger()
		switch op {
		case OpAdd:
			return value.NewInteger(a + b), nil // two's-complement wraparound is intentional
		case OpSub:
			return value.NewInteger(a - b), nil
		case OpMul:
			return value.NewInteger(a * b), nil
		case OpMod:
			if b == 0 {
				return value.Value{}, ErrDivisionByZero
			}
			m := a % b
			if m != 0 && (m < 0) != (b < 0) {
				m += b // result takes the sign of the divisor
			}
			return value.NewInteger(m), nil
		case OpPow:
			return value.NewNumber(math.Pow(float64(a), float64(b))), nil
		}
	}
	a, b := x.AsFloat(), y.AsFloat()
	switch op {
	case OpAdd:
		return value.NewNumber(a + b), nil
	case OpSub:
		return value.NewNumber(a - b), nil
	case OpMul:
		return value.NewNumber(a * b), nil
	case OpMod:
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return value.NewNumber(m), nil
	case OpPow:
		return value.NewNumber(math.Pow(a, b)), nil
	}
	return value.Value{}, ErrTypeMismatch
}

func toInt(v value.Value) (int64, error) {
	if v.IsInteger() {
		return v.AsInteger(), nil
	}
	if v.IsNumber() {
		f := v.AsFloat()
		if f == math.Trunc(f) {
			return int64(f), nil
		}
	}
	return 0, ErrTypeMismatch
}

func (vm *VM) bitwise(op Opcode, x, y value.Value) (value.Value, error) {
	a, err := toInt(x)
	if err != nil {
		return value.Value{}, err
	}
	b, err := toInt(y)
	if err != nil {
		return value.Value{}, err
	}
	switch op {
	case OpBand:
		return value.NewInteger(a & b), nil
	case OpBor:
		return value.NewInteger(a | b), nil
	case OpBxor:
		return value.NewInteger(a ^ b), nil
	case OpShl:
		return value.NewInteger(a << uint(b&63)), nil
	case OpShr:
		return value.NewInteger(int64(uint64(a) >> uint(b&63))), nil
	}
	return value.Value{}, ErrTypeMismatch
}

func (vm *VM) compare(op Opcode, x, y value.Value, depth int) (bool, error) {
	switch op {
	case OpEq:
		return vm.valuesEqual(x, y, depth)
	case OpNe:
		eq, err := vm.valuesEqual(x, y, depth)
		return !eq, err
	case OpLt:
		return vm.lessThan(x, y, depth)
	case OpLe:
		return vm.lessEqual(x, y, depth)
	case OpGt:
		return vm.lessThan(y, x, depth)
	case OpGe:
		return vm.lessEqual(y, x, depth)
	}
	return false, ErrInvalidOpcode
}

func (vm *VM) valuesEqual(x, y value.Value, depth int) (bool, error) {
	if x.Equal(y) {
		return true, nil
	}
	if x.IsTable() && y.IsTable() {
		if mt := x.AsObject().(*object.Table).Metatable(); mt != nil {
			if mm := mt.RawGet(value.NewObject(object.MMEq)); mm.IsCallable() {
				res, err := vm.Call(mm, []value.Value{x, y})
				if err != nil {
					return false, err
				}
				return len(res) > 0 && res[0].Truthy(), nil
			}
		}
	}
	return false, nil
}

func (vm *VM) lessThan(x, y value.Value, depth int) (bool, error) {
	if x.IsNumeric() && y.IsNumeric() {
		less, _ := x.Less(y) // NaN operands are unordered: every compare is false
		return less, nil
	}
	if less, ok := x.Less(y); ok {
		return less, nil
	}
	for _, operand := range [2]value.Value{x, y} {
		mt := vm.metatableFor(operand)
		if mt == nil {
			continue
		}
		if mm := mt.RawGet(value.NewObject(object.MMLt)); mm.IsCallable() {
			res, err := vm.Call(mm, []value.Value{x, y})
			if err != nil {
				return false, err
			}
			return len(res) > 0 && res[0].Truthy(), nil
		}
	}
	return false, ErrTypeMismatch
}

// lessEqual consults __le directly when a metatable defines it, and
// otherwise derives <= as !(y < x) via __lt (spec §4.5.8).
func (vm *VM) lessEqual(x, y value.Value, depth int) (bool, error) {
	if x.IsNumeric() && y.IsNumeric() {
		a, b := x.AsFloat(), y.AsFloat()
		return a <= b, nil
	}
	if x.Kind() == y.Kind() {
		if less, ok := x.Less(y); ok {
			return less || x.Equal(y), nil
		}
	}
	for _, operand := range [2]value.Value{x, y} {
		mt := vm.metatableFor(operand)
		if mt == nil {
			continue
		}
		if mm := mt.RawGet(value.NewObject(object.MMLe)); mm.IsCallable() {
			res, err := vm.Call(mm, []value.Value{x, y})
			if err != nil {
				return false, err
			}
			return len(res) > 0 && res[0].Truthy(), nil
		}
	}
	lt, err := vm.lessThan(y, x, depth)
	if err != nil {
		return false, err
	}
	return !lt, nil
}

func coerceToNumber(v value.Value) (value.Value, bool) {
	if v.IsNumeric() {
		return v, true
	}
	if v.IsString() {
		s := v.AsObject().(*object.String).String()
		var i int64
		if _, err := fmt.Sscanf(s, "%d", &i); err == nil {
			return value.NewInteger(i), true
		}
		var fl float64
		if _, err := fmt.Sscanf(s, "%g", &fl); err == nil {
			return value.NewNumber(fl), true
		}
	}
	return value.Value{}, false
}

func toNumberAny(v value.Value) (value.Value, error) {
	if n, ok := coerceToNumber(v); ok {
		return n, nil
	}
	return value.Value{}, ErrTypeMismatch
}

func addNumeric(a, b value.Value) value.Value {
	if a.IsInteger() && b.IsInteger() {
		return value.NewInteger(a.AsInteger() + b.AsInteger())
	}
	return value.NewNumber(a.AsFloat() + b.AsFloat())
}

func subNumeric(a, b value.Value) value.Value {
	if a.IsInteger() && b.IsInteger() {
		return value.NewInteger(a.AsInteger() - b.AsInteger())
	}
	return value.NewNumber(a.AsFloat() - b.AsFloat())
}

func stepNeg(step value.Value) bool {
	if step.IsInteger() {
		return step.AsInteger() < 0
	}
	return step.AsFloat() < 0
}

func lessEqNumeric(a, b value.Value) bool {
	less, ok := a.Less(b)
	if ok && less {
		return true
	}
	return a.Equal(b)
}

// ---- Disassembly (debug aid grounded on the teacher's Disassemble) ---------

// Disassemble returns a human-readable listing of a compiled function's
// bytecode, one instruction per line.
func Disassemble(proto *object.Proto) string {
	out := ""
	for i, w := range proto.Code {
		instr := Instr(w)
		op := instr.Op()
		out += fmt.Sprintf("[%04d] %-14s", i, op)
		switch {
		case op.IsBranch() && op != OpJmp:
			out += fmt.Sprintf(" R%d\n", instr.A())
		case op == OpJmp:
			out += fmt.Sprintf(" %+d\n", instr.SAx())
		default:
			out += fmt.Sprintf(" R%d R%d R%d\n", instr.A(), instr.B(), instr.C())
		}
	}
	return out
}

// DebugState writes a plain-text snapshot of the innermost call frame and
// the live value stack to w (grounded on the teacher's printCurrentState/
// printDebugOutput pair: next instruction, registers, stack, in that order).
// Values are rendered with go-spew so nested Table/Closure structure is
// visible without a custom %v for each object kind.
func (vm *VM) DebugState(w io.Writer) {
	if len(vm.frames) == 0 {
		fmt.Fprintln(w, "  (no active frame)")
		return
	}
	f := &vm.frames[len(vm.frames)-1]
	if f.PC < len(f.Closure.Proto.Code) {
		instr := Instr(f.Closure.Proto.Code[f.PC])
		fmt.Fprintf(w, "  next instruction> [%04d] %s\n", f.PC, instr.Op())
	}
	fmt.Fprintln(w, "  registers>")
	fmt.Fprint(w, spew.Sdump(vm.stack[f.Base:]))
	fmt.Fprintln(w, "  call stack>")
	fmt.Fprint(w, spew.Sdump(vm.frames))
}

// addrColor, regColor and opColor render the same listing with ANSI color,
// gated on whether w is actually a terminal (no point coloring a pipe or a
// redirected file).
var (
	addrColor = color.New(color.FgHiBlack).SprintFunc()
	opColor   = color.New(color.FgCyan, color.Bold).SprintFunc()
	regColor  = color.New(color.FgYellow).SprintFunc()
	jmpColor  = color.New(color.FgMagenta).SprintFunc()
)

// FprintDisassembly writes proto's disassembly to w, coloring opcodes,
// registers and jump offsets when w is a terminal (spec §6 debug affordance;
// the color scheme mirrors the bracketed-field layout of Disassemble, just
// rendered incrementally instead of built as one string).
func FprintDisassembly(w io.Writer, proto *object.Proto) {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	for i, word := range proto.Code {
		instr := Instr(word)
		op := instr.Op()
		addr := fmt.Sprintf("[%04d]", i)
		name := fmt.Sprintf("%-14s", op.String())
		if useColor {
			addr, name = addrColor(addr), opColor(name)
		}
		fmt.Fprintf(w, "%s %s", addr, name)
		switch {
		case op.IsBranch() && op != OpJmp:
			reg := fmt.Sprintf("R%d", instr.A())
			if useColor {
				reg = regColor(reg)
			}
			fmt.Fprintf(w, " %s\n", reg)
		case op == OpJmp:
			off := fmt.Sprintf("%+d", instr.SAx())
			if useColor {
				off = jmpColor(off)
			}
			fmt.Fprintf(w, " %s\n", off)
		default:
			ra := fmt.Sprintf("R%d", instr.A())
			rb := fmt.Sprintf("R%d", instr.B())
			rc := fmt.Sprintf("R%d", instr.C())
			if useColor {
				ra, rb, rc = regColor(ra), regColor(rb), regColor(rc)
			}
			fmt.Fprintf(w, " %s %s %s\n", ra, rb, rc)
		}
	}
}
