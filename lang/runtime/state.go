// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package runtime is the host-embedding API (spec §6): lifecycle
// (new_state/close), a stack-oriented value API, table and metatable
// operations, globals/calls, userdata, and source loading. It is the single
// point through which a host program drives the compiler, VM and GC
// packages — none of those packages know this package exists.
package runtime

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/vela-lang/vela/lang/ast"
	"github.com/vela-lang/vela/lang/compiler"
	"github.com/vela-lang/vela/lang/gc"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
	"github.com/vela-lang/vela/lang/vm"
)

// defaultSearchPaths mirrors spec §6's new_state: "module search paths
// (./, ./modules/, ./lib/)".
var defaultSearchPaths = []string{"./", "./modules/", "./lib/"}

// Frontend parses source text into an AST program. The lexer and parser
// proper are external collaborators the core does not implement (spec §1);
// a host embedding this runtime supplies its own Frontend at construction
// (or via SetFrontend) so LoadString/LoadBuffer have something to compile.
type Frontend func(name, source string) (*ast.Program, error)

// PrintHandler receives text a running script sent to its print/write
// builtin (spec §6: "a host-installed callback (runtime, text) receives
// stdout output; defaults to host stdout").
type PrintHandler func(s *State, text string)

func defaultPrintHandler(_ *State, text string) { fmt.Fprint(os.Stdout, text) }

// State is one embeddable runtime instance (spec §5: "multiple runtime
// instances are independent"). It owns a heap, a VM sharing that heap, the
// globals table, and the host-facing value stack the stack-oriented API
// operates over — a stack distinct from the VM's internal register stack,
// the same way a host using the Lua C API never touches `lua_State`'s
// internal CallInfo chain directly.
type State struct {
	ID uuid.UUID

	heap  *gc.Heap
	vm    *vm.VM
	roots *gc.Roots

	stack []value.Value

	frontend Frontend
	print    PrintHandler
}

// New allocates a runtime instance: heap, VM, globals table and the
// default module search path (spec §6 new_state).
func New() *State {
	globals := object.NewTable(0, 16)
	roots := gc.NewRoots(globals)
	for _, p := range defaultSearchPaths {
		roots.SearchPaths = append(roots.SearchPaths, object.NewString(p))
	}
	heap := gc.NewHeap(roots, 1<<20)
	s := &State{
		ID:    uuid.New(),
		heap:  heap,
		roots: roots,
		print: defaultPrintHandler,
	}
	s.vm = vm.NewVM(heap)
	heap.InvokeFinalizer = s.invokeFinalizer
	// The host-facing stack is a root in its own right (spec §4.2.4 walks
	// "the entire value stack"): chain it behind the VM's register stack.
	vmWalk := heap.StackWalk
	heap.StackWalk = func(mark func(value.Value)) {
		vmWalk(mark)
		for _, v := range s.stack {
			mark(v)
		}
	}
	return s
}

// Close runs a terminal GC pass that destroys every remaining object
// without pooling and frees the runtime (spec §6 close(state)).
func (s *State) Close() {
	s.heap.Close()
	s.stack = nil
}

// SetFrontend installs the parser a host wants LoadString/LoadBuffer to use.
func (s *State) SetFrontend(f Frontend) { s.frontend = f }

// SetPrintHandler overrides where script `print` output goes (spec §6).
func (s *State) SetPrintHandler(p PrintHandler) { s.print = p }

// SetOutput is a convenience over SetPrintHandler for the common case of
// redirecting to an io.Writer (used by cmd/velac's -o flag and by tests).
func (s *State) SetOutput(w io.Writer) {
	s.print = func(_ *State, text string) { fmt.Fprint(w, text) }
}

// Print invokes the installed print handler; the VM calls this indirectly
// through the `print` global a host registers with RegisterFunction.
func (s *State) Print(text string) {
	if s.print != nil {
		s.print(s, text)
	}
}

// Collect forces a full synchronous GC cycle (spec §4.2.3 gc_collect).
func (s *State) Collect() { s.heap.Collect() }

// CountAll reports the number of live heap objects (spec §8 scenario 5's
// gc.countall()).
func (s *State) CountAll() int { return s.heap.CountAll() }

// Pin anchors a stack-top value against collection until Unpin is called
// (spec §4.2.4 "pinned values (host-managed anchors)").
func (s *State) Pin(idx int) *gc.PinHandle { return s.roots.Pin(s.at(idx)) }

// Unpin releases a handle obtained from Pin.
func (s *State) Unpin(h *gc.PinHandle) { s.roots.Unpin(h) }

// invokeFinalizer runs a Userdata's __gc metamethod via a normal VM call
// (spec §4.2.2 step 5); wired into the heap at construction since the gc
// package cannot itself invoke the VM.
func (s *State) invokeFinalizer(u *object.Userdata) {
	mt := u.Metatable()
	if mt == nil {
		return
	}
	fn := mt.RawGet(value.NewObject(object.MMGc))
	if !fn.IsCallable() {
		return
	}
	if _, err := s.vm.Call(fn, []value.Value{value.NewObject(u)}); err != nil {
		s.Print(fmt.Sprintf("error in __gc metamethod: %v\n", err))
	}
}

// absIndex resolves a spec §6 stack index: non-negative counts from the
// frame base (0 is the bottom-most live slot), negative counts from the
// top (-1 is the top-most slot).
func (s *State) absIndex(idx int) int {
	if idx >= 0 {
		return idx
	}
	return len(s.stack) + idx
}

func (s *State) at(idx int) value.Value {
	i := s.absIndex(idx)
	if i < 0 || i >= len(s.stack) {
		return value.NewNil()
	}
	return s.stack[i]
}

// barrier is a convenience over heap.WriteBarrier for a stored Value: only
// GC-object values need the barrier, primitives are barrier-exempt.
func (s *State) barrier(holder object.Traceable, v value.Value) {
	if v.IsGCObject() {
		s.heap.WriteBarrier(holder, v.AsObject().(object.Traceable))
	}
}

// LoadString parses and compiles src, leaving the resulting main-chunk
// closure on top of the stack (spec §6 load_string).
func (s *State) LoadString(src string) error {
	return s.LoadBuffer(src, "=(load)", true)
}

// LoadBuffer parses and compiles src under the given chunk name (spec §6
// load_buffer). isMain is preserved for host bookkeeping (e.g. a CLI's
// top-level script vs. a module), the core treats every chunk identically.
func (s *State) LoadBuffer(src, name string, isMain bool) error {
	_ = isMain
	if s.frontend == nil {
		return fmt.Errorf("%w: %s: no frontend registered (lexer/parser is a host-supplied external collaborator)", ErrSyntaxError, name)
	}
	prog, err := s.frontend(name, src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntaxError, err)
	}
	// Compilation is a GC critical section (spec §4.2.3): no collection may
	// observe the chunk while it is half-built.
	guard := s.heap.Pause()
	defer guard.Release()
	proto, err := compiler.Compile(prog, name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSemanticError, err)
	}
	cl := s.heap.AllocClosure(proto)
	s.stack = append(s.stack, value.NewObject(cl))
	return nil
}

// DebugDump writes a snapshot of the VM's innermost frame and value stack to
// w; only meaningful while a call is suspended (e.g. from a panic-recover
// wrapper a host installs around Call, or a debug hook between GC steps).
func (s *State) DebugDump(w io.Writer) { s.vm.DebugState(w) }

// TopProto returns the Proto of the closure on top of the stack, for a host
// that wants to inspect or disassemble a just-loaded chunk (spec §6) without
// running it. It is a convenience over the check_* family specific to
// closures: disassembly is a debug affordance, not part of the ordinary
// stack-oriented value API.
func (s *State) TopProto() (*object.Proto, error) {
	cl, err := s.CheckClosure(1, -1)
	if err != nil {
		return nil, err
	}
	return cl.Proto, nil
}
