// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package compiler

import (
	"fmt"

	"github.com/vela-lang/vela/lang/ast"
	"github.com/vela-lang/vela/lang/vm"
)

// compileStmts compiles a flat statement list, discarding any temporaries
// left over after each one so register pressure never accumulates across
// statement boundaries.
func (c *compiler) compileStmts(fs *funcState, stmts []ast.Statement) error {
	for _, s := range stmts {
		if err := c.compileStmt(fs, s); err != nil {
			return err
		}
		fs.freeTo(fs.minFreereg)
	}
	return nil
}

func (c *compiler) compileBlock(fs *funcState, block *ast.BlockStmt) error {
	fs.openScope()
	if err := c.compileStmts(fs, block.Statements); err != nil {
		return err
	}
	return fs.closeScope(c, block.Pos)
}

func (c *compiler) compileStmt(fs *funcState, stmt ast.Statement) error {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		return c.compileBlock(fs, s)
	case *ast.ExprStmt:
		return c.compileExprStmt(fs, s.X)
	case *ast.VarDecl:
		return c.compileVarDecl(fs, s)
	case *ast.AssignStmt:
		return c.compileAssign(fs, s)
	case *ast.FuncDecl:
		return c.compileFuncDecl(fs, s)
	case *ast.ReturnStmt:
		return c.compileReturn(fs, s)
	case *ast.BreakStmt:
		return c.compileBreak(fs, s)
	case *ast.ContinueStmt:
		return c.compileContinue(fs, s)
	case *ast.IfStmt:
		return c.compileIf(fs, s)
	case *ast.WhileStmt:
		return c.compileWhile(fs, s)
	case *ast.ForStmt:
		return c.compileFor(fs, s)
	case *ast.ForEachStmt:
		return c.compileForEach(fs, s)
	case *ast.DeferStmt:
		return c.compileDefer(fs, s)
	default:
		return fmt.Errorf("compiler: unhandled statement type %T", stmt)
	}
}

// compileExprStmt compiles expr purely for effect, discarding any results.
func (c *compiler) compileExprStmt(fs *funcState, expr ast.Expression) error {
	base := fs.freereg
	if call, ok := expr.(*ast.CallExpr); ok {
		if err := c.compileCall(fs, call, base, 0, false); err != nil {
			return err
		}
	} else {
		if _, err := c.compileExpr(fs, expr); err != nil {
			return err
		}
	}
	fs.freeTo(base)
	return nil
}

func (c *compiler) compileDefer(fs *funcState, s *ast.DeferStmt) error {
	if len(fs.scopes) == 0 {
		return errf(s.Pos, "defer outside any scope")
	}
	top := fs.scopes[len(fs.scopes)-1]
	top.defers = append(top.defers, s.Call)
	return nil
}

// ---------------------------------------------------------------------------
// Multi-value lists with a fixed arity (var decl / assignment)
// ---------------------------------------------------------------------------

// compileExprListFixed compiles exprs into registers base..base+want-1:
// every value but the last is a single-value expression; the last expands
// to fill the remainder if it is a call or `...`, and any names left over
// once values run out are padded with nil (spec §4.4.7).
func (c *compiler) compileExprListFixed(fs *funcState, exprs []ast.Expression, base uint8, want int) error {
	n := len(exprs)
	for i := 0; i < n; i++ {
		r := base + uint8(i)
		if err := fs.reserveThrough(r, exprs[i].Position()); err != nil {
			return err
		}
		if i == n-1 && isMultiValue(exprs[i]) {
			remaining := want - i
			if remaining < 0 {
				remaining = 0
			}
			return c.compileMultiValueExpr(fs, exprs[i], r, remaining)
		}
		if err := c.compileExprTo(fs, exprs[i], r); err != nil {
			return err
		}
	}
	for i := n; i < want; i++ {
		r := base + uint8(i)
		if err := fs.reserveThrough(r, ast.Pos{}); err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpLoadNil, r, r, 0, false), ast.Pos{})
	}
	return nil
}

func (c *compiler) compileVarDecl(fs *funcState, s *ast.VarDecl) error {
	base := fs.freereg
	if err := c.compileExprListFixed(fs, s.Values, base, len(s.Names)); err != nil {
		return err
	}
	fs.freeTo(base + uint8(len(s.Names)))
	for i, name := range s.Names {
		isConst := i < len(s.Mutable) && !s.Mutable[i]
		fs.locals = append(fs.locals, local{name: name, reg: base + uint8(i), isConst: isConst})
	}
	fs.minFreereg = fs.freereg
	return nil
}

func (c *compiler) compileAssign(fs *funcState, s *ast.AssignStmt) error {
	if done, err := c.tryUpvalueStep(fs, s); done || err != nil {
		return err
	}
	base := fs.freereg
	if err := c.compileExprListFixed(fs, s.Values, base, len(s.Targets)); err != nil {
		return err
	}
	for i, target := range s.Targets {
		srcReg := base + uint8(i)
		if err := c.compileAssignTo(fs, target, srcReg, s.Pos); err != nil {
			return err
		}
	}
	fs.freeTo(base)
	return nil
}

// tryUpvalueStep recognizes `x = x + 1` / `x = x - 1` where x resolves to
// an upvalue and emits the dedicated IncUpvalue/DecUpvalue shortcut instead
// of the GetUpval/arith/SetUpval triple (spec §4.1 upvalue family).
func (c *compiler) tryUpvalueStep(fs *funcState, s *ast.AssignStmt) (bool, error) {
	if len(s.Targets) != 1 || len(s.Values) != 1 {
		return false, nil
	}
	id, ok := s.Targets[0].(*ast.Ident)
	if !ok {
		return false, nil
	}
	if _, isLocal := fs.resolveLocal(id.Name); isLocal {
		return false, nil
	}
	be, ok := s.Values[0].(*ast.BinaryExpr)
	if !ok || (be.Operator != "+" && be.Operator != "-") {
		return false, nil
	}
	left, ok := be.Left.(*ast.Ident)
	if !ok || left.Name != id.Name {
		return false, nil
	}
	lit, ok := be.Right.(*ast.IntLiteral)
	if !ok || lit.Value != 1 {
		return false, nil
	}
	idx, found, err := c.resolveUpvalue(fs, id.Name)
	if err != nil || !found {
		return false, err
	}
	op := vm.OpIncUpvalue
	if be.Operator == "-" {
		op = vm.OpDecUpvalue
	}
	fs.emit(vm.EncodeABC(op, uint8(idx), 0, 0, false), s.Pos)
	return true, nil
}

func (c *compiler) compileAssignTo(fs *funcState, target ast.Expression, srcReg uint8, pos ast.Pos) error {
	switch t := target.(type) {
	case *ast.Ident:
		if reg, ok := fs.resolveLocal(t.Name); ok {
			if fs.localIsConst(t.Name) {
				return errf(t.Pos, "cannot assign to const %q", t.Name)
			}
			if reg != srcReg {
				fs.emit(vm.EncodeABC(vm.OpMove, reg, srcReg, 0, false), t.Pos)
			}
			return nil
		}
		if idx, ok, err := c.resolveUpvalue(fs, t.Name); err != nil {
			return err
		} else if ok {
			fs.emit(vm.EncodeABC(vm.OpSetUpval, srcReg, uint8(idx), 0, false), t.Pos)
			return nil
		}
		idx := fs.proto.AddStringConstant(t.Name)
		if idx > maxBx {
			return errf(t.Pos, "too many string constants in function")
		}
		fs.emit(vm.EncodeABx(vm.OpSetGlobal, srcReg, uint32(idx)), t.Pos)
		return nil
	case *ast.FieldExpr:
		objReg, err := c.compileExpr(fs, t.Object)
		if err != nil {
			return err
		}
		idx := fs.proto.AddStringConstant(t.Name)
		if idx > maxCx {
			return errf(t.Pos, "too many field-name constants in function")
		}
		fs.emit(vm.EncodeABCx(vm.OpSetFieldS, objReg, srcReg, uint32(idx)), t.Pos)
		fs.freeReg(objReg)
		return nil
	case *ast.IndexExpr:
		objReg, err := c.compileExpr(fs, t.Object)
		if err != nil {
			return err
		}
		keyReg, err := c.compileExpr(fs, t.Index)
		if err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpSetField, objReg, keyReg, srcReg, false), t.Pos)
		fs.freeReg(keyReg)
		fs.freeReg(objReg)
		return nil
	default:
		return errf(pos, "invalid assignment target %T", target)
	}
}

// compileFuncDecl declares the function's name as a local (or, at function
// scope depth zero inside a Compile() main chunk, still a local — Vela has
// no separate top-level-global declaration form) before compiling its body,
// so a function can call itself recursively (spec §4.4.6).
func (c *compiler) compileFuncDecl(fs *funcState, s *ast.FuncDecl) error {
	reg, err := fs.declareLocal(s.Name, false, s.Pos)
	if err != nil {
		return err
	}
	return c.compileFunctionLiteralInto(fs, s.Fn, reg)
}

// ---------------------------------------------------------------------------
// return / break / continue
// ---------------------------------------------------------------------------

// compileReturn flushes every open scope's defers before evaluating the
// return values: a return exits all of them at once, and running the
// defers first keeps the tail-call rewrite valid (nothing may execute
// after a TailCall reuses the frame).
func (c *compiler) compileReturn(fs *funcState, s *ast.ReturnStmt) error {
	if err := c.flushDefersFrom(fs, 0); err != nil {
		return err
	}
	if len(s.Values) == 0 {
		fs.emit(vm.EncodeABC(vm.OpReturn, 0, 1, 0, false), s.Pos)
		return nil
	}
	base := fs.freereg
	if len(s.Values) == 1 {
		if call, ok := s.Values[0].(*ast.CallExpr); ok {
			return c.compileCall(fs, call, base, -1, true)
		}
	}
	n := len(s.Values)
	last := s.Values[n-1]
	if isMultiValue(last) {
		for i := 0; i < n-1; i++ {
			r, err := fs.allocReg(s.Values[i].Position())
			if err != nil {
				return err
			}
			if err := c.compileExprTo(fs, s.Values[i], r); err != nil {
				return err
			}
		}
		r, err := fs.allocReg(last.Position())
		if err != nil {
			return err
		}
		if err := c.compileMultiValueExpr(fs, last, r, -1); err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpReturn, base, 0xFF, 0, false), s.Pos)
		return nil
	}
	for _, v := range s.Values {
		r, err := fs.allocReg(v.Position())
		if err != nil {
			return err
		}
		if err := c.compileExprTo(fs, v, r); err != nil {
			return err
		}
	}
	if n+1 > 255 {
		return errf(s.Pos, "too many return values")
	}
	fs.emit(vm.EncodeABC(vm.OpReturn, base, uint8(n+1), 0, false), s.Pos)
	return nil
}

func (c *compiler) compileBreak(fs *funcState, s *ast.BreakStmt) error {
	if len(fs.loopStack) == 0 {
		return errf(s.Pos, "break outside loop")
	}
	lc := fs.loopStack[len(fs.loopStack)-1]
	if err := c.flushDefersFrom(fs, lc.scopeDepth); err != nil {
		return err
	}
	lc.breakJumps = append(lc.breakJumps, fs.emitJmp(s.Pos))
	return nil
}

func (c *compiler) compileContinue(fs *funcState, s *ast.ContinueStmt) error {
	if len(fs.loopStack) == 0 {
		return errf(s.Pos, "continue outside loop")
	}
	lc := fs.loopStack[len(fs.loopStack)-1]
	if err := c.flushDefersFrom(fs, lc.scopeDepth); err != nil {
		return err
	}
	lc.continueJumps = append(lc.continueJumps, fs.emitJmp(s.Pos))
	return nil
}

// ---------------------------------------------------------------------------
// if / while
// ---------------------------------------------------------------------------

func (c *compiler) compileIf(fs *funcState, s *ast.IfStmt) error {
	t, f, err := c.compileCond(fs, s.Cond)
	if err != nil {
		return err
	}
	fs.patchAll(t, fs.here())
	if err := c.compileBlock(fs, s.Then); err != nil {
		return err
	}
	hasMore := len(s.Elifs) > 0 || s.Else != nil
	var endJumps []int
	if hasMore {
		endJumps = append(endJumps, fs.emitJmp(s.Pos))
	}
	fs.patchAll(f, fs.here())

	for i, elif := range s.Elifs {
		et, ef, err := c.compileCond(fs, elif.Cond)
		if err != nil {
			return err
		}
		fs.patchAll(et, fs.here())
		if err := c.compileBlock(fs, elif.Body); err != nil {
			return err
		}
		more := i < len(s.Elifs)-1 || s.Else != nil
		if more {
			endJumps = append(endJumps, fs.emitJmp(elif.Pos))
		}
		fs.patchAll(ef, fs.here())
	}

	if s.Else != nil {
		if err := c.compileBlock(fs, s.Else); err != nil {
			return err
		}
	}
	fs.patchAll(endJumps, fs.here())
	return nil
}

func (c *compiler) compileWhile(fs *funcState, s *ast.WhileStmt) error {
	lc := &loopCtx{scopeDepth: len(fs.scopes)}
	fs.loopStack = append(fs.loopStack, lc)

	condStart := fs.here()
	t, f, err := c.compileCond(fs, s.Cond)
	if err != nil {
		return err
	}
	fs.patchAll(t, fs.here())
	if err := c.compileBlock(fs, s.Body); err != nil {
		return err
	}
	back := fs.emitJmp(s.Pos)
	fs.patchJmpTo(back, condStart)
	fs.patchAll(f, fs.here())

	fs.loopStack = fs.loopStack[:len(fs.loopStack)-1]
	fs.patchAll(lc.continueJumps, condStart)
	fs.patchAll(lc.breakJumps, fs.here())
	return nil
}

// ---------------------------------------------------------------------------
// for (general and the ForCNumeric optimization)
// ---------------------------------------------------------------------------

type numericForInfo struct {
	varName            string
	start, limit, step ast.Expression
	negStep            bool
	strict             bool // condition was `<` rather than `<=`
}

// tryForCNumeric recognizes the canonical `for (let i = start; i <op> limit; i = i +/- step) {...}`
// idiom and extracts its pieces, so compileFor can lower it to the
// dedicated ForPrep/ForLoop opcodes instead of general branch code (spec
// §4.1 ForPrep/ForLoop, §4.4.5 "ForCNumeric optimization").
func tryForCNumeric(s *ast.ForStmt) *numericForInfo {
	decl, ok := s.Init.(*ast.VarDecl)
	if !ok || len(decl.Names) != 1 || len(decl.Values) != 1 {
		return nil
	}
	name := decl.Names[0]

	cond, ok := s.Cond.(*ast.BinaryExpr)
	if !ok {
		return nil
	}
	var limit ast.Expression
	var strict bool
	switch cond.Operator {
	case "<", "<=":
		id, ok := cond.Left.(*ast.Ident)
		if !ok || id.Name != name {
			return nil
		}
		limit = cond.Right
		strict = cond.Operator == "<"
	default:
		return nil
	}

	update, ok := s.Update.(*ast.AssignStmt)
	if !ok || len(update.Targets) != 1 || len(update.Values) != 1 {
		return nil
	}
	id, ok := update.Targets[0].(*ast.Ident)
	if !ok || id.Name != name {
		return nil
	}
	upd, ok := update.Values[0].(*ast.BinaryExpr)
	if !ok {
		return nil
	}
	uid, ok := upd.Left.(*ast.Ident)
	if !ok || uid.Name != name {
		return nil
	}
	var negStep bool
	switch upd.Operator {
	case "+":
		negStep = false
	case "-":
		negStep = true
	default:
		return nil
	}

	return &numericForInfo{varName: name, start: decl.Values[0], limit: limit, step: upd.Right, negStep: negStep, strict: strict}
}

func (c *compiler) compileForCNumeric(fs *funcState, s *ast.ForStmt, info *numericForInfo) error {
	lc := &loopCtx{scopeDepth: len(fs.scopes)}
	fs.loopStack = append(fs.loopStack, lc)
	fs.openScope()

	base := fs.freereg
	rStart, rLimit, rStep, rVar := base, base+1, base+2, base+3
	for i := 0; i < 4; i++ {
		if _, err := fs.allocReg(s.Pos); err != nil {
			return err
		}
	}
	// Pin the control quad [index, limit, step, var] against the
	// per-statement temporary reset while the body compiles.
	fs.minFreereg = fs.freereg
	if err := c.compileExprTo(fs, info.start, rStart); err != nil {
		return err
	}
	if info.strict {
		// ForLoop continues while next <= limit; a strict `<` bound folds
		// to limit-1. compileFor only takes this path for strict loops
		// with a literal limit, so the fold happens at compile time.
		lit := info.limit.(*ast.IntLiteral)
		if err := fs.loadInt(rLimit, lit.Value-1, lit.Pos); err != nil {
			return err
		}
	} else if err := c.compileExprTo(fs, info.limit, rLimit); err != nil {
		return err
	}
	if err := c.compileExprTo(fs, info.step, rStep); err != nil {
		return err
	}
	if info.negStep {
		fs.emit(vm.EncodeABC(vm.OpUnm, rStep, rStep, 0, false), s.Pos)
	}

	prepPC := fs.emit(vm.EncodeAsBx(vm.OpForPrep, rStart, 0), s.Pos)
	bodyStart := fs.here()
	fs.locals = append(fs.locals, local{name: info.varName, reg: rVar})
	if err := c.compileBlock(fs, s.Body); err != nil {
		return err
	}
	loopPC := fs.emit(vm.EncodeAsBx(vm.OpForLoop, rStart, 0), s.Pos)
	fs.patchSBx(prepPC, loopPC)
	fs.patchSBx(loopPC, bodyStart)

	fs.locals = fs.locals[:len(fs.locals)-1]
	if err := fs.closeScope(c, s.Pos); err != nil {
		return err
	}

	fs.loopStack = fs.loopStack[:len(fs.loopStack)-1]
	fs.patchAll(lc.continueJumps, loopPC)
	fs.patchAll(lc.breakJumps, fs.here())
	return nil
}

func (c *compiler) compileFor(fs *funcState, s *ast.ForStmt) error {
	if s.Init != nil && s.Cond != nil && s.Update != nil {
		if info := tryForCNumeric(s); info != nil {
			_, litLimit := info.limit.(*ast.IntLiteral)
			if !info.strict || litLimit {
				return c.compileForCNumeric(fs, s, info)
			}
		}
	}

	lc := &loopCtx{scopeDepth: len(fs.scopes)}
	fs.loopStack = append(fs.loopStack, lc)
	fs.openScope()

	if s.Init != nil {
		if err := c.compileStmt(fs, s.Init); err != nil {
			return err
		}
	}
	condStart := fs.here()
	var falseJ []int
	if s.Cond != nil {
		t, f, err := c.compileCond(fs, s.Cond)
		if err != nil {
			return err
		}
		fs.patchAll(t, fs.here())
		falseJ = f
	}
	if err := c.compileBlock(fs, s.Body); err != nil {
		return err
	}
	updateStart := fs.here()
	if s.Update != nil {
		if err := c.compileStmt(fs, s.Update); err != nil {
			return err
		}
	}
	back := fs.emitJmp(s.Pos)
	fs.patchJmpTo(back, condStart)
	if s.Cond != nil {
		fs.patchAll(falseJ, fs.here())
	}

	if err := fs.closeScope(c, s.Pos); err != nil {
		return err
	}
	fs.loopStack = fs.loopStack[:len(fs.loopStack)-1]
	fs.patchAll(lc.continueJumps, updateStart)
	fs.patchAll(lc.breakJumps, fs.here())
	return nil
}

// ---------------------------------------------------------------------------
// foreach
// ---------------------------------------------------------------------------

// compileForEach compiles the 3-value iterator protocol: Iterable yields
// (iterFn, state, initialKey); each iteration calls iterFn(state, key),
// stops when the first result is falsy, and otherwise binds the results to
// the loop names and advances key (spec §4.4.5 foreach). Per-iteration
// upvalue closing for closures capturing a loop variable is not modeled:
// every iteration shares the same registers, so a closure created inside
// the body captures the loop variable's current slot, not a fresh binding
// per iteration.
func (c *compiler) compileForEach(fs *funcState, s *ast.ForEachStmt) error {
	lc := &loopCtx{scopeDepth: len(fs.scopes)}
	fs.loopStack = append(fs.loopStack, lc)
	fs.openScope()

	base := fs.freereg
	if err := c.compileExprListFixed(fs, []ast.Expression{s.Iterable}, base, 3); err != nil {
		return err
	}
	fs.freeTo(base + 3)
	iterFn, state, key := base, base+1, base+2

	nvars := len(s.Names)
	maxRegs := nvars
	if maxRegs < 3 {
		maxRegs = 3
	}
	callBase := fs.freereg
	for i := 0; i < maxRegs; i++ {
		if _, err := fs.allocReg(s.Pos); err != nil {
			return err
		}
	}
	// Pin the iterator triple and the call window against the temporary
	// reset between body statements.
	fs.minFreereg = fs.freereg

	loopStart := fs.here()
	fs.emit(vm.EncodeABC(vm.OpMove, callBase, iterFn, 0, false), s.Pos)
	fs.emit(vm.EncodeABC(vm.OpMove, callBase+1, state, 0, false), s.Pos)
	fs.emit(vm.EncodeABC(vm.OpMove, callBase+2, key, 0, false), s.Pos)
	if nvars+1 > 255 {
		return errf(s.Pos, "too many foreach loop variables")
	}
	fs.emit(vm.EncodeABC(vm.OpCall, callBase, 3, uint8(nvars+1), false), s.Pos)

	fs.emit(vm.EncodeABC(vm.OpTest, callBase, 0, 0, true), s.Pos)
	exitJmp := fs.emitJmp(s.Pos)
	fs.emit(vm.EncodeABC(vm.OpMove, key, callBase, 0, false), s.Pos)

	namesBase := len(fs.locals)
	for i, name := range s.Names {
		fs.locals = append(fs.locals, local{name: name, reg: callBase + uint8(i)})
	}
	if err := c.compileBlock(fs, s.Body); err != nil {
		return err
	}
	fs.locals = fs.locals[:namesBase]

	back := fs.emitJmp(s.Pos)
	fs.patchJmpTo(back, loopStart)
	fs.patchJmp(exitJmp)

	if err := fs.closeScope(c, s.Pos); err != nil {
		return err
	}

	fs.loopStack = fs.loopStack[:len(fs.loopStack)-1]
	fs.patchAll(lc.continueJumps, loopStart)
	fs.patchAll(lc.breakJumps, fs.here())
	return nil
}
