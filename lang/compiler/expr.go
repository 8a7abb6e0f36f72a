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
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/vm"
)

// isMultiValue reports whether expr can legitimately expand to more than
// one result when it is the last element of a call-argument, return, or
// variable-declaration list (spec §4.4.7).
func isMultiValue(expr ast.Expression) bool {
	switch expr.(type) {
	case *ast.CallExpr, *ast.Vararg:
		return true
	default:
		return false
	}
}

// compileExpr allocates a fresh temporary register and compiles expr into
// it. Callers free the register themselves, in LIFO order, once done.
func (c *compiler) compileExpr(fs *funcState, expr ast.Expression) (uint8, error) {
	r, err := fs.allocReg(expr.Position())
	if err != nil {
		return 0, err
	}
	if err := c.compileExprTo(fs, expr, r); err != nil {
		return 0, err
	}
	return r, nil
}

// compileExprTo compiles expr so its single value ends up in register
// target, which the caller owns (already allocated, or an existing local's
// fixed slot). It never allocates target itself, only reserves it if the
// caller hasn't already (reserveThrough is idempotent).
func (c *compiler) compileExprTo(fs *funcState, expr ast.Expression, target uint8) error {
	pos := expr.Position()
	if err := fs.reserveThrough(target, pos); err != nil {
		return err
	}
	switch e := expr.(type) {
	case *ast.IntLiteral:
		return fs.loadInt(target, e.Value, pos)
	case *ast.FloatLiteral:
		return fs.loadFloat(target, e.Value, pos)
	case *ast.StringLiteral:
		return fs.loadString(target, e.Value, pos)
	case *ast.BoolLiteral:
		fs.emit(vm.EncodeABC(vm.OpLoadBool, target, 0, 0, e.Value), pos)
		return nil
	case *ast.NilLiteral:
		fs.emit(vm.EncodeABC(vm.OpLoadNil, target, target, 0, false), pos)
		return nil
	case *ast.Vararg:
		return c.compileMultiValueExpr(fs, e, target, 1)
	case *ast.Ident:
		return c.compileIdentTo(fs, e, target)
	case *ast.TableLiteral:
		return c.compileTableLiteral(fs, e, target)
	case *ast.FunctionLiteral:
		return c.compileFunctionLiteralInto(fs, e, target)
	case *ast.UnaryExpr:
		return c.compileUnary(fs, e, target)
	case *ast.BinaryExpr:
		return c.compileBinary(fs, e, target)
	case *ast.TernaryExpr:
		return c.compileTernary(fs, e, target)
	case *ast.IndexExpr:
		return c.compileIndex(fs, e, target)
	case *ast.FieldExpr:
		return c.compileField(fs, e, target)
	case *ast.CallExpr:
		return c.compileCall(fs, e, target, 1, false)
	default:
		return fmt.Errorf("compiler: unhandled expression type %T", expr)
	}
}

func (c *compiler) compileIdentTo(fs *funcState, id *ast.Ident, target uint8) error {
	if reg, ok := fs.resolveLocal(id.Name); ok {
		if reg != target {
			fs.emit(vm.EncodeABC(vm.OpMove, target, reg, 0, false), id.Pos)
		}
		return nil
	}
	if idx, ok, err := c.resolveUpvalue(fs, id.Name); err != nil {
		return err
	} else if ok {
		fs.emit(vm.EncodeABC(vm.OpGetUpval, target, uint8(idx), 0, false), id.Pos)
		return nil
	}
	idx := fs.proto.AddStringConstant(id.Name)
	if idx > maxBx {
		return errf(id.Pos, "too many string constants in function")
	}
	fs.emit(vm.EncodeABx(vm.OpGetGlobal, target, uint32(idx)), id.Pos)
	return nil
}

// ---------------------------------------------------------------------------
// Unary / binary / ternary
// ---------------------------------------------------------------------------

func (c *compiler) compileUnary(fs *funcState, e *ast.UnaryExpr, target uint8) error {
	switch e.Operator {
	case "-":
		r, err := c.compileExpr(fs, e.Right)
		if err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpUnm, target, r, 0, false), e.Pos)
		fs.freeReg(r)
		return nil
	case "~":
		r, err := c.compileExpr(fs, e.Right)
		if err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpBnot, target, r, 0, false), e.Pos)
		fs.freeReg(r)
		return nil
	case "#":
		r, err := c.compileExpr(fs, e.Right)
		if err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpLen, target, r, 0, false), e.Pos)
		fs.freeReg(r)
		return nil
	case "!":
		r, err := c.compileExpr(fs, e.Right)
		if err != nil {
			return err
		}
		// Skip the jump when the operand is falsy, so fallthrough is the
		// "result true" arm of the materialization below.
		fs.emit(vm.EncodeABC(vm.OpTest, r, 0, 0, false), e.Pos)
		j := fs.emitJmp(e.Pos)
		fs.freeReg(r)
		materializeBool(fs, target, nil, []int{j}, e.Pos)
		return nil
	default:
		return errf(e.Pos, "unknown unary operator %q", e.Operator)
	}
}

var arithOpcodes = map[string]vm.Opcode{
	"*":  vm.OpMul,
	"/":  vm.OpDiv,
	"%":  vm.OpMod,
	"**": vm.OpPow,
	"&":  vm.OpBand,
	"|":  vm.OpBor,
	"^":  vm.OpBxor,
	"<<": vm.OpShl,
	">>": vm.OpShr,
}

func (c *compiler) compileBinary(fs *funcState, e *ast.BinaryExpr, target uint8) error {
	switch e.Operator {
	case "==", "!=", "<", "<=", ">", ">=":
		t, f, err := c.compileCond(fs, e)
		if err != nil {
			return err
		}
		materializeBool(fs, target, t, f, e.Pos)
		return nil
	case "&&":
		return c.compileShortCircuit(fs, e, target, true)
	case "||":
		return c.compileShortCircuit(fs, e, target, false)
	case "+":
		if lit, ok := e.Right.(*ast.IntLiteral); ok && fitsImm9(lit.Value) {
			if err := c.compileExprTo(fs, e.Left, target); err != nil {
				return err
			}
			fs.emit(vm.EncodeABImm(vm.OpAddImm, target, target, int16(lit.Value)), e.Pos)
			return nil
		}
		return c.compileArithGeneric(fs, vm.OpAdd, e, target)
	case "-":
		if lit, ok := e.Right.(*ast.IntLiteral); ok && fitsImm9(lit.Value) {
			if err := c.compileExprTo(fs, e.Left, target); err != nil {
				return err
			}
			fs.emit(vm.EncodeABImm(vm.OpSubImm, target, target, int16(lit.Value)), e.Pos)
			return nil
		}
		return c.compileArithGeneric(fs, vm.OpSub, e, target)
	default:
		if op, ok := arithOpcodes[e.Operator]; ok {
			return c.compileArithGeneric(fs, op, e, target)
		}
		return errf(e.Pos, "unknown binary operator %q", e.Operator)
	}
}

func (c *compiler) compileArithGeneric(fs *funcState, op vm.Opcode, e *ast.BinaryExpr, target uint8) error {
	lReg, err := c.compileExpr(fs, e.Left)
	if err != nil {
		return err
	}
	rReg, err := c.compileExpr(fs, e.Right)
	if err != nil {
		return err
	}
	fs.emit(vm.EncodeABC(op, target, lReg, rReg, false), e.Pos)
	fs.freeReg(rReg)
	fs.freeReg(lReg)
	return nil
}

// compileShortCircuit compiles && / || as a value-producing expression:
// evaluate left into target, then conditionally skip right (spec §4.4.5).
func (c *compiler) compileShortCircuit(fs *funcState, e *ast.BinaryExpr, target uint8, isAnd bool) error {
	if err := c.compileExprTo(fs, e.Left, target); err != nil {
		return err
	}
	fs.emit(vm.EncodeABC(vm.OpTest, target, 0, 0, isAnd), e.Pos)
	skip := fs.emitJmp(e.Pos)
	if err := c.compileExprTo(fs, e.Right, target); err != nil {
		return err
	}
	fs.patchJmp(skip)
	return nil
}

func (c *compiler) compileTernary(fs *funcState, e *ast.TernaryExpr, target uint8) error {
	t, f, err := c.compileCond(fs, e.Cond)
	if err != nil {
		return err
	}
	fs.patchAll(t, fs.here())
	if err := c.compileExprTo(fs, e.Then, target); err != nil {
		return err
	}
	endJmp := fs.emitJmp(e.Pos)
	fs.patchAll(f, fs.here())
	if err := c.compileExprTo(fs, e.Else, target); err != nil {
		return err
	}
	fs.patchJmp(endJmp)
	return nil
}

// ---------------------------------------------------------------------------
// Condition compilation (true-list / false-list backpatching)
// ---------------------------------------------------------------------------

var invertCmpOp = map[string]string{
	"==": "!=", "!=": "==",
	"<": ">=", ">=": "<",
	"<=": ">", ">": "<=",
}

var cmpOpcodes = map[string]vm.Opcode{
	"==": vm.OpEq, "!=": vm.OpNe,
	"<": vm.OpLt, "<=": vm.OpLe,
	">": vm.OpGt, ">=": vm.OpGe,
}

// compileCond compiles expr in boolean-branch context, returning the
// pending jump lists: trueJumps fire (additionally to plain fallthrough)
// when expr is true, falseJumps fire when it is false. Exactly one of
// {fallthrough, a trueJumps entry, a falseJumps entry} is live on any given
// control path.
func (c *compiler) compileCond(fs *funcState, expr ast.Expression) (trueJumps, falseJumps []int, err error) {
	switch e := expr.(type) {
	case *ast.BinaryExpr:
		switch e.Operator {
		case "&&":
			lt, lf, err := c.compileCond(fs, e.Left)
			if err != nil {
				return nil, nil, err
			}
			fs.patchAll(lt, fs.here())
			rt, rf, err := c.compileCond(fs, e.Right)
			if err != nil {
				return nil, nil, err
			}
			return rt, append(lf, rf...), nil
		case "||":
			lt, lf, err := c.compileCond(fs, e.Left)
			if err != nil {
				return nil, nil, err
			}
			skip := fs.emitJmp(e.Pos)
			fs.patchAll(lt, skip)
			fs.patchAll(lf, fs.here())
			rt, rf, err := c.compileCond(fs, e.Right)
			if err != nil {
				return nil, nil, err
			}
			return append([]int{skip}, rt...), rf, nil
		case "==", "!=", "<", "<=", ">", ">=":
			return c.compileCmpCond(fs, e)
		}
	case *ast.UnaryExpr:
		if e.Operator == "!" {
			t, f, err := c.compileCond(fs, e.Right)
			if err != nil {
				return nil, nil, err
			}
			// The operand's fallthrough is its true path, which is this
			// expression's FALSE path: capture it with an explicit jump so
			// the swapped lists keep the fallthrough-means-true contract.
			j := fs.emitJmp(e.Pos)
			return f, append(t, j), nil
		}
	}
	r, err := c.compileExpr(fs, expr)
	if err != nil {
		return nil, nil, err
	}
	fs.emit(vm.EncodeABC(vm.OpTest, r, 0, 0, true), expr.Position())
	j := fs.emitJmp(expr.Position())
	fs.freeReg(r)
	return nil, []int{j}, nil
}

// compileCmpCond emits the *inverted* comparison opcode with Flag=false, so
// the VM's `if res == Flag { pc++ }` skips our trailing Jmp exactly when the
// original comparison was true (spec §4.1's test-instruction convention).
func (c *compiler) compileCmpCond(fs *funcState, e *ast.BinaryExpr) ([]int, []int, error) {
	invOp := invertCmpOp[e.Operator]
	opcode := cmpOpcodes[invOp]
	lReg, err := c.compileExpr(fs, e.Left)
	if err != nil {
		return nil, nil, err
	}
	rReg, err := c.compileExpr(fs, e.Right)
	if err != nil {
		return nil, nil, err
	}
	fs.emit(vm.EncodeABC(opcode, lReg, rReg, 0, false), e.Pos)
	j := fs.emitJmp(e.Pos)
	fs.freeReg(rReg)
	fs.freeReg(lReg)
	return nil, []int{j}, nil
}

// materializeBool resolves a true/false jump-list pair down to a concrete
// boolean in target. OpLoadBool takes its value straight from the Flag bit
// with no skip behavior (as its doc comment says), so this uses an explicit
// Jmp rather than a skip-bit pattern to join the two arms.
func materializeBool(fs *funcState, target uint8, trueJumps, falseJumps []int, pos ast.Pos) {
	fs.patchAll(trueJumps, fs.here())
	fs.emit(vm.EncodeABC(vm.OpLoadBool, target, 0, 0, true), pos)
	jmpEnd := fs.emitJmp(pos)
	fs.patchAll(falseJumps, fs.here())
	fs.emit(vm.EncodeABC(vm.OpLoadBool, target, 0, 0, false), pos)
	fs.patchJmp(jmpEnd)
}

// ---------------------------------------------------------------------------
// Index / field / table literal
// ---------------------------------------------------------------------------

func (c *compiler) compileIndex(fs *funcState, e *ast.IndexExpr, target uint8) error {
	objReg, err := c.compileExpr(fs, e.Object)
	if err != nil {
		return err
	}
	keyReg, err := c.compileExpr(fs, e.Index)
	if err != nil {
		return err
	}
	fs.emit(vm.EncodeABC(vm.OpGetField, target, objReg, keyReg, false), e.Pos)
	fs.freeReg(keyReg)
	fs.freeReg(objReg)
	return nil
}

func (c *compiler) compileField(fs *funcState, e *ast.FieldExpr, target uint8) error {
	objReg, err := c.compileExpr(fs, e.Object)
	if err != nil {
		return err
	}
	idx := fs.proto.AddStringConstant(e.Name)
	if idx > maxCx {
		return errf(e.Pos, "too many field-name constants in function")
	}
	fs.emit(vm.EncodeABCx(vm.OpGetFieldS, target, objReg, uint32(idx)), e.Pos)
	fs.freeReg(objReg)
	return nil
}

func staticFieldName(key ast.Expression) (string, bool) {
	switch k := key.(type) {
	case *ast.Ident:
		return k.Name, true
	case *ast.StringLiteral:
		return k.Value, true
	default:
		return "", false
	}
}

func tableHints(fields []ast.TableField) (uint8, uint8) {
	clamp := func(n int) uint8 {
		if n > 255 {
			return 255
		}
		return uint8(n)
	}
	array, hash := 0, 0
	for _, f := range fields {
		if f.Key == nil {
			array++
		} else {
			hash++
		}
	}
	return clamp(array), clamp(hash)
}

// compileTableLiteral favors the bulk SetList opcode when every field is a
// plain positional element (the common array-literal case), and falls back
// to per-field SetField/SetFieldS when any field carries a key (spec §4.1
// SetList, GetFieldS/SetFieldS). A trailing `...` compiles to the dedicated
// VarargExpand opcode, which splices the varargs straight into the array
// without an intermediate register spread.
func (c *compiler) compileTableLiteral(fs *funcState, e *ast.TableLiteral, target uint8) error {
	fields := e.Fields
	var trailingVararg *ast.Vararg
	if n := len(fields); n > 0 && fields[n-1].Key == nil {
		if va, ok := fields[n-1].Value.(*ast.Vararg); ok {
			trailingVararg = va
			fields = fields[:n-1]
		}
	}

	arrayHint, hashHint := tableHints(fields)
	fs.emit(vm.EncodeABC(vm.OpNewTable, target, arrayHint, hashHint, false), e.Pos)

	allPositional := len(fields) > 0
	for _, f := range fields {
		if f.Key != nil {
			allPositional = false
			break
		}
	}
	arrayIdx := int64(0)
	// SetList reads values from target+1 upward, so the bulk form is only
	// available when the value window starts right above the table register.
	if allPositional && len(fields) < 255 && fs.freereg == target+1 {
		base := fs.freereg
		for _, f := range fields {
			r, err := fs.allocReg(f.Pos)
			if err != nil {
				return err
			}
			if err := c.compileExprTo(fs, f.Value, r); err != nil {
				return err
			}
		}
		fs.emit(vm.EncodeABC(vm.OpSetList, target, uint8(len(fields)), 0, false), e.Pos)
		fs.freeTo(base)
		arrayIdx = int64(len(fields))
	} else {
		for _, f := range fields {
			valReg, err := c.compileExpr(fs, f.Value)
			if err != nil {
				return err
			}
			switch {
			case f.Key == nil:
				keyReg, err := fs.allocReg(f.Pos)
				if err != nil {
					return err
				}
				if err := fs.loadInt(keyReg, arrayIdx, f.Pos); err != nil {
					return err
				}
				fs.emit(vm.EncodeABC(vm.OpSetField, target, keyReg, valReg, false), f.Pos)
				fs.freeReg(keyReg)
				arrayIdx++
			default:
				if name, ok := staticFieldName(f.Key); ok {
					idx := fs.proto.AddStringConstant(name)
					if idx > maxCx {
						return errf(f.Pos, "too many field-name constants in function")
					}
					fs.emit(vm.EncodeABCx(vm.OpSetFieldS, target, valReg, uint32(idx)), f.Pos)
				} else {
					keyReg, err := c.compileExpr(fs, f.Key)
					if err != nil {
						return err
					}
					fs.emit(vm.EncodeABC(vm.OpSetField, target, keyReg, valReg, false), f.Pos)
					fs.freeReg(keyReg)
				}
			}
			fs.freeReg(valReg)
		}
	}

	if trailingVararg != nil {
		if arrayIdx > 255 {
			return errf(trailingVararg.Pos, "too many array elements before vararg expansion")
		}
		fs.emit(vm.EncodeABC(vm.OpVarargExpand, target, uint8(arrayIdx), 0, false), trailingVararg.Pos)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Function literals / closures
// ---------------------------------------------------------------------------

func (c *compiler) compileFunctionLiteralInto(fs *funcState, lit *ast.FunctionLiteral, target uint8) error {
	if err := fs.reserveThrough(target, lit.Pos); err != nil {
		return err
	}
	child := newFuncState(fs, fs.proto.Source)
	child.proto.Name = lit.Name
	child.proto.NumParams = len(lit.Params)
	child.proto.IsVararg = lit.IsVararg
	if lit.IsVararg {
		child.emit(vm.EncodeABC(vm.OpVarargPrep, 0, 0, 0, false), lit.Pos)
	}

	child.openScope()
	for _, p := range lit.Params {
		if _, err := child.declareLocal(p.Name, false, p.Pos); err != nil {
			return err
		}
	}
	if err := c.compileStmts(child, lit.Body.Statements); err != nil {
		return err
	}
	if err := child.closeScope(c, lit.Body.Pos); err != nil {
		return err
	}
	child.emit(vm.EncodeABC(vm.OpReturn, 0, 1, 0, false), lit.Body.Pos)

	child.proto.Upvalues = make([]object.UpvalueDesc, len(child.upvalues))
	for i, uv := range child.upvalues {
		child.proto.Upvalues[i] = uv.desc
	}

	protoIdx := len(fs.proto.Children)
	if protoIdx > maxBx {
		return errf(lit.Pos, "too many nested function literals")
	}
	fs.proto.Children = append(fs.proto.Children, child.proto)
	fs.emit(vm.EncodeABx(vm.OpClosure, target, uint32(protoIdx)), lit.Pos)
	return nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// compileCall compiles a call or method-call expression so its own register
// `target` holds the callee (and, for a method call, target+1 holds the
// receiver, both populated by a Self instruction). want is the number of
// results the caller needs, or -1 to keep all results the callee produces
// (spec §4.1 kMultRet). tail requests TailCall instead of Call+Return.
func (c *compiler) compileCall(fs *funcState, call *ast.CallExpr, target uint8, want int, tail bool) error {
	pos := call.Pos
	if err := fs.reserveThrough(target, pos); err != nil {
		return err
	}

	if call.Method != "" {
		if err := fs.reserveThrough(target+1, pos); err != nil {
			return err
		}
		recvReg, err := c.compileExpr(fs, call.Callee)
		if err != nil {
			return err
		}
		keyReg, err := fs.allocReg(pos)
		if err != nil {
			return err
		}
		if err := fs.loadString(keyReg, call.Method, pos); err != nil {
			return err
		}
		fs.emit(vm.EncodeABC(vm.OpSelf, target, recvReg, keyReg, false), pos)
		fs.freeReg(keyReg)
		fs.freeReg(recvReg)

		nargs, multi, err := c.compileArgs(fs, call.Args)
		if err != nil {
			return err
		}
		return c.emitCallInstr(fs, target, 1+nargs, multi, want, tail, pos)
	}

	if err := c.compileExprTo(fs, call.Callee, target); err != nil {
		return err
	}
	nargs, multi, err := c.compileArgs(fs, call.Args)
	if err != nil {
		return err
	}
	return c.emitCallInstr(fs, target, nargs, multi, want, tail, pos)
}

// compileArgs compiles args into consecutive registers starting at the
// function's current freereg, allowing the last argument to expand to
// multiple values if it is itself a call or `...` (spec §4.4.7).
func (c *compiler) compileArgs(fs *funcState, args []ast.Expression) (fixedCount int, multi bool, err error) {
	if len(args) == 0 {
		return 0, false, nil
	}
	for i := 0; i < len(args)-1; i++ {
		r, err := fs.allocReg(args[i].Position())
		if err != nil {
			return 0, false, err
		}
		if err := c.compileExprTo(fs, args[i], r); err != nil {
			return 0, false, err
		}
	}
	last := args[len(args)-1]
	r, err := fs.allocReg(last.Position())
	if err != nil {
		return 0, false, err
	}
	if isMultiValue(last) {
		if err := c.compileMultiValueExpr(fs, last, r, -1); err != nil {
			return 0, false, err
		}
		return len(args) - 1, true, nil
	}
	if err := c.compileExprTo(fs, last, r); err != nil {
		return 0, false, err
	}
	return len(args), false, nil
}

func (c *compiler) emitCallInstr(fs *funcState, target uint8, fixedCount int, multi bool, want int, tail bool, pos ast.Pos) error {
	var bField uint8
	if multi {
		bField = 0xFF
	} else {
		if fixedCount+1 > 255 {
			return errf(pos, "too many call arguments")
		}
		bField = uint8(fixedCount + 1)
	}
	if tail {
		fs.emit(vm.EncodeABC(vm.OpTailCall, target, bField, 0, false), pos)
		return nil
	}
	var cField uint8
	if want < 0 {
		cField = 0xFF
	} else {
		if want+1 > 255 {
			return errf(pos, "too many call results requested")
		}
		cField = uint8(want + 1)
	}
	fs.emit(vm.EncodeABC(vm.OpCall, target, bField, cField, false), pos)
	if want >= 0 {
		if int(target)+want > fs.proto.MaxStackSize {
			fs.proto.MaxStackSize = int(target) + want
		}
		fs.freereg = target + uint8(want)
	}
	return nil
}

// compileMultiValueExpr compiles a call or vararg expression, requesting
// exactly `want` results (or -1 to keep every result produced).
func (c *compiler) compileMultiValueExpr(fs *funcState, expr ast.Expression, target uint8, want int) error {
	switch e := expr.(type) {
	case *ast.CallExpr:
		return c.compileCall(fs, e, target, want, false)
	case *ast.Vararg:
		if err := fs.reserveThrough(target, e.Pos); err != nil {
			return err
		}
		b := uint8(0xFF)
		if want >= 0 {
			if want+1 > 255 {
				return errf(e.Pos, "too many vararg results requested")
			}
			b = uint8(want + 1)
		}
		fs.emit(vm.EncodeABC(vm.OpVararg, target, b, 0, false), e.Pos)
		if want >= 0 {
			if int(target)+want > fs.proto.MaxStackSize {
				fs.proto.MaxStackSize = int(target) + want
			}
			fs.freereg = target + uint8(want)
		}
		return nil
	default:
		return fmt.Errorf("compiler: %T is not a multi-value expression", expr)
	}
}
