// Copyright 2024 The Vela Authors
// This file is part of Vela.

package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vela-lang/vela/lang/ast"
	"github.com/vela-lang/vela/lang/compiler"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/vm"
)

func pos(line int32) ast.Pos { return ast.Pos{Line: line, Col: 1} }

func id(name string) *ast.Ident   { return &ast.Ident{Pos: pos(1), Name: name} }
func num(v int64) *ast.IntLiteral { return &ast.IntLiteral{Pos: pos(1), Value: v} }

func compile(t *testing.T, stmts ...ast.Statement) *object.Proto {
	t.Helper()
	proto, err := compiler.Compile(&ast.Program{Pos: pos(1), Statements: stmts}, "test")
	require.NoError(t, err)
	return proto
}

func opcodes(proto *object.Proto) []vm.Opcode {
	ops := make([]vm.Opcode, len(proto.Code))
	for i, w := range proto.Code {
		ops[i] = vm.Instr(w).Op()
	}
	return ops
}

func contains(ops []vm.Opcode, want vm.Opcode) bool {
	for _, op := range ops {
		if op == want {
			return true
		}
	}
	return false
}

func TestConstantPoolDedup(t *testing.T) {
	p := object.NewProto("test")
	require.Equal(t, p.AddStringConstant("hello"), p.AddStringConstant("hello"))
	require.Equal(t, p.AddIntConstant(1<<40), p.AddIntConstant(1<<40))
	require.Equal(t, p.AddFloatConstant(2.5), p.AddFloatConstant(2.5))
	require.Len(t, p.ConstStrings, 1)
	require.Len(t, p.ConstInts, 1)
	require.Len(t, p.ConstFloats, 1)
}

func TestSmallIntegerUsesImmediateForm(t *testing.T) {
	proto := compile(t, &ast.ReturnStmt{Pos: pos(1), Values: []ast.Expression{num(42)}})
	ops := opcodes(proto)
	require.True(t, contains(ops, vm.OpLoadImm))
	require.False(t, contains(ops, vm.OpLoadI))
	require.Empty(t, proto.ConstInts)
}

func TestLargeIntegerSpillsToConstantPool(t *testing.T) {
	proto := compile(t, &ast.ReturnStmt{Pos: pos(1), Values: []ast.Expression{num(1 << 40)}})
	require.True(t, contains(opcodes(proto), vm.OpLoadI))
	require.Equal(t, []int64{1 << 40}, proto.ConstInts)
}

func TestAddImmPeephole(t *testing.T) {
	proto := compile(t,
		&ast.VarDecl{Pos: pos(1), Names: []string{"x"}, Mutable: []bool{true}, Values: []ast.Expression{num(1)}},
		&ast.ReturnStmt{Pos: pos(1), Values: []ast.Expression{
			&ast.BinaryExpr{Pos: pos(1), Left: id("x"), Operator: "+", Right: num(5)},
		}},
	)
	ops := opcodes(proto)
	require.True(t, contains(ops, vm.OpAddImm))
	require.False(t, contains(ops, vm.OpAdd))
}

func TestComparisonCompilesToInvertedTestPlusJump(t *testing.T) {
	// `if (a == b) {...}` must emit the inverted Ne test followed by the
	// jump to the false branch, not Eq plus a boolean materialization.
	proto := compile(t,
		&ast.VarDecl{Pos: pos(1), Names: []string{"a", "b"}, Mutable: []bool{true, true},
			Values: []ast.Expression{num(1), num(2)}},
		&ast.IfStmt{Pos: pos(2),
			Cond: &ast.BinaryExpr{Pos: pos(2), Left: id("a"), Operator: "==", Right: id("b")},
			Then: &ast.BlockStmt{Pos: pos(2), Statements: []ast.Statement{
				&ast.ReturnStmt{Pos: pos(2), Values: []ast.Expression{num(1)}},
			}},
		},
		&ast.ReturnStmt{Pos: pos(3), Values: []ast.Expression{num(0)}},
	)
	ops := opcodes(proto)
	require.True(t, contains(ops, vm.OpNe))
	require.False(t, contains(ops, vm.OpEq))
	require.False(t, contains(ops, vm.OpLoadBool))
	for i, op := range ops {
		if op == vm.OpNe {
			require.Equal(t, vm.OpJmp, ops[i+1], "comparison must be followed by its branch jump")
		}
	}
}

func TestClosureUpvalueDescriptors(t *testing.T) {
	// function outer() { let x = 1; return function() { return x } }
	inner := &ast.FunctionLiteral{Pos: pos(2), Body: &ast.BlockStmt{Pos: pos(2), Statements: []ast.Statement{
		&ast.ReturnStmt{Pos: pos(2), Values: []ast.Expression{id("x")}},
	}}}
	outer := &ast.FunctionLiteral{Pos: pos(1), Name: "outer", Body: &ast.BlockStmt{Pos: pos(1), Statements: []ast.Statement{
		&ast.VarDecl{Pos: pos(1), Names: []string{"x"}, Mutable: []bool{true}, Values: []ast.Expression{num(1)}},
		&ast.ReturnStmt{Pos: pos(2), Values: []ast.Expression{inner}},
	}}}
	proto := compile(t, &ast.FuncDecl{Pos: pos(1), Name: "outer", Fn: outer})

	require.Len(t, proto.Children, 1)
	outerProto := proto.Children[0]
	require.True(t, outerProto.HasUpvalues)
	require.Len(t, outerProto.Children, 1)
	innerProto := outerProto.Children[0]
	require.Len(t, innerProto.Upvalues, 1)
	require.Equal(t, "x", innerProto.Upvalues[0].Name)
	require.True(t, innerProto.Upvalues[0].InParentLocal)
}

func TestTailCallEmission(t *testing.T) {
	// function g(n) { return g(n) }
	g := &ast.FunctionLiteral{Pos: pos(1), Name: "g",
		Params: []ast.Param{{Pos: pos(1), Name: "n"}},
		Body: &ast.BlockStmt{Pos: pos(1), Statements: []ast.Statement{
			&ast.ReturnStmt{Pos: pos(1), Values: []ast.Expression{
				&ast.CallExpr{Pos: pos(1), Callee: id("g"), Args: []ast.Expression{id("n")}},
			}},
		}},
	}
	proto := compile(t, &ast.FuncDecl{Pos: pos(1), Name: "g", Fn: g})
	require.Len(t, proto.Children, 1)
	ops := opcodes(proto.Children[0])
	require.True(t, contains(ops, vm.OpTailCall))
	require.False(t, contains(ops, vm.OpCall))
}

func TestBreakOutsideLoopIsError(t *testing.T) {
	_, err := compiler.Compile(&ast.Program{Pos: pos(1), Statements: []ast.Statement{
		&ast.BreakStmt{Pos: pos(7)},
	}}, "test")
	require.Error(t, err)
	var cerr *compiler.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, int32(7), cerr.Pos.Line)
	require.Contains(t, cerr.Msg, "break outside loop")
}

func TestAssignToConstIsError(t *testing.T) {
	_, err := compiler.Compile(&ast.Program{Pos: pos(1), Statements: []ast.Statement{
		&ast.VarDecl{Pos: pos(1), Names: []string{"k"}, Mutable: []bool{false}, Values: []ast.Expression{num(1)}},
		&ast.AssignStmt{Pos: pos(2), Targets: []ast.Expression{id("k")}, Values: []ast.Expression{num(2)}},
	}}, "test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot assign to const")
}

func TestRegisterOverflowIsError(t *testing.T) {
	stmts := make([]ast.Statement, 0, 260)
	for i := 0; i < 260; i++ {
		stmts = append(stmts, &ast.VarDecl{
			Pos:     pos(int32(i + 1)),
			Names:   []string{"v" + string(rune('a'+i%26)) + string(rune('a'+i/26))},
			Mutable: []bool{true},
			Values:  []ast.Expression{num(int64(i))},
		})
	}
	_, err := compiler.Compile(&ast.Program{Pos: pos(1), Statements: stmts}, "test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many registers")
}

func TestMultiAssignPadsWithNil(t *testing.T) {
	// let a, b, c = 1 — names beyond the value list load nil.
	proto := compile(t,
		&ast.VarDecl{Pos: pos(1), Names: []string{"a", "b", "c"}, Mutable: []bool{true, true, true},
			Values: []ast.Expression{num(1)}},
		&ast.ReturnStmt{Pos: pos(2), Values: []ast.Expression{id("c")}},
	)
	require.True(t, contains(opcodes(proto), vm.OpLoadNil))
}

func TestEveryInstructionCarriesLineInfo(t *testing.T) {
	proto := compile(t,
		&ast.VarDecl{Pos: pos(3), Names: []string{"x"}, Mutable: []bool{true}, Values: []ast.Expression{num(1)}},
		&ast.ReturnStmt{Pos: pos(4), Values: []ast.Expression{id("x")}},
	)
	require.Equal(t, len(proto.Code), len(proto.Lines))
	line, _ := proto.LineAt(len(proto.Code) - 1)
	require.Greater(t, line, int32(0))
}
