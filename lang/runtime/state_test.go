// Copyright 2024 The Vela Authors
// This file is part of Vela.

package runtime_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vela-lang/vela/lang/ast"
	"github.com/vela-lang/vela/lang/runtime"
	"github.com/vela-lang/vela/lang/value"
)

func TestStackPushPopTopDelta(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	require.Equal(t, 0, s.GetTop())
	s.PushInteger(1)
	s.PushString("two")
	s.PushBoolean(true)
	require.Equal(t, 3, s.GetTop())

	s.Dup(0)
	require.Equal(t, 4, s.GetTop())
	i, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(1), i)

	s.Insert(1) // move the dup down to slot 1
	i, ok = s.ToInteger(1)
	require.True(t, ok)
	require.Equal(t, int64(1), i)

	s.Remove(1)
	require.Equal(t, 3, s.GetTop())
	s.Pop(2)
	require.Equal(t, 1, s.GetTop())

	s.SetTop(4)
	require.Equal(t, 4, s.GetTop())
	require.True(t, s.IsNil(-1))
	s.SetTop(0)
	require.Equal(t, 0, s.GetTop())
}

func TestNegativeIndexingFromTop(t *testing.T) {
	s := runtime.New()
	defer s.Close()
	s.PushInteger(10)
	s.PushInteger(20)
	a, _ := s.ToInteger(-1)
	b, _ := s.ToInteger(-2)
	require.Equal(t, int64(20), a)
	require.Equal(t, int64(10), b)
}

func TestConversionsRoundTrip(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.PushInteger(7)
	i, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(7), i)

	s.PushNumber(2.5)
	f, ok := s.ToNumber(-1)
	require.True(t, ok)
	require.Equal(t, 2.5, f)

	s.PushString("123")
	i, ok = s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(123), i)

	s.PushBoolean(false)
	require.False(t, s.ToBoolean(-1))
	s.PushNil()
	require.False(t, s.ToBoolean(-1))
	s.PushInteger(0)
	require.True(t, s.ToBoolean(-1)) // only false and nil are falsy
}

func TestCheckFamilyMessageFormat(t *testing.T) {
	s := runtime.New()
	defer s.Close()
	s.PushBoolean(true)
	_, err := s.CheckInteger(2, -1)
	require.ErrorIs(t, err, runtime.ErrTypeError)
	require.Contains(t, err.Error(), "bad argument #2 (integer expected, got boolean)")
}

func TestUserdataUIDCheck(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	uidA := runtime.MakeUID("TypeA")
	uidB := runtime.MakeUID("TypeB")
	require.NotEqual(t, uidA, uidB)

	buf := s.UserdataNew(8, uidA)
	require.Len(t, buf, 8)
	buf[0] = 0x5a

	got, err := s.CheckUserdata(1, -1, uidA)
	require.NoError(t, err)
	require.Equal(t, byte(0x5a), got[0])

	_, err = s.CheckUserdata(1, -1, uidB)
	require.ErrorIs(t, err, runtime.ErrRuntimeError)
	require.Contains(t, err.Error(), "userdata type mismatch")

	uid, ok := s.UserdataGetUID(-1)
	require.True(t, ok)
	require.Equal(t, uidA, uid)
}

func TestTableRawRoundTrip(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.TableNew(0, 4)
	s.PushString("key")
	s.PushInteger(99)
	require.NoError(t, s.TableRawSet(0))

	s.PushString("key")
	require.NoError(t, s.TableRawGet(0))
	i, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(99), i)
}

func TestTableLenBorder(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.TableNew(4, 0)
	for k := int64(0); k < 4; k++ {
		s.PushInteger(k)
		s.PushInteger(k * 10)
		require.NoError(t, s.TableRawSet(0))
	}
	require.NoError(t, s.TableLen(0))
	n, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(4), n)
}

func TestNamedMetatableRegistry(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	mt := s.MetatableNew("Point")
	require.NotNil(t, mt)
	again := s.MetatableNew("Point")
	require.Same(t, mt, again)

	s.MetatableFind("Point")
	require.True(t, s.IsTable(-1))
	s.MetatableFind("NoSuchType")
	require.True(t, s.IsNil(-1))
}

func TestGlobalsAndModules(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.PushInteger(41)
	s.SetGlobal("answer")
	s.GetGlobal("answer")
	i, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(41), i)

	called := false
	s.RegisterFunction("poke", func(ctx value.CallContext) (int, error) {
		called = true
		ctx.PushResult(value.NewInteger(ctx.Arg(0).AsInteger() + 1))
		return 1, nil
	})
	s.GetGlobal("poke")
	s.PushInteger(1)
	require.NoError(t, s.Call(1, 1))
	require.True(t, called)
	i, ok = s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(2), i)

	mod := s.CreateModule("mathx", map[string]value.CFunction{
		"zero": func(ctx value.CallContext) (int, error) {
			ctx.PushResult(value.NewInteger(0))
			return 1, nil
		},
	}, true)
	require.NotNil(t, mod)
	require.True(t, s.IsTable(-1))
}

func TestPCallProtectsAgainstHostError(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.PushCFunction(func(ctx value.CallContext) (int, error) {
		return 0, runtime.ErrRuntimeError
	})
	ok := s.PCall(0, runtime.KMultRet)
	require.False(t, ok)
	require.Equal(t, 2, s.GetTop())
	require.False(t, s.ToBoolean(0))
	msg, isStr := s.ToString(1)
	require.True(t, isStr)
	require.Contains(t, msg, "runtime error")
}

func TestLoadBufferWithoutFrontend(t *testing.T) {
	s := runtime.New()
	defer s.Close()
	err := s.LoadString("return 1")
	require.ErrorIs(t, err, runtime.ErrSyntaxError)
	require.Contains(t, err.Error(), "no frontend registered")
}

// fixedFrontend stands in for the external lexer/parser: it ignores the
// source text and hands back a prebuilt AST, which is exactly the boundary
// contract LoadBuffer compiles through.
func fixedFrontend(prog *ast.Program) runtime.Frontend {
	return func(name, source string) (*ast.Program, error) {
		return prog, nil
	}
}

func TestLoadAndCallThroughHostAPI(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	pos := ast.Pos{Line: 1, Col: 1}
	prog := &ast.Program{Pos: pos, Statements: []ast.Statement{
		&ast.ReturnStmt{Pos: pos, Values: []ast.Expression{
			&ast.BinaryExpr{Pos: pos,
				Left:     &ast.IntLiteral{Pos: pos, Value: 40},
				Operator: "+",
				Right:    &ast.IntLiteral{Pos: pos, Value: 2},
			},
		}},
	}}
	s.SetFrontend(fixedFrontend(prog))

	require.NoError(t, s.LoadString("return 40 + 2"))
	require.True(t, s.IsClosure(-1))
	require.NoError(t, s.Call(0, 1))
	i, ok := s.ToInteger(-1)
	require.True(t, ok)
	require.Equal(t, int64(42), i)
}

func TestPrintHandlerRedirect(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	var sb strings.Builder
	s.SetOutput(&sb)
	s.Print("hello from script\n")
	require.Equal(t, "hello from script\n", sb.String())
}

func TestUserdataFinalizerRunsOnce(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	finalized := 0
	s.TableNew(0, 1) // metatable at 0
	s.PushCFunction(func(ctx value.CallContext) (int, error) {
		finalized++
		return 0, nil
	})
	require.NoError(t, s.TableRawSetField(0, "__gc"))

	s.UserdataNew(4, runtime.MakeUID("Finalizable")) // at 1
	s.Dup(0)
	require.NoError(t, s.MetatableSet(1))

	s.Pop(2) // drop both anchors: the userdata is now unreachable
	s.Collect()
	require.Equal(t, 1, finalized)
	s.Collect() // second cycle actually frees it; the finalizer must not rerun
	require.Equal(t, 1, finalized)
}

func TestPinAnchorsValueAcrossCollect(t *testing.T) {
	s := runtime.New()
	defer s.Close()

	s.PushString("pinned payload longer than inline storage allows here")
	h := s.Pin(-1)
	s.Pop(1)
	s.Collect()
	s.Unpin(h)
	// Reaching this point without a crash is the test: the pinned string
	// must not have been swept while unreachable from the stacks.
	require.Equal(t, 0, s.GetTop())
}
