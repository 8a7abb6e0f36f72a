// Copyright 2024 The Vela Authors
// This file is part of Vela.

package object_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

func TestStringSSOBoundary(t *testing.T) {
	short := object.NewString("0123456789012345678901234567890") // 31 bytes
	require.Equal(t, 31, short.Len())
	require.True(t, short.IsSSO())

	long := object.NewString("01234567890123456789012345678901") // 32 bytes
	require.False(t, long.IsSSO())
}

func TestStringEqualityAcrossStorageModes(t *testing.T) {
	a := object.NewString("hello")
	b := object.NewString("hello")
	require.True(t, a.Equal(b))
	require.Equal(t, a.Hash(), b.Hash())
}

func TestTableRawSetGet(t *testing.T) {
	tbl := object.NewTable(0, 0)
	k := value.NewObject(object.NewString("key"))
	tbl.RawSet(k, value.NewInteger(7))
	got := tbl.RawGet(k)
	require.True(t, got.Equal(value.NewInteger(7)))
}

func TestTableArrayAppendAndLen(t *testing.T) {
	tbl := object.NewTable(0, 0)
	for i := int64(0); i < 5; i++ {
		tbl.RawSet(value.NewInteger(i), value.NewInteger(i*10))
	}
	require.Equal(t, int64(5), tbl.Len())
	require.True(t, tbl.RawGet(value.NewInteger(2)).Equal(value.NewInteger(20)))
}

func TestTableIndexChainsThroughMetatables(t *testing.T) {
	base := object.NewTable(0, 0)
	base.RawSet(value.NewObject(object.NewString("x")), value.NewInteger(1))

	mid := object.NewTable(0, 0)
	midMeta := object.NewTable(0, 0)
	midMeta.RawSet(value.NewObject(object.MMIndex), value.NewObject(base))
	mid.SetMetatable(midMeta)

	top := object.NewTable(0, 0)
	topMeta := object.NewTable(0, 0)
	topMeta.RawSet(value.NewObject(object.MMIndex), value.NewObject(mid))
	top.SetMetatable(topMeta)

	v, found, _, _ := top.Index(value.NewObject(object.NewString("x")))
	require.True(t, found)
	require.True(t, v.Equal(value.NewInteger(1)))
}

func TestUserdataUIDRoundTrip(t *testing.T) {
	u := object.NewUserdata(8, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), u.UID)
	require.False(t, u.HasFinalizer())
}
