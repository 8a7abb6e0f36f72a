// Copyright 2024 The Vela Authors
// This file is part of Vela.

package value_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vela-lang/vela/lang/value"
)

func TestTruthy(t *testing.T) {
	require.False(t, value.NewNil().Truthy())
	require.False(t, value.NewBool(false).Truthy())
	require.True(t, value.NewBool(true).Truthy())
	require.True(t, value.NewInteger(0).Truthy())
	require.True(t, value.NewNumber(0).Truthy())
}

func TestIntegerFloatHashEquality(t *testing.T) {
	i := value.NewInteger(42)
	f := value.NewNumber(42.0)
	require.True(t, i.Equal(f))
	require.Equal(t, i.Hash(), f.Hash())
}

func TestNaNUnordered(t *testing.T) {
	nan := value.NewNumber(math.NaN())
	one := value.NewNumber(1)
	require.False(t, nan.Equal(nan))
	_, ok := nan.Less(one)
	require.False(t, ok)
}

func TestCapabilityFlags(t *testing.T) {
	require.True(t, value.NewInteger(1).IsNumeric())
	require.False(t, value.NewBool(true).IsNumeric())
	require.True(t, value.NewNumber(1).IsNumeric())
}

func TestCrossTypeOrderingUnordered(t *testing.T) {
	_, ok := value.NewInteger(1).Less(value.NewBool(true))
	require.False(t, ok)
}
