// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package runtime

import (
	"strconv"

	"github.com/vela-lang/vela/lang/object"
	"github.com/vela-lang/vela/lang/value"
)

// ---- push family (spec §6) -------------------------------------------------

func (s *State) PushNil()             { s.stack = append(s.stack, value.NewNil()) }
func (s *State) PushBoolean(b bool)   { s.stack = append(s.stack, value.NewBool(b)) }
func (s *State) PushInteger(n int64)  { s.stack = append(s.stack, value.NewInteger(n)) }
func (s *State) PushNumber(f float64) { s.stack = append(s.stack, value.NewNumber(f)) }

func (s *State) PushString(str string) {
	s.stack = append(s.stack, value.NewObject(s.heap.AllocString(str)))
}

func (s *State) PushCFunction(fn value.CFunction) {
	s.stack = append(s.stack, value.NewCFunction(fn))
}

// pushValue is the internal counterpart used by other files in this package
// to push an already-built Value (e.g. a freshly allocated Table) without
// going through a typed Push* wrapper.
func (s *State) pushValue(v value.Value) { s.stack = append(s.stack, v) }

// ---- stack shape ------------------------------------------------------------

// Pop discards the top n values.
func (s *State) Pop(n int) {
	if n > len(s.stack) {
		n = len(s.stack)
	}
	s.stack = s.stack[:len(s.stack)-n]
}

func (s *State) pop() value.Value {
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v
}

// Dup pushes a copy of the value at idx.
func (s *State) Dup(idx int) { s.pushValue(s.at(idx)) }

// Remove deletes the value at idx, shifting everything above it down.
func (s *State) Remove(idx int) {
	i := s.absIndex(idx)
	if i < 0 || i >= len(s.stack) {
		return
	}
	s.stack = append(s.stack[:i], s.stack[i+1:]...)
}

// Insert moves the top value down to idx, shifting the values in between up.
func (s *State) Insert(idx int) {
	i := s.absIndex(idx)
	if i < 0 || i >= len(s.stack) {
		return
	}
	top := s.stack[len(s.stack)-1]
	copy(s.stack[i+1:], s.stack[i:len(s.stack)-1])
	s.stack[i] = top
}

// GetTop reports the number of values currently on the stack.
func (s *State) GetTop() int { return len(s.stack) }

// SetTop grows (with nils) or truncates the stack to exactly n values.
func (s *State) SetTop(n int) {
	if n < 0 {
		n = 0
	}
	if n <= len(s.stack) {
		s.stack = s.stack[:n]
		return
	}
	for len(s.stack) < n {
		s.stack = append(s.stack, value.NewNil())
	}
}

// ---- type queries -----------------------------------------------------------

func (s *State) Type(idx int) value.Kind { return s.at(idx).Kind() }

func (s *State) IsNil(idx int) bool       { return s.at(idx).IsNil() }
func (s *State) IsBoolean(idx int) bool   { return s.at(idx).IsBoolean() }
func (s *State) IsInteger(idx int) bool   { return s.at(idx).IsInteger() }
func (s *State) IsNumber(idx int) bool    { return s.at(idx).IsNumber() }
func (s *State) IsString(idx int) bool    { return s.at(idx).IsString() }
func (s *State) IsTable(idx int) bool     { return s.at(idx).IsTable() }
func (s *State) IsClosure(idx int) bool   { return s.at(idx).IsClosure() }
func (s *State) IsCFunction(idx int) bool { return s.at(idx).IsCFunction() }
func (s *State) IsUserdata(idx int) bool  { return s.at(idx).IsUserdata() }
func (s *State) IsCallable(idx int) bool  { return s.at(idx).IsCallable() }

// ---- non-raising conversions (to_*) ----------------------------------------

func (s *State) ToBoolean(idx int) bool { return s.at(idx).Truthy() }

func (s *State) ToInteger(idx int) (int64, bool) {
	v := s.at(idx)
	switch {
	case v.IsInteger():
		return v.AsInteger(), true
	case v.IsNumber():
		f := v.AsNumber()
		if i := int64(f); float64(i) == f {
			return i, true
		}
		return 0, false
	case v.IsString():
		if i, err := strconv.ParseInt(v.AsObject().(*object.String).String(), 0, 64); err == nil {
			return i, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func (s *State) ToNumber(idx int) (float64, bool) {
	v := s.at(idx)
	switch {
	case v.IsInteger():
		return float64(v.AsInteger()), true
	case v.IsNumber():
		return v.AsNumber(), true
	case v.IsString():
		if f, err := strconv.ParseFloat(v.AsObject().(*object.String).String(), 64); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// ToString renders idx without invoking `__tostring` (use the VM-backed
// ToDisplayString in metatable.go for the metamethod-aware form); it only
// succeeds for kinds with an unambiguous literal rendering.
func (s *State) ToString(idx int) (string, bool) {
	v := s.at(idx)
	switch {
	case v.IsString():
		return v.AsObject().(*object.String).String(), true
	case v.IsInteger():
		return strconv.FormatInt(v.AsInteger(), 10), true
	case v.IsNumber():
		return strconv.FormatFloat(v.AsNumber(), 'g', -1, 64), true
	case v.IsBoolean():
		return strconv.FormatBool(v.AsBool()), true
	case v.IsNil():
		return "nil", true
	default:
		return "", false
	}
}

// ---- raising conversions (check_*) -----------------------------------------
//
// Message format matches original_source's api_stack.cpp / api_table.cpp
// (SPEC_FULL.md §C): "bad argument #%d (%s expected, got %s)".

func (s *State) CheckInteger(argN, idx int) (int64, error) {
	if i, ok := s.ToInteger(idx); ok {
		return i, nil
	}
	return 0, argError(argN, "integer", s.at(idx))
}

func (s *State) CheckNumber(argN, idx int) (float64, error) {
	if f, ok := s.ToNumber(idx); ok {
		return f, nil
	}
	return 0, argError(argN, "number", s.at(idx))
}

func (s *State) CheckString(argN, idx int) (string, error) {
	v := s.at(idx)
	if v.IsString() {
		return v.AsObject().(*object.String).String(), nil
	}
	return "", argError(argN, "string", v)
}

func (s *State) CheckBoolean(argN, idx int) (bool, error) {
	v := s.at(idx)
	if v.IsBoolean() {
		return v.AsBool(), nil
	}
	return false, argError(argN, "boolean", v)
}

func (s *State) CheckTable(argN, idx int) (*object.Table, error) {
	v := s.at(idx)
	if v.IsTable() {
		return v.AsObject().(*object.Table), nil
	}
	return nil, argError(argN, "table", v)
}

func (s *State) CheckClosure(argN, idx int) (*object.Closure, error) {
	v := s.at(idx)
	if v.IsClosure() {
		return v.AsObject().(*object.Closure), nil
	}
	return nil, argError(argN, "closure", v)
}
