// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package runtime

import (
	"errors"
	"fmt"

	"github.com/vela-lang/vela/lang/value"
)

// Error taxonomy (spec §7). Every host-visible failure wraps one of these
// sentinels so callers can branch with errors.Is rather than string-match.
var (
	ErrSyntaxError    = errors.New("vela: syntax error")
	ErrSemanticError  = errors.New("vela: semantic error")
	ErrReferenceError = errors.New("vela: reference error")
	ErrTypeError      = errors.New("vela: type error")
	ErrRuntimeError   = errors.New("vela: runtime error")
)

// argError formats the check_* family's bad-argument message exactly as
// original_source's api_stack.cpp does: "bad argument #%d (%s expected, got
// %s)" (SPEC_FULL.md §C).
func argError(argN int, expected string, got value.Value) error {
	return fmt.Errorf("%w: bad argument #%d (%s expected, got %s)", ErrTypeError, argN, expected, got.Kind())
}

// SourceError decorates a compile- or load-time failure with the file name
// and line it was raised from (spec §7: "every error carries a source
// location").
type SourceError struct {
	Err    error
	Source string
	Line   int32
}

func (e *SourceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
