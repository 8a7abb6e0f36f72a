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
)

// Error is a compile-time diagnostic, positioned at the AST node that
// produced it (spec §7's SemanticError family — register overflow, too many
// constants, break/continue outside a loop, and similar structural issues
// the compiler alone can detect).
type Error struct {
	Pos ast.Pos
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d:%d: compile error: %s", e.Pos.Line, e.Pos.Col, e.Msg)
}

func errf(pos ast.Pos, format string, args ...interface{}) error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
