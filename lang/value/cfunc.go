// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

import "reflect"

// Go func values are not comparable with ==, so CFunction identity (needed
// for Equal/Hash) goes through the underlying code pointer.
func cfuncAddr(fn CFunction) uint64 {
	if fn == nil {
		return 0
	}
	return uint64(reflect.ValueOf(fn).Pointer())
}

func sameCFunc(a, b CFunction) bool {
	return cfuncAddr(a) == cfuncAddr(b)
}
