// Copyright 2024 The Vela Authors
// This file is part of Vela.

package object

// Well-known metamethod names (spec §4.3.3). These are created once and
// never registered with the GC: they are process-lifetime constants, not
// script-visible allocations, so they are never linked into all_objects and
// no sweep ever frees them. They start White (NewString leaves the zero
// Color) like any unregistered object.
var (
	MMIndex    = NewString("__index")
	MMNewIndex = NewString("__newindex")
	MMAdd      = NewString("__add")
	MMSub      = NewString("__sub")
	MMMul      = NewString("__mul")
	MMDiv      = NewString("__div")
	MMMod      = NewString("__mod")
	MMPow      = NewString("__pow")
	MMUnm      = NewString("__unm")
	MMBnot     = NewString("__bnot")
	MMBand     = NewString("__band")
	MMBor      = NewString("__bor")
	MMBxor     = NewString("__bxor")
	MMShl      = NewString("__shl")
	MMShr      = NewString("__shr")
	MMEq       = NewString("__eq")
	MMLt       = NewString("__lt")
	MMLe       = NewString("__le")
	MMCall     = NewString("__call")
	MMLen      = NewString("__len")
	MMToString = NewString("__tostring")
	MMPairs    = NewString("__pairs")
	MMGc       = NewString("__gc")
)
