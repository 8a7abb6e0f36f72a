// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vela is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vela. If not, see <http://www.gnu.org/licenses/>.

// Package value implements the tagged-union Value type shared by the
// compiler, VM and host embedding API. A Value is trivially copyable;
// heap-backed cases (String, Table, Closure, Userdata) hold a GCObject
// reference rather than owning storage, so copying a Value never copies
// the referenced object.
package value

import "math"

// Kind is the tag discriminating the cases a Value can hold.
type Kind uint8

const (
	Nil Kind = iota
	Boolean
	Integer
	Number
	String
	Table
	Closure
	CFunc
	Userdata
	// NullOpt is an internal sentinel meaning "absent"; it is never
	// observable from script code.
	NullOpt
)

func (k Kind) String() string {
	switch k {
	case Nil:
		return "nil"
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case Number:
		return "number"
	case String:
		return "string"
	case Table:
		return "table"
	case Closure:
		return "closure"
	case CFunc:
		return "cfunction"
	case Userdata:
		return "userdata"
	default:
		return "nulloptr"
	}
}

// kindFlags packs the four capability predicates defined per kind so hot
// paths test a single byte instead of a switch.
type kindFlags uint8

const (
	flagGCObject kindFlags = 1 << iota
	flagNumeric
	flagCallable
	flagTableLike
)

var capabilities = [...]kindFlags{
	Nil:      0,
	Boolean:  0,
	Integer:  flagNumeric,
	Number:   flagNumeric,
	String:   flagGCObject,
	Table:    flagGCObject | flagTableLike,
	Closure:  flagGCObject | flagCallable,
	CFunc:    flagCallable,
	Userdata: flagGCObject,
	NullOpt:  0,
}

// GCObject is implemented by every heap object kind (String, Table, Closure,
// Userdata, defined in package object). It exists here, rather than in
// object, so that Value can refer to heap objects without an import cycle.
type GCObject interface {
	// ObjKind reports which Value.Kind this object backs.
	ObjKind() Kind
	// Hash returns a content- or identity-based hash consistent with Equal.
	Hash() uint64
	// Equal reports whether this object is considered equal to other under
	// Lua-like `==` semantics (content for String, identity otherwise).
	Equal(other GCObject) bool
}

// CallContext is the minimal surface a CFunction needs to read arguments and
// push results; package runtime's State implements it.
type CallContext interface {
	NArgs() int
	Arg(i int) Value
	PushResult(v Value)
}

// CFunction is a host-provided function invocable from script code.
// It returns the number of results pushed via the CallContext, or an error.
type CFunction func(ctx CallContext) (int, error)

// Value is the tagged union. The zero Value is Nil.
type Value struct {
	kind Kind
	bits uint64    // Integer: two's complement payload. Number: math.Float64bits.
	b    bool      // Boolean payload.
	obj  GCObject  // String/Table/Closure/Userdata payload.
	cfn  CFunction // CFunction payload.
}

func NewNil() Value                   { return Value{kind: Nil} }
func NewBool(b bool) Value            { return Value{kind: Boolean, b: b} }
func NewInteger(i int64) Value        { return Value{kind: Integer, bits: uint64(i)} }
func NewNumber(f float64) Value       { return Value{kind: Number, bits: math.Float64bits(f)} }
func NewCFunction(fn CFunction) Value { return Value{kind: CFunc, cfn: fn} }

// NewObject wraps a heap object in a Value according to its own ObjKind.
// Panics if obj.ObjKind() is not a heap kind (String/Table/Closure/Userdata).
func NewObject(obj GCObject) Value {
	k := obj.ObjKind()
	switch k {
	case String, Table, Closure, Userdata:
		return Value{kind: k, obj: obj}
	default:
		panic("value: NewObject given non-heap kind " + k.String())
	}
}

// nullOpt is the shared absent-value sentinel.
var nullOpt = Value{kind: NullOpt}

// NullOptValue returns the internal "absent" sentinel; never expose it to script.
func NullOptValue() Value { return nullOpt }

func (v Value) Kind() Kind { return v.kind }

func (v Value) flags() kindFlags { return capabilities[v.kind] }

func (v Value) IsGCObject() bool  { return v.flags()&flagGCObject != 0 }
func (v Value) IsNumeric() bool   { return v.flags()&flagNumeric != 0 }
func (v Value) IsCallable() bool  { return v.flags()&flagCallable != 0 }
func (v Value) IsTableLike() bool { return v.flags()&flagTableLike != 0 }

func (v Value) IsNil() bool       { return v.kind == Nil }
func (v Value) IsNullOpt() bool   { return v.kind == NullOpt }
func (v Value) IsBoolean() bool   { return v.kind == Boolean }
func (v Value) IsInteger() bool   { return v.kind == Integer }
func (v Value) IsNumber() bool    { return v.kind == Number }
func (v Value) IsString() bool    { return v.kind == String }
func (v Value) IsTable() bool     { return v.kind == Table }
func (v Value) IsClosure() bool   { return v.kind == Closure }
func (v Value) IsCFunction() bool { return v.kind == CFunc }
func (v Value) IsUserdata() bool  { return v.kind == Userdata }

// Truthy implements the language's truthiness rule: only false and nil are
// falsy; every other value, including 0, 0.0 and "", is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case Nil, NullOpt:
		return false
	case Boolean:
		return v.b
	default:
		return true
	}
}

func (v Value) AsBool() bool           { return v.b }
func (v Value) AsInteger() int64       { return int64(v.bits) }
func (v Value) AsNumber() float64      { return math.Float64frombits(v.bits) }
func (v Value) AsObject() GCObject     { return v.obj }
func (v Value) AsCFunction() CFunction { return v.cfn }

// AsFloat coerces Integer or Number to float64; callers must check IsNumeric
// first.
func (v Value) AsFloat() float64 {
	if v.kind == Integer {
		return float64(int64(v.bits))
	}
	return v.AsNumber()
}

// Equal implements `==` per spec §3.1/§4.5.8: integer/number compare by
// promoting to float, GC objects compare identity except String which
// compares content, NaN is equal to nothing (including itself).
func (v Value) Equal(other Value) bool {
	if v.kind == Nil || v.kind == NullOpt {
		return other.kind == v.kind
	}
	switch {
	case v.kind == Integer && other.kind == Integer:
		return v.AsInteger() == other.AsInteger()
	case v.IsNumeric() && other.IsNumeric():
		a, b := v.AsFloat(), other.AsFloat()
		return a == b // NaN != NaN falls out naturally
	case v.kind != other.kind:
		return false
	case v.kind == Boolean:
		return v.b == other.b
	case v.kind == String:
		return v.obj.Equal(other.obj)
	case v.kind == Table, v.kind == Closure, v.kind == Userdata:
		return v.obj == other.obj
	case v.kind == CFunc:
		return sameCFunc(v.cfn, other.cfn)
	default:
		return false
	}
}

// Less implements the total order for Integer/Number, String and Boolean;
// ok is false for cross-type or otherwise unordered pairs (objects, NaN).
func (v Value) Less(other Value) (less bool, ok bool) {
	switch {
	case v.IsNumeric() && other.IsNumeric():
		a, b := v.AsFloat(), other.AsFloat()
		if math.IsNaN(a) || math.IsNaN(b) {
			return false, false
		}
		return a < b, true
	case v.kind == String && other.kind == String:
		as, bs := v.obj.(interface{ Bytes() []byte }), other.obj.(interface{ Bytes() []byte })
		return compareBytes(as.Bytes(), bs.Bytes()) < 0, true
	case v.kind == Boolean && other.kind == Boolean:
		return !v.b && other.b, true
	default:
		return false, false
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Hash is a pure function of observable content, per spec §8: an
// integer-valued float hashes equal to that integer.
func (v Value) Hash() uint64 {
	switch v.kind {
	case Nil, NullOpt:
		return 0
	case Boolean:
		if v.b {
			return 1
		}
		return 0
	case Integer:
		return hashUint64(uint64(v.AsInteger()))
	case Number:
		f := v.AsNumber()
		if i := int64(f); float64(i) == f {
			return hashUint64(uint64(i))
		}
		return hashUint64(v.bits)
	case String, Table, Closure, Userdata:
		return v.obj.Hash()
	case CFunc:
		return hashUint64(cfuncAddr(v.cfn))
	default:
		return 0
	}
}

// hashUint64 is a 64-bit avalanche mix (splitmix64 finalizer), used for the
// non-String scalar kinds; String content hashing itself goes through
// xxhash in package object.
func hashUint64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
