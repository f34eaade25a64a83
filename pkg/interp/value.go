package interp

import (
	"fmt"
	"strings"

	"github.com/slowlime/friar/pkg/bytecode"
	"github.com/slowlime/friar/pkg/lamart"
)

// Value is a tagged machine word: a small integer when the low bit is set,
// a heap reference otherwise.
type Value uint64

// signBit is the most significant bit of a word.
const signBit = uint64(1) << 63

// FromInt constructs the small integer encoding of v: the top two bits of
// the magnitude are masked off, the rest is shifted left by one, the
// original sign bit is restored in the MSB, and the low tag bit is set.
// This round-trips every v in [-2^62, 2^62-1].
func FromInt(v int64) Value {
	masked := uint64(v) & (^uint64(0) >> 2)
	shifted := masked << 1

	if v < 0 {
		shifted |= signBit
	}

	return Value(shifted | 1)
}

// fromWord boxes a raw untagged word without range masking; arithmetic
// wraps modulo 2^63 through this constructor.
func fromWord(u uint64) Value {
	return Value(u<<1 | 1)
}

// FromBool returns the boxed 1 or 0.
func FromBool(b bool) Value {
	if b {
		return fromWord(1)
	}
	return fromWord(0)
}

// FromRef wraps a heap reference.
func FromRef(w lamart.Word) Value {
	return Value(w)
}

// IsInt reports whether v is a small integer.
func (v Value) IsInt() bool {
	return v&1 != 0
}

// IsBoxed reports whether v is a heap reference.
func (v Value) IsBoxed() bool {
	return v&1 == 0
}

// AsInt returns the signed integer payload (arithmetic shift).
func (v Value) AsInt() int64 {
	return int64(v) >> 1
}

// AsUint returns the unsigned integer payload (logical shift).
func (v Value) AsUint() uint64 {
	return uint64(v) >> 1
}

// Ref returns the heap reference payload.
func (v Value) Ref() lamart.Word {
	return lamart.Word(v)
}

// Word returns the raw tagged word.
func (v Value) Word() lamart.Word {
	return lamart.Word(v)
}

func (v Value) IsString() bool {
	return v.IsBoxed() && lamart.Kind(v.Ref()) == lamart.TagString
}

func (v Value) IsArray() bool {
	return v.IsBoxed() && lamart.Kind(v.Ref()) == lamart.TagArray
}

func (v Value) IsSexp() bool {
	return v.IsBoxed() && lamart.Kind(v.Ref()) == lamart.TagSexp
}

func (v Value) IsClosure() bool {
	return v.IsBoxed() && lamart.Kind(v.Ref()) == lamart.TagClosure
}

// IsAggregate reports whether v is an indexable heap object: an array, a
// string, or a sexp.
func (v Value) IsAggregate() bool {
	if !v.IsBoxed() {
		return false
	}

	switch lamart.Kind(v.Ref()) {
	case lamart.TagArray, lamart.TagString, lamart.TagSexp:
		return true
	}

	return false
}

// Len returns the referenced object's length.
func (v Value) Len() int {
	return lamart.Len(v.Ref())
}

// Field returns field i of the referenced object.
func (v Value) Field(i int) Value {
	return Value(lamart.Field(v.Ref(), i))
}

// TypeString names v's runtime type for diagnostics.
func (v Value) TypeString() string {
	if v.IsInt() {
		return "integer"
	}

	switch lamart.Kind(v.Ref()) {
	case lamart.TagArray:
		return "array"
	case lamart.TagClosure:
		return "function"
	case lamart.TagString:
		return "string"
	case lamart.TagSexp:
		return "sexp"
	default:
		return "unknown"
	}
}

// Stringify renders v the way the Lstring builtin and match-failure
// diagnostics present values: integers in decimal, arrays as "[a, b]",
// strings quoted, sexps as `TAG (a, b)`, closures as "<function>".
func (v Value) Stringify(mod *bytecode.Module) string {
	var sb strings.Builder
	v.stringifyTo(&sb, mod)
	return sb.String()
}

func (v Value) stringifyTo(sb *strings.Builder, mod *bytecode.Module) {
	if v.IsInt() {
		fmt.Fprintf(sb, "%d", v.AsInt())
		return
	}

	switch lamart.Kind(v.Ref()) {
	case lamart.TagArray:
		sb.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			v.Field(i).stringifyTo(sb, mod)
		}
		sb.WriteByte(']')

	case lamart.TagClosure:
		sb.WriteString("<function>")

	case lamart.TagString:
		sb.WriteByte('"')
		sb.Write(lamart.StringBytes(v.Ref()))
		sb.WriteByte('"')

	case lamart.TagSexp:
		sb.WriteString(mod.StrtabEntryAt(lamart.SexpTag(v.Ref())))
		if n := v.Len(); n > 0 {
			sb.WriteString(" (")
			for i := 0; i < n; i++ {
				if i > 0 {
					sb.WriteString(", ")
				}
				v.Field(i).stringifyTo(sb, mod)
			}
			sb.WriteByte(')')
		}
	}
}
