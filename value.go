package rordb

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxValueDepth limits nesting of arrays. Values nested deeper cannot be
// written, and reading one back is treated as corruption.
const MaxValueDepth = 64

var (
	ErrValueTooDeep = fmt.Errorf("rordb: value nested deeper than %d levels", MaxValueDepth)
	ErrInvalidChar  = errors.New("rordb: Char is not a valid Unicode code point")
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindChar
	KindString
	KindArray

	numKinds = iota
)

var kindNames = [numKinds]string{
	KindNull:    "Null",
	KindBool:    "Bool",
	KindInt32:   "Int",
	KindInt64:   "Long",
	KindFloat32: "Float",
	KindFloat64: "Double",
	KindChar:    "Char",
	KindString:  "String",
	KindArray:   "Array",
}

func (k Kind) Valid() bool {
	return k < numKinds
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Value is one storable datum. The zero Value is Null.
//
// Scalars keep their payload in bits (bool as 0/1, integers as two's
// complement, floats as IEEE bits, chars as the rune), strings in str and
// arrays in arr.
type Value struct {
	kind Kind
	bits uint64
	str  string
	arr  []Value
}

func Null() Value {
	return Value{}
}
func Bool(v bool) Value {
	return Value{kind: KindBool, bits: boolBits(v)}
}
func Int32(v int32) Value {
	return Value{kind: KindInt32, bits: uint64(int64(v))}
}
func Int64(v int64) Value {
	return Value{kind: KindInt64, bits: uint64(v)}
}
func Float32(v float32) Value {
	return Value{kind: KindFloat32, bits: uint64(math.Float32bits(v))}
}
func Float64(v float64) Value {
	return Value{kind: KindFloat64, bits: math.Float64bits(v)}
}
func Char(v rune) Value {
	return Value{kind: KindChar, bits: uint64(v)}
}
func String(v string) Value {
	return Value{kind: KindString, str: v}
}
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

func boolBits(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func (v Value) Kind() Kind {
	return v.kind
}
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

func (v Value) Bool() bool {
	v.expect(KindBool)
	return v.bits != 0
}

func (v Value) Int32() int32 {
	v.expect(KindInt32)
	return int32(int64(v.bits))
}

func (v Value) Int64() int64 {
	v.expect(KindInt64)
	return int64(v.bits)
}

func (v Value) Float32() float32 {
	v.expect(KindFloat32)
	return math.Float32frombits(uint32(v.bits))
}

func (v Value) Float64() float64 {
	v.expect(KindFloat64)
	return math.Float64frombits(v.bits)
}

func (v Value) Char() rune {
	v.expect(KindChar)
	return rune(v.bits)
}

func (v Value) Str() string {
	v.expect(KindString)
	return v.str
}

// Items returns the elements of an array value. The returned slice must not
// be modified.
func (v Value) Items() []Value {
	v.expect(KindArray)
	return v.arr
}

func (v Value) expect(k Kind) {
	if v.kind != k {
		panic(fmt.Errorf("rordb: %v value used as %v", v.kind, k))
	}
}

// TypeName returns the display name of the value's type, e.g. "Int" for
// Int32 and "Long" for Int64.
func (v Value) TypeName() string {
	return v.kind.String()
}

// TypeOf is the display name of the type of v.
func TypeOf(v Value) string {
	return v.TypeName()
}

// Equal reports whether two values have the same kind and payload. Floats
// are compared bitwise, so NaN equals an identical NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	default:
		return v.bits == o.bits
	}
}

// Depth is 0 for scalars and 1 + the deepest element for arrays.
func (v Value) Depth() int {
	if v.kind != KindArray {
		return 0
	}
	var d int
	for _, item := range v.arr {
		d = max(d, item.Depth())
	}
	return d + 1
}

func (v Value) String() string {
	var buf strings.Builder
	v.appendTo(&buf)
	return buf.String()
}

func (v Value) appendTo(buf *strings.Builder) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case KindInt32:
		buf.WriteString(strconv.FormatInt(int64(v.Int32()), 10))
	case KindInt64:
		buf.WriteString(strconv.FormatInt(v.Int64(), 10))
	case KindFloat32:
		buf.WriteString(strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32))
	case KindFloat64:
		buf.WriteString(strconv.FormatFloat(v.Float64(), 'g', -1, 64))
	case KindChar:
		buf.WriteRune(v.Char())
	case KindString:
		buf.WriteString(v.str)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteString(", ")
			}
			item.appendTo(buf)
		}
		buf.WriteByte(']')
	default:
		fmt.Fprintf(buf, "<%v>", v.kind)
	}
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack writes the value as a two-element array [kind, payload].
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	return v.encode(enc, 0)
}

func (v Value) encode(enc *msgpack.Encoder, depth int) error {
	if depth > MaxValueDepth {
		return ErrValueTooDeep
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.Bool())
	case KindInt32:
		return enc.EncodeInt(int64(v.Int32()))
	case KindInt64:
		return enc.EncodeInt(v.Int64())
	case KindFloat32:
		return enc.EncodeFloat32(v.Float32())
	case KindFloat64:
		return enc.EncodeFloat64(v.Float64())
	case KindChar:
		if !utf8.ValidRune(v.Char()) {
			return fmt.Errorf("%w: %U", ErrInvalidChar, v.Char())
		}
		return enc.EncodeInt(int64(v.Char()))
	case KindString:
		return enc.EncodeString(v.str)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.arr)); err != nil {
			return err
		}
		for _, item := range v.arr {
			if err := item.encode(enc, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("rordb: cannot encode %v", v.kind)
	}
}

var errBadValue = errors.New("malformed value")

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	return v.decode(dec, 0)
}

func (v *Value) decode(dec *msgpack.Decoder, depth int) error {
	if depth > MaxValueDepth {
		return ErrValueTooDeep
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("%w: got %d-element envelope", errBadValue, n)
	}
	k, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	if k >= numKinds {
		return fmt.Errorf("%w: unknown kind %d", errBadValue, k)
	}
	kind := Kind(k)

	switch kind {
	case KindNull:
		err = dec.DecodeNil()
		*v = Null()
	case KindBool:
		var b bool
		b, err = dec.DecodeBool()
		*v = Bool(b)
	case KindInt32:
		var i int64
		i, err = dec.DecodeInt64()
		if err == nil && (i < math.MinInt32 || i > math.MaxInt32) {
			return fmt.Errorf("%w: Int payload %d out of range", errBadValue, i)
		}
		*v = Int32(int32(i))
	case KindInt64:
		var i int64
		i, err = dec.DecodeInt64()
		*v = Int64(i)
	case KindFloat32:
		var f float32
		f, err = dec.DecodeFloat32()
		*v = Float32(f)
	case KindFloat64:
		var f float64
		f, err = dec.DecodeFloat64()
		*v = Float64(f)
	case KindChar:
		var i int64
		i, err = dec.DecodeInt64()
		if err == nil && (i < 0 || i > utf8.MaxRune || !utf8.ValidRune(rune(i))) {
			return fmt.Errorf("%w: invalid Char %d", errBadValue, i)
		}
		*v = Char(rune(i))
	case KindString:
		var s string
		s, err = dec.DecodeString()
		*v = String(s)
	case KindArray:
		var count int
		count, err = dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		if count < 0 {
			return fmt.Errorf("%w: nil array", errBadValue)
		}
		items := make([]Value, 0, min(count, 1024))
		for range count {
			var item Value
			if err := item.decode(dec, depth+1); err != nil {
				return err
			}
			items = append(items, item)
		}
		*v = Array(items...)
	default:
		panic("unreachable")
	}
	return err
}
