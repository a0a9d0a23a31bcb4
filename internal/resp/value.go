// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package resp implements the wire-protocol frame codec: a tagged value type,
// an encoder, and a restartable incremental parser.
package resp

import "fmt"

// Type is the one-byte frame prefix.
type Type byte

const (
	SimpleString Type = '+'
	Error        Type = '-'
	Integer      Type = ':'
	BulkString   Type = '$'
	Array        Type = '*'
)

// Value is a tagged protocol frame. Bytes are opaque; ASCII case-insensitive
// matching on command names is the caller's responsibility, not the codec's.
//
// For BulkString and Array, Null distinguishes "present but empty" (Bulk/Elems
// non-nil, Null false) from "absent" (Null true, Bulk/Elems ignored).
type Value struct {
	Type  Type
	Str   []byte  // SimpleString / Error payload
	Int   int64   // Integer payload
	Bulk  []byte  // BulkString payload
	Elems []Value // Array elements
	Null  bool    // null bulk / null array marker
}

func NewSimpleString(s []byte) Value { return Value{Type: SimpleString, Str: s} }
func NewError(s []byte) Value        { return Value{Type: Error, Str: s} }
func NewInteger(n int64) Value       { return Value{Type: Integer, Int: n} }

func NewBulkString(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Type: BulkString, Bulk: b}
}

func NewNullBulk() Value { return Value{Type: BulkString, Null: true} }

func NewArray(elems []Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Type: Array, Elems: elems}
}

func NewNullArray() Value { return Value{Type: Array, Null: true} }

// IsNullBulk reports whether v is a null bulk string.
func (v Value) IsNullBulk() bool { return v.Type == BulkString && v.Null }

// IsNullArray reports whether v is a null array.
func (v Value) IsNullArray() bool { return v.Type == Array && v.Null }

func (v Value) String() string {
	switch v.Type {
	case SimpleString:
		return fmt.Sprintf("+%s", v.Str)
	case Error:
		return fmt.Sprintf("-%s", v.Str)
	case Integer:
		return fmt.Sprintf(":%d", v.Int)
	case BulkString:
		if v.Null {
			return "$-1"
		}
		return fmt.Sprintf("$%q", v.Bulk)
	case Array:
		if v.Null {
			return "*-1"
		}
		return fmt.Sprintf("*%v", v.Elems)
	default:
		return "<invalid>"
	}
}
