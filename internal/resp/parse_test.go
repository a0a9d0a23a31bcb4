package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []Value{
		NewSimpleString([]byte("OK")),
		NewError([]byte("ERR wrong number of arguments")),
		NewInteger(42),
		NewInteger(-7),
		NewBulkString([]byte("hello")),
		NewBulkString([]byte("")),
		NewNullBulk(),
		NewArray([]Value{NewBulkString([]byte("SET")), NewBulkString([]byte("k")), NewBulkString([]byte("v"))}),
		NewArray(nil),
		NewNullArray(),
	}

	for _, v := range cases {
		wire := Encode(v)
		p := NewParser()
		p.Strict = false
		p.Feed(wire)
		got, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, v.Type, got.Type)
		assert.Equal(t, v.Null, got.Null)
		switch v.Type {
		case SimpleString, Error:
			assert.Equal(t, v.Str, got.Str)
		case Integer:
			assert.Equal(t, v.Int, got.Int)
		case BulkString:
			assert.Equal(t, v.Bulk, got.Bulk)
		case Array:
			assert.Equal(t, len(v.Elems), len(got.Elems))
		}
		assert.Equal(t, 0, p.Buffered())
	}
}

func TestParseIncrementalByteAtATime(t *testing.T) {
	wire := ArrayOfBulkStrings("SET", "foo", "bar")

	p := NewParser()
	var got Value
	var err error
	for i := 0; i < len(wire); i++ {
		p.Feed(wire[i : i+1])
		got, err = p.Next()
		if err == ErrIncomplete {
			continue
		}
		require.NoError(t, err)
		break
	}
	require.NoError(t, err)
	require.Equal(t, Array, got.Type)
	require.Len(t, got.Elems, 3)
	assert.Equal(t, "SET", string(got.Elems[0].Bulk))
	assert.Equal(t, "foo", string(got.Elems[1].Bulk))
	assert.Equal(t, "bar", string(got.Elems[2].Bulk))
}

func TestParseNullArrayLiteral(t *testing.T) {
	p := NewParser()
	p.Strict = false
	p.Feed([]byte("*-1\r\n"))
	v, err := p.Next()
	require.NoError(t, err)
	assert.True(t, v.IsNullArray())
}

func TestParseNullBulkLiteral(t *testing.T) {
	p := NewParser()
	p.Strict = false
	p.Feed([]byte("$-1\r\n"))
	v, err := p.Next()
	require.NoError(t, err)
	assert.True(t, v.IsNullBulk())
}

func TestParseEmptyBulkLiteral(t *testing.T) {
	p := NewParser()
	p.Strict = false
	p.Feed([]byte("$0\r\n\r\n"))
	v, err := p.Next()
	require.NoError(t, err)
	assert.False(t, v.IsNullBulk())
	assert.Equal(t, []byte{}, v.Bulk)
}

func TestParseStrictRejectsNonClientTopLevel(t *testing.T) {
	p := NewParser() // Strict defaults true
	p.Feed([]byte("+OK\r\n"))
	_, err := p.Next()
	require.Error(t, err)
}

func TestParseNonStrictAcceptsSimpleStringTopLevel(t *testing.T) {
	p := NewParser()
	p.Strict = false
	p.Feed([]byte("+OK\r\n"))
	v, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, SimpleString, v.Type)
	assert.Equal(t, "OK", string(v.Str))
}

func TestParseIncompleteLeavesBufferUntouched(t *testing.T) {
	p := NewParser()
	partial := []byte("*2\r\n$3\r\nfoo")
	p.Feed(partial)
	_, err := p.Next()
	require.ErrorIs(t, err, ErrIncomplete)
	before := p.Buffered()
	assert.Equal(t, len(partial), before)

	p.Feed([]byte("\r\n$3\r\nbar\r\n"))
	v, err := p.Next()
	require.NoError(t, err)
	assert.Greater(t, p.Buffered()+len(Encode(v)), before)
}

func TestParseMalformedLengthRejected(t *testing.T) {
	p := NewParser()
	p.Strict = false
	p.Feed([]byte("$abc\r\n"))
	_, err := p.Next()
	require.Error(t, err)
}

func TestParseArrayOfArrays(t *testing.T) {
	inner := NewArray([]Value{NewInteger(1), NewInteger(2)})
	outer := NewArray([]Value{inner, NewBulkString([]byte("x"))})
	wire := Encode(outer)

	p := NewParser()
	p.Strict = false
	p.Feed(wire)
	got, err := p.Next()
	require.NoError(t, err)
	require.Len(t, got.Elems, 2)
	require.Equal(t, Array, got.Elems[0].Type)
	require.Len(t, got.Elems[0].Elems, 2)
	assert.Equal(t, int64(1), got.Elems[0].Elems[0].Int)
	assert.Equal(t, int64(2), got.Elems[0].Elems[1].Int)
}
