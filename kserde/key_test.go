package kserde

import (
	"bytes"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews/krow"
)

func TestKeyRoundTrip(t *testing.T) {
	rows := []krow.Row{
		krow.MustRow(1, "a", 2.5, nil),
		krow.MustRow(-42),
		krow.MustRow("with\x00nul", ""),
		krow.MustRow(-0.75, int64(1)<<62),
		{},
	}
	for _, r := range rows {
		t.Run(r.String(), func(t *testing.T) {
			b, err := Row.Serializer(r)
			assert.NoError(t, err)
			back, err := Row.Deserializer(b)
			assert.NoError(t, err)
			assert.Equal(t, len(r), len(back))
			assert.True(t, r.Equal(back))
		})
	}
}

func TestKeyOrderPreserving(t *testing.T) {
	ordered := []krow.Value{
		krow.Null(),
		krow.Int(-100),
		krow.Int(-1),
		krow.Int(0),
		krow.Int(7),
		krow.Text(""),
		krow.Text("a"),
		krow.Text("a\x00"),
		krow.Text("ab"),
	}
	for i := 1; i < len(ordered); i++ {
		prev := EncodeKey(krow.Row{ordered[i-1]})
		cur := EncodeKey(krow.Row{ordered[i]})
		assert.True(t, bytes.Compare(prev, cur) < 0, "%v should sort before %v", ordered[i-1], ordered[i])
	}

	floats := []float64{-3.5, -0.1, 0, 0.1, 9}
	for i := 1; i < len(floats); i++ {
		prev := EncodeKey(krow.Row{krow.Float(floats[i-1])})
		cur := EncodeKey(krow.Row{krow.Float(floats[i])})
		assert.True(t, bytes.Compare(prev, cur) < 0)
	}
}

func TestKeyPrefixFree(t *testing.T) {
	short := EncodeKey(krow.MustRow("a"))
	long := EncodeKey(krow.MustRow("ab"))
	assert.False(t, bytes.HasPrefix(long, short))

	tuple := EncodeKey(krow.MustRow("a", 1))
	assert.True(t, bytes.HasPrefix(tuple, short))
}

func TestDecodeKeyPartial(t *testing.T) {
	b := EncodeKey(krow.MustRow(5, "x", 3))
	head, rest, err := DecodeKey(b, 1)
	assert.NoError(t, err)
	assert.Equal(t, krow.MustRow(5), head)
	tail, rest, err := DecodeKey(rest, -1)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(rest))
	assert.Equal(t, krow.MustRow("x", 3), tail)
}

func TestDecodeCorrupt(t *testing.T) {
	_, _, err := DecodeValue([]byte{0x7f})
	assert.IsError(t, err, ErrCorruptKey)
	_, _, err = DecodeValue([]byte{tagText, 'a'})
	assert.IsError(t, err, ErrCorruptKey)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x03}, PrefixEnd([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	assert.Equal(t, []byte(nil), PrefixEnd([]byte{0xff, 0xff}))
}

func TestRecordsJSON(t *testing.T) {
	in := krow.Records{krow.Insert(krow.MustRow(1, "a")), krow.Retract(krow.MustRow(2, 0.5))}
	b, err := Records.Serializer(in)
	assert.NoError(t, err)
	out, err := Records.Deserializer(b)
	assert.NoError(t, err)
	assert.Equal(t, in, out)
}
