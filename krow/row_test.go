package krow

import (
	"encoding/json"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestValueCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"null before int", Null(), Int(0), -1},
		{"int before text", Int(10), Text("a"), -1},
		{"ints", Int(3), Int(2), 1},
		{"int float numeric", Int(1), Float(1.5), -1},
		{"int float tie broken by kind", Int(1), Float(1), -1},
		{"texts", Text("b"), Text("a"), 1},
		{"equal", Text("x"), Text("x"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestValueAdd(t *testing.T) {
	assert.Equal(t, Int(5), Int(2).Add(Int(3)))
	assert.Equal(t, Float(2.5), Int(2).Add(Float(0.5)))
	assert.Equal(t, Int(2), Null().Add(Int(2)))
	assert.Equal(t, Int(-4), Int(4).Neg())
}

func TestValueJSON(t *testing.T) {
	row := Row{Int(1), Float(2), Text("x"), Null()}
	b, err := json.Marshal(row)
	assert.NoError(t, err)
	assert.Equal(t, `[1,2.0,"x",null]`, string(b))

	var back Row
	assert.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, row, back)
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(int32(7))
	assert.NoError(t, err)
	assert.Equal(t, Int(7), v)

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestRowsEqualIsMultiset(t *testing.T) {
	a := Rows{MustRow(1, "a"), MustRow(2, "b"), MustRow(1, "a")}
	b := Rows{MustRow(2, "b"), MustRow(1, "a"), MustRow(1, "a")}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(b[:2]))
}

func TestRecordsApply(t *testing.T) {
	rows, ok := Records{
		Insert(MustRow(1)),
		Insert(MustRow(1)),
		Retract(MustRow(1)),
	}.Apply(nil)
	assert.True(t, ok)
	assert.Equal(t, Rows{MustRow(1)}, rows)

	_, ok = Records{Retract(MustRow(9))}.Apply(rows)
	assert.False(t, ok)
}
