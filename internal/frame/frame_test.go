package frame

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValueCountMismatch(t *testing.T) {
	_, err := New([]string{"s1"}, []string{"a", "b"}, []float64{1})
	require.Error(t, err)
}

func TestSelect_MissingColumns(t *testing.T) {
	f := MustFromRows([]string{"s1"}, []string{"a", "b"}, [][]float64{{1, 2}})

	_, err := f.Select([]string{"b", "x", "y"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingColumns))

	var mce *MissingColumnsError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, []string{"x", "y"}, mce.Columns)

	sub, err := f.Select([]string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, sub.Row(0))
}

func TestReindexColumns_FillsAbsent(t *testing.T) {
	f := MustFromRows([]string{"s1", "s2"}, []string{"a"}, [][]float64{{1}, {2}})
	out := f.ReindexColumns([]string{"b", "a"}, -1e-8)

	assert.Equal(t, []string{"b", "a"}, out.Columns)
	assert.Equal(t, []float64{-1e-8, 1, -1e-8, 2}, out.Values)
}

func TestHConcat_OuterJoinsRows(t *testing.T) {
	a := MustFromRows([]string{"s1", "s2"}, []string{"a"}, [][]float64{{1}, {2}})
	b := MustFromRows([]string{"s2", "s3"}, []string{"b"}, [][]float64{{20}, {30}})

	out := HConcat(a, b)
	assert.Equal(t, []string{"s1", "s2", "s3"}, out.Index)
	assert.Equal(t, []string{"a", "b"}, out.Columns)
	assert.Equal(t, 1.0, out.At(0, 0))
	assert.True(t, math.IsNaN(out.At(0, 1)))
	assert.Equal(t, []float64{2, 20}, out.Row(1))
	assert.True(t, math.IsNaN(out.At(2, 0)))
}

func TestVConcat_UnionColumns(t *testing.T) {
	a := MustFromRows([]string{"s1"}, []string{"a", "b"}, [][]float64{{1, 2}})
	b := MustFromRows([]string{"s2"}, []string{"b", "c"}, [][]float64{{3, 4}})

	out := VConcat(a, b)
	assert.Equal(t, []string{"a", "b", "c"}, out.Columns)
	assert.Equal(t, []string{"s1", "s2"}, out.Index)
	assert.True(t, math.IsNaN(out.At(0, 2)))
	assert.True(t, math.IsNaN(out.At(1, 0)))
	assert.Equal(t, 3.0, out.At(1, 1))
}

func TestNormalizeRows_ZeroSumBecomesNaN(t *testing.T) {
	f := MustFromRows([]string{"s1", "s2"}, []string{"a", "b"}, [][]float64{{1, 3}, {0, 0}})
	f.NormalizeRows()

	assert.InDelta(t, 0.25, f.At(0, 0), 1e-12)
	assert.InDelta(t, 0.75, f.At(0, 1), 1e-12)
	assert.True(t, math.IsNaN(f.At(1, 0)))
	assert.True(t, math.IsNaN(f.At(1, 1)))
}

func TestWithPrefix_SharesValues(t *testing.T) {
	f := MustFromRows([]string{"s1"}, []string{"a"}, [][]float64{{1}})
	p := f.WithPrefix("gen_pos__")

	j, ok := p.ColIndex("gen_pos__a")
	require.True(t, ok)
	assert.Equal(t, 0, j)
	assert.Equal(t, []string{"a"}, p.TrimPrefix("gen_pos__").Columns)
}

func TestDense_EmptyFrame(t *testing.T) {
	f := Filled(nil, []string{"a"}, 0)
	assert.Nil(t, f.Dense())
	assert.Equal(t, 0, f.NRows())
}

func TestLabels_Classes(t *testing.T) {
	y := Labels{"Lung", "Breast", "Lung", "Skin"}
	assert.Equal(t, []string{"Breast", "Lung", "Skin"}, y.Classes())
	assert.Equal(t, Labels{"Breast", "Skin"}, y.Subset([]int{1, 3}))
	assert.Equal(t, 2, y.Counts()["Lung"])
}

func TestConcatLong_RealignsClasses(t *testing.T) {
	a := &LongTable{Classes: []string{"A", "B"}, Rows: []LongRow{{SampleID: "s1", Values: []float64{1, 2}}}}
	b := &LongTable{Classes: []string{"B"}, Rows: []LongRow{{SampleID: "s2", Values: []float64{5}}}}

	out := ConcatLong(a, nil, b)
	require.Len(t, out.Rows, 2)
	assert.True(t, math.IsNaN(out.Rows[1].Values[0]))
	assert.Equal(t, 5.0, out.Rows[1].Values[1])
}
