// Package frame provides the sample-indexed numeric tables that flow through the
// classifier: a dense feature/probability matrix with named rows and columns, the
// aligned label vector, and a long-format keyed table for per-feature outputs.
//
// Rows are samples (unique IDs), columns are feature or class names. Missing values
// are NaN. Data is stored row-major in a flat slice so that it can be handed to
// gonum as a *mat.Dense without copying.
package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrMissingColumns is returned (wrapped in *MissingColumnsError) when a lookup
// asks for columns the frame does not have.
var ErrMissingColumns = errors.New("missing columns")

var nan = math.NaN()

// MissingColumnsError lists the columns that could not be found.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	shown := e.Columns
	if len(shown) > 10 {
		shown = shown[:10]
	}
	msg := fmt.Sprintf("%d missing columns: %s", len(e.Columns), strings.Join(shown, ", "))
	if len(e.Columns) > len(shown) {
		msg += ", ..."
	}
	return msg
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }

// Frame is a dense float64 matrix with a sample index and column names.
type Frame struct {
	Index   []string
	Columns []string
	Values  []float64

	colPos map[string]int
	rowPos map[string]int
}

// New creates a frame from row-major values. values may be nil, in which case the
// frame is zero-filled.
func New(index, columns []string, values []float64) (*Frame, error) {
	n := len(index) * len(columns)
	if values == nil {
		values = make([]float64, n)
	}
	if len(values) != n {
		return nil, fmt.Errorf("frame: got %d values for %d rows x %d columns", len(values), len(index), len(columns))
	}
	return build(append([]string(nil), index...), append([]string(nil), columns...), values), nil
}

// build wires the lookup maps. Index and Columns must not be mutated afterwards.
func build(index, columns []string, values []float64) *Frame {
	return &Frame{
		Index:   index,
		Columns: columns,
		Values:  values,
		colPos:  positions(columns),
		rowPos:  positions(index),
	}
}

// Filled returns a frame with every cell set to fill.
func Filled(index, columns []string, fill float64) *Frame {
	f, _ := New(index, columns, nil)
	if fill != 0 {
		for i := range f.Values {
			f.Values[i] = fill
		}
	}
	return f
}

// FromRows builds a frame from a slice of rows.
func FromRows(index, columns []string, rows [][]float64) (*Frame, error) {
	if len(rows) != len(index) {
		return nil, fmt.Errorf("frame: got %d rows for %d index entries", len(rows), len(index))
	}
	values := make([]float64, 0, len(index)*len(columns))
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("frame: row %d has %d values, want %d", i, len(r), len(columns))
		}
		values = append(values, r...)
	}
	return New(index, columns, values)
}

// MustFromRows is FromRows that panics on error. Intended for tests and literals.
func MustFromRows(index, columns []string, rows [][]float64) *Frame {
	f, err := FromRows(index, columns, rows)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Frame) NRows() int { return len(f.Index) }
func (f *Frame) NCols() int { return len(f.Columns) }

func (f *Frame) At(i, j int) float64     { return f.Values[i*len(f.Columns)+j] }
func (f *Frame) Set(i, j int, v float64) { f.Values[i*len(f.Columns)+j] = v }

// Row returns a view of row i. Writes go through to the frame.
func (f *Frame) Row(i int) []float64 {
	c := len(f.Columns)
	return f.Values[i*c : (i+1)*c : (i+1)*c]
}

// Col returns a copy of column j.
func (f *Frame) Col(j int) []float64 {
	out := make([]float64, len(f.Index))
	for i := range f.Index {
		out[i] = f.At(i, j)
	}
	return out
}

// Dense exposes the frame as a gonum matrix sharing the backing slice. Returns nil
// for frames with no rows or no columns, which gonum cannot represent.
func (f *Frame) Dense() *mat.Dense {
	if len(f.Index) == 0 || len(f.Columns) == 0 {
		return nil
	}
	return mat.NewDense(len(f.Index), len(f.Columns), f.Values)
}

// ColIndex returns the position of a column.
func (f *Frame) ColIndex(name string) (int, bool) {
	if f.colPos == nil {
		return linearFind(f.Columns, name)
	}
	j, ok := f.colPos[name]
	return j, ok
}

// RowIndex returns the position of a sample.
func (f *Frame) RowIndex(id string) (int, bool) {
	if f.rowPos == nil {
		return linearFind(f.Index, id)
	}
	i, ok := f.rowPos[id]
	return i, ok
}

func linearFind(names []string, name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

func positions(names []string) map[string]int {
	m := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := m[n]; !dup {
			m[n] = i
		}
	}
	return m
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out, _ := New(f.Index, f.Columns, append([]float64(nil), f.Values...))
	return out
}

// Empty returns a frame with the same columns and no rows.
func (f *Frame) Empty() *Frame {
	out, _ := New(nil, f.Columns, nil)
	return out
}

// Select returns the named columns in the requested order.
func (f *Frame) Select(columns []string) (*Frame, error) {
	idx := make([]int, len(columns))
	var missing []string
	for k, c := range columns {
		j, ok := f.ColIndex(c)
		if !ok {
			missing = append(missing, c)
			continue
		}
		idx[k] = j
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	return f.SelectColIdx(idx), nil
}

// SelectColIdx returns the columns at the given positions.
func (f *Frame) SelectColIdx(idx []int) *Frame {
	cols := make([]string, len(idx))
	for k, j := range idx {
		cols[k] = f.Columns[j]
	}
	out, _ := New(f.Index, cols, nil)
	for i := range f.Index {
		src := f.Row(i)
		dst := out.Row(i)
		for k, j := range idx {
			dst[k] = src[j]
		}
	}
	return out
}

// SelectRowIdx returns the rows at the given positions, in that order.
func (f *Frame) SelectRowIdx(idx []int) *Frame {
	index := make([]string, len(idx))
	for k, i := range idx {
		index[k] = f.Index[i]
	}
	out, _ := New(index, f.Columns, nil)
	for k, i := range idx {
		copy(out.Row(k), f.Row(i))
	}
	return out
}

// ReindexColumns returns a frame with exactly the given columns; columns the frame
// lacks are filled with fill.
func (f *Frame) ReindexColumns(columns []string, fill float64) *Frame {
	out := Filled(f.Index, columns, fill)
	for k, c := range columns {
		j, ok := f.ColIndex(c)
		if !ok {
			continue
		}
		for i := range f.Index {
			out.Set(i, k, f.At(i, j))
		}
	}
	return out
}

// ReindexRows returns a frame with exactly the given samples; samples the frame
// lacks are filled with fill.
func (f *Frame) ReindexRows(index []string, fill float64) *Frame {
	out := Filled(index, f.Columns, fill)
	for k, id := range index {
		i, ok := f.RowIndex(id)
		if !ok {
			continue
		}
		copy(out.Row(k), f.Row(i))
	}
	return out
}

// ColumnsMatching returns the column names for which keep returns true, in frame order.
func (f *Frame) ColumnsMatching(keep func(string) bool) []string {
	var out []string
	for _, c := range f.Columns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// WithPrefix returns a shallow copy whose column names carry prefix.
func (f *Frame) WithPrefix(prefix string) *Frame {
	cols := make([]string, len(f.Columns))
	for j, c := range f.Columns {
		cols[j] = prefix + c
	}
	return build(f.Index, cols, f.Values)
}

// TrimPrefix returns a shallow copy with prefix removed from every column that has it.
func (f *Frame) TrimPrefix(prefix string) *Frame {
	cols := make([]string, len(f.Columns))
	for j, c := range f.Columns {
		cols[j] = strings.TrimPrefix(c, prefix)
	}
	return build(f.Index, cols, f.Values)
}

// Apply replaces every value v with fn(v), in place, and returns f.
func (f *Frame) Apply(fn func(float64) float64) *Frame {
	for i, v := range f.Values {
		f.Values[i] = fn(v)
	}
	return f
}

// NormalizeRows divides each row by its sum, in place. A row summing to zero becomes NaN.
func (f *Frame) NormalizeRows() *Frame {
	for i := range f.Index {
		NormalizeInPlace(f.Row(i))
	}
	return f
}

// NormalizeInPlace divides v by its sum. A zero-sum vector becomes all NaN.
func NormalizeInPlace(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x
	}
	for k := range v {
		v[k] /= sum
	}
	if sum == 0 {
		for k := range v {
			v[k] = nan
		}
	}
}

// RowHasNaN reports whether row i contains a NaN in any of the column positions.
func (f *Frame) RowHasNaN(i int, cols []int) bool {
	row := f.Row(i)
	for _, j := range cols {
		if math.IsNaN(row[j]) {
			return true
		}
	}
	return false
}

// HConcat joins frames side by side. Rows are outer-joined on the sample index in
// order of first appearance; cells absent from a frame are NaN.
func HConcat(frames ...*Frame) *Frame {
	var index, columns []string
	seen := make(map[string]bool)
	for _, f := range frames {
		for _, id := range f.Index {
			if !seen[id] {
				seen[id] = true
				index = append(index, id)
			}
		}
		columns = append(columns, f.Columns...)
	}
	out := Filled(index, columns, nan)
	offset := 0
	for _, f := range frames {
		for i, id := range f.Index {
			k, _ := out.RowIndex(id)
			copy(out.Row(k)[offset:offset+len(f.Columns)], f.Row(i))
		}
		offset += len(f.Columns)
	}
	return out
}

// VConcat stacks frames vertically. Columns are the union in order of first
// appearance; cells absent from a frame are NaN.
func VConcat(frames ...*Frame) *Frame {
	var index, columns []string
	seen := make(map[string]bool)
	for _, f := range frames {
		index = append(index, f.Index...)
		for _, c := range f.Columns {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	out := Filled(index, columns, nan)
	row := 0
	for _, f := range frames {
		pos := make([]int, len(f.Columns))
		for j, c := range f.Columns {
			pos[j], _ = out.ColIndex(c)
		}
		for i := range f.Index {
			dst := out.Row(row)
			for j, v := range f.Row(i) {
				dst[pos[j]] = v
			}
			row++
		}
	}
	return out
}

// SortedUnique returns the sorted distinct values of names.
func SortedUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
