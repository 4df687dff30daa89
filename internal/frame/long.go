package frame

// LongRow is one keyed measurement of a long-format table: a (sample, feature)
// pair carrying one value per class.
type LongRow struct {
	SampleID  string
	ClfName   string
	FeatName  string
	FeatValue float64
	Values    []float64
}

// LongTable is a long-format table whose value columns are Classes. It carries
// per-feature outputs such as feature contributions and cohort quantiles.
type LongTable struct {
	Classes []string
	Rows    []LongRow
}

// WithClfName returns a copy of the table whose rows are tagged with name.
func (t *LongTable) WithClfName(name string) *LongTable {
	out := &LongTable{Classes: t.Classes, Rows: make([]LongRow, len(t.Rows))}
	for i, r := range t.Rows {
		r.ClfName = name
		out.Rows[i] = r
	}
	return out
}

// ConcatLong appends tables that share a class ordering. Tables with a different
// class set are realigned to the first table's classes; absent classes become NaN.
func ConcatLong(tables ...*LongTable) *LongTable {
	var out *LongTable
	for _, t := range tables {
		if t == nil {
			continue
		}
		if out == nil {
			out = &LongTable{Classes: t.Classes}
		}
		if sameStrings(out.Classes, t.Classes) {
			out.Rows = append(out.Rows, t.Rows...)
			continue
		}
		pos := make(map[string]int, len(t.Classes))
		for k, c := range t.Classes {
			pos[c] = k
		}
		for _, r := range t.Rows {
			vals := make([]float64, len(out.Classes))
			for k, c := range out.Classes {
				if src, ok := pos[c]; ok {
					vals[k] = r.Values[src]
				} else {
					vals[k] = nan
				}
			}
			r.Values = vals
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
