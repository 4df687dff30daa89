// Package prediction holds the result of running the classifier: a long table
// with one row per (sample, data type, classifier, feature) and one value per
// predicted class, plus the summaries and performance reports built from it.
package prediction

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"cuppa/internal/dataio"
	"cuppa/internal/frame"
)

// Row data types.
const (
	DataTypeProb        = "prob"
	DataTypeFeatContrib = "feat_contrib"
	DataTypeSigQuantile = "sig_quantile"
)

// Classifier groups.
const (
	ClfGroupCombined = "combined"
	ClfGroupDNA      = "dna"
	ClfGroupRNA      = "rna"
)

var indexColumns = []string{"sample_id", "data_type", "clf_group", "clf_name", "feat_name", "feat_value"}

// Row is one measurement. For prob rows FeatName is empty and FeatValue NaN.
type Row struct {
	SampleID  string
	DataType  string
	ClfGroup  string
	ClfName   string
	FeatName  string
	FeatValue float64
	Values    []float64
}

// Prediction is the long result table. Values of every row are aligned with
// Classes.
type Prediction struct {
	Classes []string
	Rows    []Row
}

// Filter returns the rows for which keep is true. Rows are shared, not copied.
func (p *Prediction) Filter(keep func(Row) bool) *Prediction {
	out := &Prediction{Classes: p.Classes}
	for _, r := range p.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Probs returns the probability rows.
func (p *Prediction) Probs() *Prediction {
	return p.Filter(func(r Row) bool { return r.DataType == DataTypeProb })
}

// SampleIDs returns the samples in order of first appearance.
func (p *Prediction) SampleIDs() []string {
	return uniqueInOrder(p.Rows, func(r Row) string { return r.SampleID })
}

// ClfNames returns the classifier names in order of first appearance.
func (p *Prediction) ClfNames() []string {
	return uniqueInOrder(p.Rows, func(r Row) string { return r.ClfName })
}

func uniqueInOrder(rows []Row, key func(Row) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		k := key(r)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// ProbFrame returns the probabilities of one classifier as a sample by class
// frame.
func (p *Prediction) ProbFrame(clfName string) *frame.Frame {
	var (
		index []string
		vals  []float64
	)
	for _, r := range p.Rows {
		if r.DataType == DataTypeProb && r.ClfName == clfName {
			index = append(index, r.SampleID)
			vals = append(vals, r.Values...)
		}
	}
	f, _ := frame.New(index, p.Classes, vals)
	return f
}

// Concat appends predictions. Predictions with a different class set are
// realigned to the classes of the first; absent classes become NaN.
func Concat(preds ...*Prediction) *Prediction {
	var out *Prediction
	for _, p := range preds {
		if p == nil {
			continue
		}
		if out == nil {
			out = &Prediction{Classes: p.Classes}
		}
		pos := make(map[string]int, len(p.Classes))
		for k, c := range p.Classes {
			pos[c] = k
		}
		for _, r := range p.Rows {
			vals := make([]float64, len(out.Classes))
			for k, c := range out.Classes {
				if src, ok := pos[c]; ok {
					vals[k] = r.Values[src]
				} else {
					vals[k] = math.NaN()
				}
			}
			r.Values = vals
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Reorder stably sorts rows by the position of their sample in index. Samples
// absent from index sort last.
func (p *Prediction) Reorder(index []string) *Prediction {
	pos := make(map[string]int, len(index))
	for i, id := range index {
		pos[id] = i
	}
	rank := func(id string) int {
		if i, ok := pos[id]; ok {
			return i
		}
		return len(index)
	}
	out := &Prediction{Classes: p.Classes, Rows: append([]Row(nil), p.Rows...)}
	sort.SliceStable(out.Rows, func(a, b int) bool {
		return rank(out.Rows[a].SampleID) < rank(out.Rows[b].SampleID)
	})
	return out
}

// WriteTSV writes the table with the index columns followed by one column per
// class. NaN is written as an empty cell.
func (p *Prediction) WriteTSV(w io.Writer) error {
	cw := dataio.NewTSVWriter(w)
	if err := cw.Write(append(append([]string(nil), indexColumns...), p.Classes...)); err != nil {
		return err
	}
	rec := make([]string, len(indexColumns)+len(p.Classes))
	for _, r := range p.Rows {
		rec[0], rec[1], rec[2], rec[3], rec[4] = r.SampleID, r.DataType, r.ClfGroup, r.ClfName, r.FeatName
		rec[5] = dataio.FormatFloat(r.FeatValue)
		for k, v := range r.Values {
			rec[len(indexColumns)+k] = dataio.FormatFloat(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTSV parses a table written by WriteTSV.
func ReadTSV(r io.Reader) (*Prediction, error) {
	cr := dataio.NewTSVReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("prediction: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("prediction: read header: %w", err)
	}
	if _, err := dataio.ColumnIndex(header, indexColumns...); err != nil {
		return nil, fmt.Errorf("prediction: %w", err)
	}
	for i, c := range indexColumns {
		if header[i] != c {
			return nil, fmt.Errorf("prediction: column %d is %q, want %q", i, header[i], c)
		}
	}

	p := &Prediction{Classes: append([]string(nil), header[len(indexColumns):]...)}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("prediction: line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("prediction: line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		switch rec[1] {
		case DataTypeProb, DataTypeFeatContrib, DataTypeSigQuantile:
		default:
			return nil, fmt.Errorf("prediction: line %d: unknown data type %q", line, rec[1])
		}
		row := Row{SampleID: rec[0], DataType: rec[1], ClfGroup: rec[2], ClfName: rec[3], FeatName: rec[4]}
		if row.FeatValue, err = dataio.ParseFloat(rec[5]); err != nil {
			return nil, fmt.Errorf("prediction: line %d: feat_value: %w", line, err)
		}
		row.Values = make([]float64, len(p.Classes))
		for k := range p.Classes {
			if row.Values[k], err = dataio.ParseFloat(rec[len(indexColumns)+k]); err != nil {
				return nil, fmt.Errorf("prediction: line %d, class %s: %w", line, p.Classes[k], err)
			}
		}
		p.Rows = append(p.Rows, row)
	}
	return p, nil
}

// Save writes the table to path, gzip compressed when path ends in .gz.
func (p *Prediction) Save(path string) error {
	w, err := dataio.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTSV(w); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("n_rows", len(p.Rows)).Msg("Saved predictions")
	return nil
}

func Load(path string) (*Prediction, error) {
	r, err := dataio.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadTSV(r)
}
