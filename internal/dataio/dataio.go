// Package dataio loads the tab-separated inputs of a training or prediction run:
// feature matrices in wide or long layout, sample metadata and fusion override
// rules. Files ending in .gz are decompressed transparently.
package dataio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
	"cuppa/internal/ml"
)

// SampleIDColumn is the header of the sample identifier column in every input.
const SampleIDColumn = "sample_id"

type gzReadCloser struct {
	*gzip.Reader
	f *os.File
}

func (r *gzReadCloser) Close() error {
	err := r.Reader.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open opens path for reading, decompressing it when the name ends in .gz.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", path, err)
	}
	return &gzReadCloser{Reader: zr, f: f}, nil
}

type gzWriteCloser struct {
	*gzip.Writer
	f *os.File
}

func (w *gzWriteCloser) Close() error {
	err := w.Writer.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Create creates path for writing, compressing when the name ends in .gz.
func Create(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	return &gzWriteCloser{Writer: gzip.NewWriter(f), f: f}, nil
}

// NewTSVReader returns a csv.Reader for tab-separated text without quoting.
func NewTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

// NewTSVWriter returns a csv.Writer for tab-separated text.
func NewTSVWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return cw
}

// ParseFloat reads a TSV cell. Empty cells and NA spellings are NaN.
func ParseFloat(s string) (float64, error) {
	switch s {
	case "", "NA", "NaN", "nan", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// FormatFloat writes a TSV cell. NaN is an empty cell.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ColumnIndex maps required header names to their positions, failing with a
// *frame.MissingColumnsError naming every absent column.
func ColumnIndex(header []string, required ...string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	var missing []string
	for _, r := range required {
		if _, ok := pos[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, &frame.MissingColumnsError{Columns: missing}
	}
	return pos, nil
}

func readHeader(cr *csv.Reader, path string) ([]string, error) {
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	return header, nil
}

// LoadFeatureMatrix reads a wide sample-by-feature TSV whose first column holds
// the sample IDs.
func LoadFeatureMatrix(path string) (*frame.Frame, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	X, err := ReadFeatureMatrix(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Int("n_samples", X.NRows()).
		Int("n_features", X.NCols()).
		Msg("Loaded feature matrix")
	return X, nil
}

func ReadFeatureMatrix(r io.Reader) (*frame.Frame, error) {
	cr := NewTSVReader(r)
	header, err := readHeader(cr, "feature matrix")
	if err != nil {
		return nil, err
	}
	if len(header) < 1 {
		return nil, fmt.Errorf("feature matrix header has no sample column")
	}
	columns := header[1:]

	var (
		index  []string
		values []float64
		seen   = make(map[string]bool)
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		if seen[rec[0]] {
			return nil, fmt.Errorf("line %d: duplicate sample %q", line, rec[0])
		}
		seen[rec[0]] = true
		index = append(index, rec[0])
		for j, cell := range rec[1:] {
			v, err := ParseFloat(cell)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, columns[j], err)
			}
			values = append(values, v)
		}
	}
	return frame.New(index, columns, values)
}

// WriteFeatureMatrix writes X in the layout read by ReadFeatureMatrix.
func WriteFeatureMatrix(w io.Writer, X *frame.Frame) error {
	cw := NewTSVWriter(w)
	if err := cw.Write(append([]string{SampleIDColumn}, X.Columns...)); err != nil {
		return err
	}
	rec := make([]string, X.NCols()+1)
	for i, id := range X.Index {
		rec[0] = id
		for j, v := range X.Row(i) {
			rec[j+1] = FormatFloat(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LoadFeaturesLong reads a long TSV with columns sample_id, category, key and
// value, pivoted to one column per "{category}.{key}".
func LoadFeaturesLong(path string) (*frame.Frame, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	X, err := ReadFeaturesLong(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Int("n_samples", X.NRows()).
		Int("n_features", X.NCols()).
		Msg("Loaded long-format features")
	return X, nil
}

// AbsentValue marks a DNA feature group that is entirely absent for a sample,
// as opposed to present with a value of zero.
const AbsentValue = -1e-8

// RNACategories are the feature categories measured from RNA. A sample without
// them is left NaN so that the RNA classifiers skip it.
var RNACategories = []string{"gene_exp", "alt_sj"}

func isRNACategory(cat string) bool {
	top, _, _ := strings.Cut(cat, ".")
	return slices.Contains(RNACategories, top)
}

// ReadFeaturesLong pivots long-format features. A feature missing for a sample
// is 0 when the sample has other features of the same category. When the sample
// has no features of that category at all, DNA features are AbsentValue and RNA
// features are NaN.
func ReadFeaturesLong(r io.Reader) (*frame.Frame, error) {
	cr := NewTSVReader(r)
	header, err := readHeader(cr, "long features")
	if err != nil {
		return nil, err
	}
	pos, err := ColumnIndex(header, SampleIDColumn, "category", "key", "value")
	if err != nil {
		return nil, err
	}

	type cell struct {
		row, col int
		v        float64
	}
	var (
		index    []string
		columns  []string
		category []string
		rowPos   = make(map[string]int)
		colPos   = make(map[string]int)
		cells    []cell
		present  = make(map[[2]string]bool)
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		sample, cat := rec[pos[SampleIDColumn]], rec[pos["category"]]
		name := cat + "." + rec[pos["key"]]
		v, err := ParseFloat(rec[pos["value"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		i, ok := rowPos[sample]
		if !ok {
			i = len(index)
			rowPos[sample] = i
			index = append(index, sample)
		}
		j, ok := colPos[name]
		if !ok {
			j = len(columns)
			colPos[name] = j
			columns = append(columns, name)
			category = append(category, cat)
		}
		present[[2]string{sample, cat}] = true
		cells = append(cells, cell{row: i, col: j, v: v})
	}

	X, err := frame.New(index, columns, nil)
	if err != nil {
		return nil, err
	}
	absent := make([]float64, len(columns))
	for j, cat := range category {
		absent[j] = AbsentValue
		if isRNACategory(cat) {
			absent[j] = math.NaN()
		}
	}
	for i, sample := range index {
		for j := range columns {
			if !present[[2]string{sample, category[j]}] {
				X.Set(i, j, absent[j])
			}
		}
	}
	for _, c := range cells {
		X.Set(c.row, c.col, c.v)
	}
	return X, nil
}

// Metadata holds the per-sample labels of a training cohort.
type Metadata struct {
	Index      []string
	CancerType frame.Labels

	// RNAReadLength is empty when the column is absent from the file.
	RNAReadLength []string
}

// LoadMetadata reads a TSV with columns sample_id, cancer_type and optionally
// rna_read_length.
func LoadMetadata(path string) (*Metadata, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	m, err := ReadMetadata(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Int("n_samples", len(m.Index)).Msg("Loaded metadata")
	return m, nil
}

func ReadMetadata(r io.Reader) (*Metadata, error) {
	cr := NewTSVReader(r)
	header, err := readHeader(cr, "metadata")
	if err != nil {
		return nil, err
	}
	pos, err := ColumnIndex(header, SampleIDColumn, "cancer_type")
	if err != nil {
		return nil, err
	}
	readLenCol, hasReadLen := -1, false
	for i, h := range header {
		if h == "rna_read_length" {
			readLenCol, hasReadLen = i, true
		}
	}

	m := &Metadata{}
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		id := rec[pos[SampleIDColumn]]
		if seen[id] {
			return nil, fmt.Errorf("line %d: duplicate sample %q", line, id)
		}
		seen[id] = true
		m.Index = append(m.Index, id)
		m.CancerType = append(m.CancerType, rec[pos["cancer_type"]])
		if hasReadLen {
			m.RNAReadLength = append(m.RNAReadLength, rec[readLenCol])
		}
	}
	return m, nil
}

// Align returns the metadata reordered to index. Every sample in index must be
// present.
func (m *Metadata) Align(index []string) (*Metadata, error) {
	pos := make(map[string]int, len(m.Index))
	for i, id := range m.Index {
		pos[id] = i
	}
	var missing []string
	idx := make([]int, len(index))
	for k, id := range index {
		i, ok := pos[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		idx[k] = i
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("metadata has no entry for %d samples: %w", len(missing), &frame.MissingColumnsError{Columns: missing})
	}

	out := &Metadata{
		Index:      append([]string(nil), index...),
		CancerType: m.CancerType.Subset(idx),
	}
	if len(m.RNAReadLength) > 0 {
		out.RNAReadLength = make([]string, len(idx))
		for k, i := range idx {
			out.RNAReadLength[k] = m.RNAReadLength[i]
		}
	}
	return out, nil
}

// SplitLabels returns the labels used to stratify cross-validation folds: the
// cancer type, combined with the RNA read length when known so that folds are
// balanced on both.
func (m *Metadata) SplitLabels() frame.Labels {
	if len(m.RNAReadLength) == 0 {
		return m.CancerType
	}
	out := make(frame.Labels, len(m.CancerType))
	for i, c := range m.CancerType {
		out[i] = c + "__" + m.RNAReadLength[i]
	}
	return out
}

// LoadFusionOverrides reads a fusion override rule file with columns
// feat_prefix, feat_basename and target_class.
func LoadFusionOverrides(path string) ([]ml.FusionOverride, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	rules, err := ReadFusionOverrides(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Int("n_rules", len(rules)).Msg("Loaded fusion overrides")
	return rules, nil
}

func ReadFusionOverrides(r io.Reader) ([]ml.FusionOverride, error) {
	cr := NewTSVReader(r)
	header, err := readHeader(cr, "fusion overrides")
	if err != nil {
		return nil, err
	}
	pos, err := ColumnIndex(header, "feat_prefix", "feat_basename", "target_class")
	if err != nil {
		return nil, fmt.Errorf("fusion overrides: %w", err)
	}

	var rules []ml.FusionOverride
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		rules = append(rules, ml.FusionOverride{
			FeatPrefix:   rec[pos["feat_prefix"]],
			FeatBasename: rec[pos["feat_basename"]],
			TargetClass:  rec[pos["target_class"]],
		})
	}
	return rules, nil
}
