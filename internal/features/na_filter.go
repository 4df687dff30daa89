package features

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
)

// NaRowFilter drops samples with missing values in a set of columns. It is
// used to remove samples without RNA data from the RNA classifiers.
type NaRowFilter struct {
	// Pattern restricts the checked columns to names matching this regular
	// expression. Empty means all columns.
	Pattern string

	// UseFirstCol checks only the first matched column, as a proxy for the whole
	// feature group being absent for the sample.
	UseFirstCol bool
}

func NewNaRowFilter(pattern string, useFirstCol bool) (*NaRowFilter, error) {
	if pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("na row filter: invalid pattern %q: %w", pattern, err)
		}
	}
	return &NaRowFilter{Pattern: pattern, UseFirstCol: useFirstCol}, nil
}

func (f *NaRowFilter) Fit(context.Context, *frame.Frame, frame.Labels) error { return nil }

func (f *NaRowFilter) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	out, _, err := f.TransformLabels(ctx, X, nil)
	return out, err
}

// TransformLabels drops the same rows from X and y, preserving relative order.
func (f *NaRowFilter) TransformLabels(_ context.Context, X *frame.Frame, y frame.Labels) (*frame.Frame, frame.Labels, error) {
	if err := frame.CheckAligned(X, y); err != nil {
		return nil, nil, err
	}
	cols, err := f.checkedColumns(X)
	if err != nil {
		return nil, nil, err
	}

	keep := make([]int, 0, X.NRows())
	for i := 0; i < X.NRows(); i++ {
		if !X.RowHasNaN(i, cols) {
			keep = append(keep, i)
		}
	}
	if len(keep) == X.NRows() {
		return X, y, nil
	}

	log.Debug().
		Int("dropped", X.NRows()-len(keep)).
		Int("kept", len(keep)).
		Str("pattern", f.Pattern).
		Msg("Dropped samples with missing values")

	return X.SelectRowIdx(keep), y.Subset(keep), nil
}

func (f *NaRowFilter) checkedColumns(X *frame.Frame) ([]int, error) {
	var re *regexp.Regexp
	if f.Pattern != "" {
		var err error
		if re, err = regexp.Compile(f.Pattern); err != nil {
			return nil, fmt.Errorf("na row filter: %w", err)
		}
	}
	var cols []int
	for j, c := range X.Columns {
		if re != nil && !re.MatchString(c) {
			continue
		}
		cols = append(cols, j)
		if f.UseFirstCol {
			break
		}
	}
	return cols, nil
}
