package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cuppa/internal/frame"
)

// Selector picks the input columns routed to one sub-transformer.
type Selector struct {
	Pattern string
}

// Columns returns the columns of X matching the pattern, in X's order.
func (s Selector) Columns(X *frame.Frame) ([]string, error) {
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: column pattern %q: %v", ErrInvalidConfig, s.Pattern, err)
	}
	return X.ColumnsMatching(re.MatchString), nil
}

// ColumnSpec routes the columns chosen by Columns to Step.
type ColumnSpec struct {
	Name    string
	Step    Step
	Columns Selector
}

// ColumnTransformer fits and applies independent steps to column subsets of the
// same frame and joins their outputs side by side in declaration order.
type ColumnTransformer struct {
	Transformers []ColumnSpec

	// NJobs bounds the number of steps run concurrently. -1 means one per CPU.
	NJobs int

	// VerboseFeatureNamesOut prefixes output columns with "{name}__".
	VerboseFeatureNamesOut bool
}

func NewColumnTransformer(specs []ColumnSpec, nJobs int) *ColumnTransformer {
	return &ColumnTransformer{Transformers: specs, NJobs: nJobs, VerboseFeatureNamesOut: true}
}

func (ct *ColumnTransformer) Unfitted() Step {
	specs := make([]ColumnSpec, len(ct.Transformers))
	for i, spec := range ct.Transformers {
		specs[i] = ColumnSpec{Name: spec.Name, Step: Unfitted(spec.Step), Columns: spec.Columns}
	}
	return &ColumnTransformer{Transformers: specs, NJobs: ct.NJobs, VerboseFeatureNamesOut: ct.VerboseFeatureNamesOut}
}

// Get returns the sub-step with the given name.
func (ct *ColumnTransformer) Get(name string) (Step, bool) {
	for _, spec := range ct.Transformers {
		if spec.Name == name {
			return spec.Step, true
		}
	}
	return nil, false
}

// Workers resolves an n_jobs setting against n units of work.
func Workers(nJobs, n int) int {
	w := nJobs
	if w < 0 {
		w = runtime.NumCPU()
	}
	if w == 0 {
		w = 1
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

func (ct *ColumnTransformer) subFrame(spec ColumnSpec, X *frame.Frame) (*frame.Frame, error) {
	cols, err := spec.Columns.Columns(X)
	if err != nil {
		return nil, err
	}
	return X.Select(cols)
}

func (ct *ColumnTransformer) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(ct.NJobs, len(ct.Transformers)))
	for _, spec := range ct.Transformers {
		g.Go(func() error {
			sub, err := ct.subFrame(spec, X)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.Name, err)
			}
			log.Debug().Str("transformer", spec.Name).Int("features", sub.NCols()).Msg("Fitting column transformer")
			if err := spec.Step.Fit(gctx, sub, y); err != nil {
				return fmt.Errorf("%s: %w", spec.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Transform returns the joined outputs indexed like X. Samples a step dropped
// are NaN in that step's columns.
func (ct *ColumnTransformer) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	outs := make([]*frame.Frame, len(ct.Transformers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(ct.NJobs, len(ct.Transformers)))
	for i, spec := range ct.Transformers {
		g.Go(func() error {
			sub, err := ct.subFrame(spec, X)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.Name, err)
			}
			out, err := spec.Step.Transform(gctx, sub)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.Name, err)
			}
			if ct.VerboseFeatureNamesOut {
				out = out.WithPrefix(spec.Name + "__")
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frame.HConcat(outs...).ReindexRows(X.Index, math.NaN()), nil
}

func (ct *ColumnTransformer) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return ct.Transform(ctx, X)
}

// FeatContrib concatenates the contributions of every sub-step that provides
// them, tagging rows with the sub-step name. It returns nil if none does.
func (ct *ColumnTransformer) FeatContrib(ctx context.Context, X *frame.Frame) (*frame.LongTable, error) {
	var tables []*frame.LongTable
	for _, spec := range ct.Transformers {
		a, ok := spec.Step.(Attributor)
		if !ok {
			continue
		}
		sub, err := ct.subFrame(spec, X)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		t, err := a.FeatContrib(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, err)
		}
		if t != nil {
			tables = append(tables, t.WithClfName(spec.Name))
		}
	}
	return frame.ConcatLong(tables...), nil
}
