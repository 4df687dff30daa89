package ml

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
	"cuppa/internal/pipeline"
)

const (
	CombineMultiply = "multiply"

	DNAPrefix = "dna_combined__"
	RNAPrefix = "rna_combined__"
)

// ProbCombiner merges the DNA and RNA meta-classifier probabilities into one
// prediction per sample.
type ProbCombiner struct {
	Mode      string
	ProbFloor float64
	DNAPrefix string
	RNAPrefix string
}

func NewProbCombiner(mode string, probFloor float64) (*ProbCombiner, error) {
	c := &ProbCombiner{Mode: mode, ProbFloor: probFloor, DNAPrefix: DNAPrefix, RNAPrefix: RNAPrefix}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ProbCombiner) validate() error {
	if c.Mode != CombineMultiply {
		return fmt.Errorf("%w: combine mode must be %q, got %q", pipeline.ErrInvalidConfig, CombineMultiply, c.Mode)
	}
	if c.ProbFloor < 0 || c.ProbFloor >= 1 {
		return fmt.Errorf("%w: prob floor must be in [0, 1), got %v", pipeline.ErrInvalidConfig, c.ProbFloor)
	}
	return nil
}

func (c *ProbCombiner) Fit(context.Context, *frame.Frame, frame.Labels) error { return c.validate() }

// Transform splits X by prefix into DNA and RNA probabilities. Samples without
// RNA probabilities are left out. For the rest both probabilities are floored at
// ProbFloor, multiplied and renormalised. Output columns are the DNA classes.
func (c *ProbCombiner) Transform(_ context.Context, X *frame.Frame) (*frame.Frame, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	dna, err := X.Select(X.ColumnsMatching(func(s string) bool { return strings.HasPrefix(s, c.DNAPrefix) }))
	if err != nil {
		return nil, err
	}
	dna = dna.TrimPrefix(c.DNAPrefix)
	rna, err := X.Select(X.ColumnsMatching(func(s string) bool { return strings.HasPrefix(s, c.RNAPrefix) }))
	if err != nil {
		return nil, err
	}
	rna = rna.TrimPrefix(c.RNAPrefix)

	keep := make([]int, 0, X.NRows())
	if rna.NCols() > 0 {
		for i := 0; i < rna.NRows(); i++ {
			if !math.IsNaN(rna.At(i, 0)) {
				keep = append(keep, i)
			}
		}
	}
	if dropped := X.NRows() - len(keep); dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("Samples without RNA probabilities have no combined prediction")
	}

	dna = dna.SelectRowIdx(keep)
	rna = rna.SelectRowIdx(keep).ReindexColumns(dna.Columns, c.ProbFloor)
	out := dna.Clone()
	for i := 0; i < out.NRows(); i++ {
		row := out.Row(i)
		other := rna.Row(i)
		for k := range row {
			row[k] = c.floor(row[k]) * c.floor(other[k])
		}
		frame.NormalizeInPlace(row)
	}
	return out, nil
}

func (c *ProbCombiner) floor(p float64) float64 {
	if p < c.ProbFloor {
		return c.ProbFloor
	}
	return p
}

func (c *ProbCombiner) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	return c.Transform(ctx, X)
}
