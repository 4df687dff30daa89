package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"cuppa/internal/frame"
)

func init() {
	gob.Register(&Pipeline{})
	gob.Register(&ColumnTransformer{})
}

// Cache persists fitted steps. Load decodes the entry stored under key into into,
// which is an unfitted step of the same type and configuration, and reports
// whether the entry existed.
type Cache interface {
	Load(namespace, key string, into any) (bool, error)
	Save(namespace, key string, from any) error
}

// Recorder receives fit timings and cache outcomes.
type Recorder interface {
	CacheHitInc()
	CacheMissInc()
	StepFitObserve(step string, seconds float64)
}

// NamedStep is a pipeline stage.
type NamedStep struct {
	Name string
	Step Step
}

// Pipeline chains steps: each step is fitted on, and transforms, the output of
// the previous one.
type Pipeline struct {
	Steps []NamedStep

	cache     Cache
	namespace string
	recorder  Recorder
}

func New(steps ...NamedStep) *Pipeline {
	return &Pipeline{Steps: steps}
}

// WithCache makes Fit reuse fitted steps stored in c under namespace. Entries are
// keyed by step position, name and a fingerprint of the step configuration and
// training data, so a changed input never hits a stale entry.
func (p *Pipeline) WithCache(c Cache, namespace string) *Pipeline {
	p.cache = c
	p.namespace = namespace
	return p
}

func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// Unfitted returns a pipeline of unfitted copies of p's steps. The cache and
// recorder are not carried over.
func (p *Pipeline) Unfitted() Step {
	steps := make([]NamedStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = NamedStep{Name: s.Name, Step: Unfitted(s.Step)}
	}
	return New(steps...)
}

// Step returns the step with the given name.
func (p *Pipeline) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s.Step, true
		}
	}
	return nil, false
}

func (p *Pipeline) Fit(ctx context.Context, X *frame.Frame, y frame.Labels) error {
	for idx, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.fitStep(ctx, idx, s, X, y); err != nil {
			return err
		}
		if idx == len(p.Steps)-1 {
			break
		}
		var err error
		X, y, err = transformStep(ctx, s.Step, X, y)
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) fitStep(ctx context.Context, idx int, s NamedStep, X *frame.Frame, y frame.Labels) error {
	start := time.Now()
	var key string
	if p.cache != nil {
		var err error
		if key, err = cacheKey(idx, s, X, y); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		hit, err := p.cache.Load(p.namespace, key, s.Step)
		if err != nil {
			return fmt.Errorf("step %s: load cache: %w", s.Name, err)
		}
		if hit {
			log.Debug().Str("step", s.Name).Str("key", key).Msg("Loaded fitted step from cache")
			if p.recorder != nil {
				p.recorder.CacheHitInc()
			}
			return nil
		}
		if p.recorder != nil {
			p.recorder.CacheMissInc()
		}
	}

	if err := s.Step.Fit(ctx, X, y); err != nil {
		return fmt.Errorf("step %s: %w", s.Name, err)
	}
	elapsed := time.Since(start)
	if p.recorder != nil {
		p.recorder.StepFitObserve(s.Name, elapsed.Seconds())
	}
	log.Debug().Str("step", s.Name).Dur("duration", elapsed).Msg("Fitted step")

	if p.cache != nil {
		if err := p.cache.Save(p.namespace, key, s.Step); err != nil {
			return fmt.Errorf("step %s: save cache: %w", s.Name, err)
		}
	}
	return nil
}

// cacheKey is "{idx}_{name}@{hash}" where hash covers the step type, its
// unfitted configuration and the training data. Fitted state never enters the
// hash, so refitting an already fitted step finds the same entry.
func cacheKey(idx int, s NamedStep, X *frame.Frame, y frame.Labels) (string, error) {
	h := xxhash.New()
	fmt.Fprintf(h, "%T\x00", s.Step)

	var cfg bytes.Buffer
	if err := gob.NewEncoder(&cfg).Encode(Unfitted(s.Step)); err != nil {
		return "", fmt.Errorf("fingerprint step config: %w", err)
	}
	_, _ = h.Write(cfg.Bytes())

	for _, names := range [][]string{X.Index, X.Columns, y} {
		for _, n := range names {
			_, _ = h.WriteString(n)
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte{1})
	}
	var buf [8]byte
	for _, v := range X.Values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	return strconv.Itoa(idx) + "_" + s.Name + "@" + strconv.FormatUint(h.Sum64(), 16), nil
}

func transformStep(ctx context.Context, step Step, X *frame.Frame, y frame.Labels) (*frame.Frame, frame.Labels, error) {
	if r, ok := step.(Resampler); ok && y != nil {
		return r.TransformLabels(ctx, X, y)
	}
	out, err := step.Transform(ctx, X)
	return out, y, err
}

// TransformUntil runs the fitted steps in order, stopping after untilStep when it
// is non-empty. Outputs of the steps named in keepSteps are returned by name.
func (p *Pipeline) TransformUntil(ctx context.Context, X *frame.Frame, untilStep string, keepSteps []string) (*frame.Frame, map[string]*frame.Frame, error) {
	if untilStep != "" {
		if _, ok := p.Step(untilStep); !ok {
			return nil, nil, fmt.Errorf("pipeline has no step %q", untilStep)
		}
	}
	keep := make(map[string]bool, len(keepSteps))
	for _, name := range keepSteps {
		keep[name] = true
	}
	kept := make(map[string]*frame.Frame, len(keepSteps))
	for _, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		out, err := s.Step.Transform(ctx, X)
		if err != nil {
			return nil, nil, fmt.Errorf("step %s: %w", s.Name, err)
		}
		X = out
		if keep[s.Name] {
			kept[s.Name] = X
		}
		if s.Name == untilStep {
			break
		}
	}
	return X, kept, nil
}

func (p *Pipeline) Transform(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	out, _, err := p.TransformUntil(ctx, X, "", nil)
	return out, err
}

// head transforms X through every step but the last and returns the last step.
func (p *Pipeline) head(ctx context.Context, X *frame.Frame) (*frame.Frame, Step, error) {
	if len(p.Steps) == 0 {
		return nil, nil, fmt.Errorf("empty pipeline")
	}
	last := p.Steps[len(p.Steps)-1]
	if len(p.Steps) > 1 {
		var err error
		if X, _, err = p.TransformUntil(ctx, X, p.Steps[len(p.Steps)-2].Name, nil); err != nil {
			return nil, nil, err
		}
	}
	return X, last.Step, nil
}

func (p *Pipeline) PredictProba(ctx context.Context, X *frame.Frame) (*frame.Frame, error) {
	X, last, err := p.head(ctx, X)
	if err != nil {
		return nil, err
	}
	if pp, ok := last.(ProbaPredictor); ok {
		return pp.PredictProba(ctx, X)
	}
	return last.Transform(ctx, X)
}

// FeatContrib returns the contributions of the last step, or nil when it cannot
// attribute its output.
func (p *Pipeline) FeatContrib(ctx context.Context, X *frame.Frame) (*frame.LongTable, error) {
	if len(p.Steps) == 0 {
		return nil, nil
	}
	if _, ok := p.Steps[len(p.Steps)-1].Step.(Attributor); !ok {
		return nil, nil
	}
	X, last, err := p.head(ctx, X)
	if err != nil {
		return nil, err
	}
	return last.(Attributor).FeatContrib(ctx, X)
}
