// Package classifier adapts pluggable threat scoring models to the
// detection pipeline. Models are injected through the Scorer interface;
// the Classifier validates inputs, bounds scoring time and derives
// confidence when a model does not report one.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lvonguyen/cloudsentry/internal/features"
)

// Prediction is the raw output of a scorer.
type Prediction struct {
	Probability   float64
	Confidence    float64
	HasConfidence bool
}

// Scorer is a threat likelihood model over a declared feature schema.
type Scorer interface {
	// Schema returns the ordered features the model was trained on.
	Schema() features.Schema
	// Version identifies the model build.
	Version() string
	// Score returns the threat probability for a vector laid out per Schema.
	Score(ctx context.Context, values []float64) (Prediction, error)
}

// Reentrant is implemented by scorers that may be invoked concurrently.
// Scorers that do not implement it are serialized.
type Reentrant interface {
	Reentrant() bool
}

// Result is a validated classification.
type Result struct {
	Probability  float64   `json:"probability"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	ScoredAt     time.Time `json:"scored_at"`
}

// SchemaMismatchError reports a vector that does not fit the scorer schema.
type SchemaMismatchError struct {
	Expected []string
	Got      []string
	Feature  string
	Value    float64
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("schema mismatch: feature %s=%v: %s", e.Feature, e.Value, e.Reason)
	}
	return fmt.Sprintf("schema mismatch: %s (expected %d features [%s], got %d [%s])",
		e.Reason, len(e.Expected), strings.Join(e.Expected, ","), len(e.Got), strings.Join(e.Got, ","))
}

// ScorerError marks a classification as undetermined because the scorer
// failed, timed out or returned an invalid prediction.
type ScorerError struct {
	ModelVersion string
	Err          error
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("scorer %s: %v", e.ModelVersion, e.Err)
}

func (e *ScorerError) Unwrap() error { return e.Err }

// Config tunes the classifier.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second}
}

// Classifier wraps a Scorer. Safe for concurrent use; a non-reentrant
// scorer is entered by one goroutine at a time while validation and
// everything around it proceed in parallel.
type Classifier struct {
	scorer  Scorer
	schema  features.Schema
	timeout time.Duration
	sem     chan struct{} // nil when the scorer is reentrant
}

// New creates a classifier around scorer.
func New(scorer Scorer, cfg Config) *Classifier {
	c := &Classifier{
		scorer:  scorer,
		schema:  scorer.Schema(),
		timeout: cfg.Timeout,
	}
	if r, ok := scorer.(Reentrant); !ok || !r.Reentrant() {
		c.sem = make(chan struct{}, 1)
	}
	return c
}

// ModelVersion returns the scorer version.
func (c *Classifier) ModelVersion() string { return c.scorer.Version() }

// Schema returns the feature layout the scorer expects.
func (c *Classifier) Schema() features.Schema { return c.schema }

// Classify validates v against the scorer schema and scores it. It fails
// with *SchemaMismatchError for invalid input and *ScorerError when the
// model cannot produce a usable prediction.
func (c *Classifier) Classify(ctx context.Context, v features.Vector) (Result, error) {
	if err := c.validate(v); err != nil {
		return Result{}, err
	}

	pred, err := c.score(ctx, v.Values())
	if err != nil {
		return Result{}, &ScorerError{ModelVersion: c.scorer.Version(), Err: err}
	}

	if math.IsNaN(pred.Probability) || pred.Probability < 0 || pred.Probability > 1 {
		return Result{}, &ScorerError{
			ModelVersion: c.scorer.Version(),
			Err:          fmt.Errorf("probability %v outside [0,1]", pred.Probability),
		}
	}

	confidence := DeriveConfidence(pred.Probability)
	if pred.HasConfidence {
		if math.IsNaN(pred.Confidence) || pred.Confidence < 0 || pred.Confidence > 1 {
			return Result{}, &ScorerError{
				ModelVersion: c.scorer.Version(),
				Err:          fmt.Errorf("confidence %v outside [0,1]", pred.Confidence),
			}
		}
		confidence = pred.Confidence
	}

	return Result{
		Probability:  pred.Probability,
		Confidence:   confidence,
		ModelVersion: c.scorer.Version(),
		ScoredAt:     time.Now().UTC(),
	}, nil
}

// DeriveConfidence measures how far p sits from the decision boundary.
func DeriveConfidence(p float64) float64 {
	return math.Abs(p-0.5) * 2
}

func (c *Classifier) validate(v features.Vector) error {
	got := v.Schema()
	if v.Len() != len(c.schema) || !got.SameLayout(c.schema) {
		reason := "feature order differs"
		if v.Len() != len(c.schema) {
			reason = "feature count differs"
		}
		return &SchemaMismatchError{
			Expected: c.schema.Names(),
			Got:      got.Names(),
			Reason:   reason,
		}
	}
	for i, val := range v.Values() {
		if f := c.schema[i]; !f.Contains(val) {
			return &SchemaMismatchError{
				Feature: f.Name,
				Value:   val,
				Reason:  fmt.Sprintf("outside [%v, %v]", f.Min, f.Max),
			}
		}
	}
	return nil
}

type scoreOutcome struct {
	pred Prediction
	err  error
}

func (c *Classifier) score(ctx context.Context, values []float64) (Prediction, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return Prediction{}, ctx.Err()
		}
	}

	done := make(chan scoreOutcome, 1)
	go func() {
		// The slot is held until the scorer returns, even past a timeout,
		// so a non-reentrant model is never entered twice.
		if c.sem != nil {
			defer func() { <-c.sem }()
		}
		defer func() {
			if r := recover(); r != nil {
				done <- scoreOutcome{err: fmt.Errorf("scorer panic: %v", r)}
			}
		}()
		pred, err := c.scorer.Score(ctx, values)
		done <- scoreOutcome{pred: pred, err: err}
	}()

	select {
	case out := <-done:
		return out.pred, out.err
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}

// FuncScorer adapts a plain function to Scorer.
type FuncScorer struct {
	schema    features.Schema
	version   string
	fn        func(ctx context.Context, values []float64) (Prediction, error)
	reentrant bool
}

// NewFuncScorer wraps fn. reentrant declares whether fn may run concurrently.
func NewFuncScorer(schema features.Schema, version string, reentrant bool,
	fn func(ctx context.Context, values []float64) (Prediction, error)) *FuncScorer {
	return &FuncScorer{schema: schema, version: version, fn: fn, reentrant: reentrant}
}

func (f *FuncScorer) Schema() features.Schema { return f.schema }
func (f *FuncScorer) Version() string         { return f.version }
func (f *FuncScorer) Reentrant() bool         { return f.reentrant }

func (f *FuncScorer) Score(ctx context.Context, values []float64) (Prediction, error) {
	return f.fn(ctx, values)
}
