package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lvonguyen/cloudsentry/internal/features"
)

// modelDocumentSchema describes the on-disk linear model format.
const modelDocumentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "bias", "features"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "bias": {"type": "number"},
    "features": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "weight"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "weight": {"type": "number"},
          "min": {"type": "number"},
          "max": {"type": "number"},
          "cap": {"type": "number", "exclusiveMinimum": 0}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// LinearTerm is one weighted input of a LinearModel.
type LinearTerm struct {
	Name   string   `json:"name"`
	Weight float64  `json:"weight"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	// Cap clips unbounded counts before weighting.
	Cap *float64 `json:"cap,omitempty"`
}

type linearDocument struct {
	Version  string       `json:"version"`
	Bias     float64      `json:"bias"`
	Features []LinearTerm `json:"features"`
}

// LinearModel is a logistic regression scorer. It holds no mutable state
// and may be shared across goroutines.
type LinearModel struct {
	version string
	bias    float64
	terms   []LinearTerm
	schema  features.Schema
}

// NewLinearModel builds a model from its terms.
func NewLinearModel(version string, bias float64, terms []LinearTerm) (*LinearModel, error) {
	if version == "" {
		return nil, fmt.Errorf("linear model: version is required")
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("linear model: no features")
	}
	schema := make(features.Schema, len(terms))
	seen := make(map[string]bool, len(terms))
	for i, t := range terms {
		if seen[t.Name] {
			return nil, fmt.Errorf("linear model: duplicate feature %q", t.Name)
		}
		seen[t.Name] = true

		f := features.Feature{Name: t.Name, Min: 0, Max: math.Inf(1)}
		if t.Min != nil {
			f.Min = *t.Min
		}
		if t.Max != nil {
			f.Max = *t.Max
		}
		if f.Min > f.Max {
			return nil, fmt.Errorf("linear model: feature %q has min > max", t.Name)
		}
		schema[i] = f
	}
	return &LinearModel{
		version: version,
		bias:    bias,
		terms:   append([]LinearTerm(nil), terms...),
		schema:  schema,
	}, nil
}

// LoadLinearModel reads and validates a model document.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	return ParseLinearModel(data)
}

// ParseLinearModel validates data against the model document schema and
// decodes it.
func ParseLinearModel(data []byte) (*LinearModel, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(modelDocumentSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("model validation error: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return nil, fmt.Errorf("model failed schema validation: %s", strings.Join(issues, "; "))
	}

	var doc linearDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return NewLinearModel(doc.Version, doc.Bias, doc.Features)
}

func (m *LinearModel) Schema() features.Schema { return m.schema }
func (m *LinearModel) Version() string         { return m.version }
func (m *LinearModel) Reentrant() bool         { return true }

// Score returns sigmoid(bias + sum(weight * x)). The model does not report
// its own confidence.
func (m *LinearModel) Score(ctx context.Context, values []float64) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if len(values) != len(m.terms) {
		return Prediction{}, fmt.Errorf("expected %d values, got %d", len(m.terms), len(values))
	}
	z := m.bias
	for i, t := range m.terms {
		x := values[i]
		if t.Cap != nil && x > *t.Cap {
			x = *t.Cap
		}
		z += t.Weight * x
	}
	return Prediction{Probability: sigmoid(z)}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
