package ml

import (
	"fmt"
	"math"
)

// BoxCoxParams is the fitted pair for one column.
type BoxCoxParams struct {
	Lambda float64 `json:"lambda"`
	Shift  float64 `json:"shift"`
}

// BoxCoxMetadata maps a feature name (or TargetName) to its fitted
// parameters. Columns without an entry were not transformed at training time.
type BoxCoxMetadata map[string]BoxCoxParams

func (m BoxCoxMetadata) Lookup(name string) (BoxCoxParams, bool) {
	p, ok := m[name]
	return p, ok
}

// Forward applies the transform to a single raw value.
//
// The +1 offset is only added when the shift is nonzero; models trained
// against this metadata expect exactly that.
func (p BoxCoxParams) Forward(name string, value float64) (float64, error) {
	shifted := value
	if p.Shift != 0 {
		shifted = value - p.Shift + 1
	}
	if shifted <= 0 || !isFinite(shifted) {
		return 0, &ValidationError{
			Stage:   StageForward,
			Feature: name,
			Value:   shifted,
			Reason:  fmt.Sprintf("must be positive and finite after shifting, got %v", shifted),
		}
	}

	var out float64
	if p.Lambda == 0 {
		out = math.Log(shifted)
	} else {
		out = (math.Pow(shifted, p.Lambda) - 1) / p.Lambda
	}
	if !isFinite(out) {
		return 0, &ValidationError{
			Stage:   StageForward,
			Feature: name,
			Value:   out,
			Reason:  fmt.Sprintf("transformed value is not finite, got %v", out),
		}
	}
	return out, nil
}

// ForwardTransform maps raw values into the model's input space. Values and
// names are paired positionally; features absent from meta pass through.
func ForwardTransform(features []float64, names []string, meta BoxCoxMetadata) ([]float64, error) {
	n := len(features)
	if len(names) < n {
		n = len(names)
	}

	row := make([]float64, n)
	for i := 0; i < n; i++ {
		params, ok := meta.Lookup(names[i])
		if !ok {
			row[i] = features[i]
			continue
		}
		v, err := params.Forward(names[i], features[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}

	for i, v := range row {
		if !isFinite(v) {
			return nil, &ValidationError{
				Stage:   StageForward,
				Feature: names[i],
				Value:   v,
				Reason:  "transformed input contains NaN or infinite values",
			}
		}
	}
	return row, nil
}

// InverseTransform maps a model output back to the target's original scale.
func InverseTransform(y, lambda, shift float64) (float64, error) {
	if !isFinite(y) {
		return 0, &ValidationError{
			Stage:  StageInverse,
			Value:  y,
			Reason: fmt.Sprintf("invalid transformed prediction: %v", y),
		}
	}

	base := y*lambda + 1
	if base <= 0 {
		return 0, &ValidationError{
			Stage:  StageInverse,
			Value:  base,
			Reason: fmt.Sprintf("inverse Box-Cox base is non-positive: %v", base),
		}
	}

	var out float64
	if lambda == 0 {
		out = math.Exp(y)
	} else {
		out = math.Pow(base, 1/lambda)
	}
	if !isFinite(out) {
		return 0, &ValidationError{
			Stage:  StageInverse,
			Value:  out,
			Reason: fmt.Sprintf("inverse-transformed prediction is not finite, got %v", out),
		}
	}
	return out + shift, nil
}
