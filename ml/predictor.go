package ml

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Predictor turns raw feature rows into prices. It only reads its fields, so
// one instance can be shared by concurrent requests.
type Predictor struct {
	model  Regressor
	names  []string
	meta   BoxCoxMetadata
	target BoxCoxParams
	logger *zap.Logger
}

func NewPredictor(a *Artifacts, logger *zap.Logger) (*Predictor, error) {
	if a == nil || a.Model == nil {
		return nil, errors.New("model is required")
	}
	if len(a.FeatureNames) == 0 {
		return nil, errors.New("feature names are required")
	}
	if sized, ok := a.Model.(Sized); ok && sized.NumFeatures() != len(a.FeatureNames) {
		return nil, fmt.Errorf("model expects %d features, feature list has %d", sized.NumFeatures(), len(a.FeatureNames))
	}
	target, ok := a.Metadata.Lookup(TargetName)
	if !ok {
		return nil, fmt.Errorf("metadata has no %q entry", TargetName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meta := make(BoxCoxMetadata, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	return &Predictor{
		model:  a.Model,
		names:  append([]string(nil), a.FeatureNames...),
		meta:   meta,
		target: target,
		logger: logger,
	}, nil
}

// FeatureNames returns a copy of the order PredictPrice expects.
func (p *Predictor) FeatureNames() []string {
	return append([]string(nil), p.names...)
}

// Metadata returns a copy of the Box-Cox table.
func (p *Predictor) Metadata() BoxCoxMetadata {
	out := make(BoxCoxMetadata, len(p.meta))
	for k, v := range p.meta {
		out[k] = v
	}
	return out
}

// PredictPrice validates raw, transforms it, runs the model and maps the
// result back to the price scale.
func (p *Predictor) PredictPrice(raw []float64) (float64, error) {
	for i, v := range raw {
		if !isFinite(v) {
			ve := &ValidationError{Stage: StageInput, Value: v, Reason: "input contains NaN or infinite values"}
			if i < len(p.names) {
				ve.Feature = p.names[i]
			}
			return 0, ve
		}
	}

	row, err := ForwardTransform(raw, p.names, p.meta)
	if err != nil {
		return 0, err
	}
	for _, v := range row {
		if !isFinite(v) {
			return 0, &ValidationError{Stage: StageForward, Value: v, Reason: "transformed input contains NaN or infinite values, check input ranges"}
		}
	}

	y, err := p.model.Predict(row)
	if err != nil {
		return 0, fmt.Errorf("model predict: %w", err)
	}
	p.logger.Debug("model output", zap.Float64("y_pred_transformed", y))

	return InverseTransform(y, p.target.Lambda, p.target.Shift)
}
