package ml

import (
	"fmt"
)

// LoadModel reads a trained regressor of the given type.
func LoadModel(modelType, path string) (Regressor, error) {
	switch modelType {
	case "linear_regression", "linear":
		model := &LinearModel{}
		if err := model.Load(path); err != nil {
			return nil, err
		}
		return model, nil
	case "decision_tree":
		model := &DecisionTree{}
		if err := model.Load(path); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}
