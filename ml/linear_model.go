package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// LinearModel is an ordinary least squares fit exported from training.
type LinearModel struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

func (m *LinearModel) NumFeatures() int {
	return len(m.Coefficients)
}

func (m *LinearModel) Predict(row []float64) (float64, error) {
	if len(m.Coefficients) == 0 {
		return 0, errors.New("model not loaded")
	}
	if len(row) != len(m.Coefficients) {
		return 0, fmt.Errorf("model expects %d features, got %d", len(m.Coefficients), len(row))
	}
	x := mat.NewVecDense(len(row), append([]float64(nil), row...))
	w := mat.NewVecDense(len(m.Coefficients), append([]float64(nil), m.Coefficients...))
	return mat.Dot(w, x) + m.Intercept, nil
}

func (m *LinearModel) Save(path string) error {
	if len(m.Coefficients) == 0 {
		return errors.New("model not loaded")
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (m *LinearModel) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded LinearModel
	if err := json.Unmarshal(payload, &loaded); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if len(loaded.Coefficients) == 0 {
		return fmt.Errorf("%s: no coefficients", path)
	}
	for i, c := range loaded.Coefficients {
		if !isFinite(c) {
			return fmt.Errorf("%s: coefficient %d is not finite", path, i)
		}
	}
	if !isFinite(loaded.Intercept) {
		return fmt.Errorf("%s: intercept is not finite", path)
	}
	*m = loaded
	return nil
}
