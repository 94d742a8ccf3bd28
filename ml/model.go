package ml

// Regressor is a trained model producing one value per transformed row.
type Regressor interface {
	Predict(row []float64) (float64, error)
}

// Sized is implemented by regressors that know their input width.
type Sized interface {
	NumFeatures() int
}

// PricePredictor is what the HTTP layer and batch runner depend on.
type PricePredictor interface {
	PredictPrice(raw []float64) (float64, error)
}
