package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"houseprice/ml"
)

type stubPredictor struct {
	price float64
	err   error
}

func (s stubPredictor) PredictPrice(raw []float64) (float64, error) {
	return s.price, s.err
}

func TestInstrumentedPredictorCountsOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	ok := InstrumentedPredictor{Next: stubPredictor{price: 24}, Metrics: m}
	invalid := InstrumentedPredictor{Next: stubPredictor{err: &ml.ValidationError{Stage: ml.StageForward}}, Metrics: m}
	broken := InstrumentedPredictor{Next: stubPredictor{err: errors.New("boom")}, Metrics: m}

	if price, err := ok.PredictPrice(nil); err != nil || price != 24 {
		t.Fatalf("unexpected result %v %v", price, err)
	}
	_, _ = invalid.PredictPrice(nil)
	_, _ = invalid.PredictPrice(nil)
	_, _ = broken.PredictPrice(nil)

	if got := testutil.ToFloat64(m.predictions.WithLabelValues(OutcomeOK)); got != 1 {
		t.Fatalf("ok: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictions.WithLabelValues(OutcomeInvalid)); got != 2 {
		t.Fatalf("invalid: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.validationErrors.WithLabelValues(ml.StageForward)); got != 2 {
		t.Fatalf("forward stage: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.predictions.WithLabelValues(OutcomeError)); got != 1 {
		t.Fatalf("error: expected 1, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveBatch(3, 1, 0)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `houseprice_batch_rows_total{status="predicted"} 3`) {
		t.Fatalf("missing batch counter in output:\n%s", rr.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePrediction(0, nil)
	m.ObserveBatch(1, 1, 1)
}
