package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"houseprice/ml"
)

// Prediction outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Batch row statuses.
const (
	RowPredicted = "predicted"
	RowSkipped   = "skipped"
	RowFailed    = "failed"
)

// Metrics 预测服务指标
type Metrics struct {
	predictions      *prometheus.CounterVec
	validationErrors *prometheus.CounterVec
	duration         prometheus.Histogram
	batchRows        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 创建并注册指标
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "houseprice",
			Name:      "predictions_total",
			Help:      "Price predictions by outcome.",
		}, []string{"outcome"}),
		validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "houseprice",
			Name:      "validation_errors_total",
			Help:      "Rejected predictions by pipeline stage.",
		}, []string{"stage"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "houseprice",
			Name:      "prediction_duration_seconds",
			Help:      "Time spent in a single price prediction.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		batchRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "houseprice",
			Name:      "batch_rows_total",
			Help:      "Batch rows by status.",
		}, []string{"status"}),
		gatherer: reg,
	}
	reg.MustRegister(m.predictions, m.validationErrors, m.duration, m.batchRows)
	return m
}

// ObservePrediction 记录一次预测
func (m *Metrics) ObservePrediction(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(elapsed.Seconds())

	var ve *ml.ValidationError
	switch {
	case err == nil:
		m.predictions.WithLabelValues(OutcomeOK).Inc()
	case errors.As(err, &ve):
		m.predictions.WithLabelValues(OutcomeInvalid).Inc()
		m.validationErrors.WithLabelValues(ve.Stage).Inc()
	default:
		m.predictions.WithLabelValues(OutcomeError).Inc()
	}
}

// ObserveBatch 记录批量预测行数
func (m *Metrics) ObserveBatch(predicted, skipped, failed int) {
	if m == nil {
		return
	}
	m.batchRows.WithLabelValues(RowPredicted).Add(float64(predicted))
	m.batchRows.WithLabelValues(RowSkipped).Add(float64(skipped))
	m.batchRows.WithLabelValues(RowFailed).Add(float64(failed))
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// InstrumentedPredictor wraps a predictor so every call is observed.
type InstrumentedPredictor struct {
	Next    ml.PricePredictor
	Metrics *Metrics
}

func (p InstrumentedPredictor) PredictPrice(raw []float64) (float64, error) {
	start := time.Now()
	price, err := p.Next.PredictPrice(raw)
	p.Metrics.ObservePrediction(time.Since(start), err)
	return price, err
}
