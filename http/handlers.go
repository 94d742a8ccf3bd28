package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"houseprice/db"
	"houseprice/ml"
	"houseprice/monitoring"
	"houseprice/pipeline"
)

// PriceUnit is the unit the model's target is expressed in.
const PriceUnit = "USD millions"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	multipartMemory     = 8 << 20
)

// HistoryStore persists predictions; *db.Store satisfies it.
type HistoryStore interface {
	SavePrediction(ctx context.Context, p db.Prediction) (int64, error)
	SaveBatch(ctx context.Context, batch db.BatchRecord, predictions []db.Prediction) error
	RecentPredictions(ctx context.Context, limit int) ([]db.Prediction, error)
}

// Deps 处理器依赖
type Deps struct {
	Predictor    ml.PricePredictor
	FeatureNames []string
	Metadata     ml.BoxCoxMetadata
	Store        HistoryStore
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	CacheSize    int
}

// API 预测接口
type API struct {
	predictor ml.PricePredictor
	names     []string
	meta      ml.BoxCoxMetadata
	store     HistoryStore
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	batches   *lru.Cache[string, *pipeline.BatchResult]
	validate  *validator.Validate
}

// NewAPI 创建预测接口
func NewAPI(deps Deps) (*API, error) {
	if deps.Predictor == nil {
		return nil, errors.New("predictor is required")
	}
	if len(deps.FeatureNames) == 0 {
		return nil, errors.New("feature names are required")
	}
	// every model feature must map onto a request field
	if _, err := ml.OrderedVector(ml.HouseFeatures{}, deps.FeatureNames); err != nil {
		return nil, fmt.Errorf("feature names: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.CacheSize <= 0 {
		deps.CacheSize = 32
	}

	cache, err := lru.New[string, *pipeline.BatchResult](deps.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("batch cache: %w", err)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	if err := v.RegisterValidation("flag", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return f == 0 || f == 1
	}); err != nil {
		return nil, err
	}

	return &API{
		predictor: deps.Predictor,
		names:     append([]string(nil), deps.FeatureNames...),
		meta:      deps.Metadata,
		store:     deps.Store,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		batches:   cache,
		validate:  v,
	}, nil
}

// Register 注册路由
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/model", a.handleModel)
	mux.HandleFunc("POST /api/predict", a.handlePredict)
	mux.HandleFunc("POST /api/predict/batch", a.handleBatch)
	mux.HandleFunc("GET /api/predict/batch/{id}/download", a.handleDownload)
	mux.HandleFunc("GET /api/predictions", a.handleHistory)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, a.logger, http.StatusOK, map[string]interface{}{
		"feature_names": a.names,
		"target":        ml.TargetName,
		"boxcox":        a.meta,
		"unit":          PriceUnit,
	})
}

type predictResponse struct {
	ID    int64   `json:"id,omitempty"`
	Price float64 `json:"price"`
	Unit  string  `json:"unit"`
}

type errorResponse struct {
	Error   string  `json:"error"`
	Stage   string  `json:"stage,omitempty"`
	Feature string  `json:"feature,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var features ml.HouseFeatures
	if err := json.NewDecoder(r.Body).Decode(&features); err != nil {
		respondError(w, a.logger, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := a.validate.Struct(features); err != nil {
		respondError(w, a.logger, http.StatusBadRequest, validationMessage(err))
		return
	}

	raw, err := ml.OrderedVector(features, a.names)
	if err != nil {
		respondError(w, a.logger, http.StatusInternalServerError, err.Error())
		return
	}

	price, err := a.predictor.PredictPrice(raw)
	if err != nil {
		a.respondPredictError(w, r, err)
		return
	}

	resp := predictResponse{Price: price, Unit: PriceUnit}
	if a.store != nil {
		id, err := a.store.SavePrediction(r.Context(), db.Prediction{
			Source:   db.SourceManual,
			Features: raw,
			Price:    price,
		})
		if err != nil {
			a.logger.Error("save prediction", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		} else {
			resp.ID = id
		}
	}
	respondJSON(w, a.logger, http.StatusOK, resp)
}

func (a *API) respondPredictError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ml.ValidationError
	if errors.As(err, &ve) {
		resp := errorResponse{Error: ve.Error(), Stage: ve.Stage, Feature: ve.Feature}
		// encoding/json cannot encode NaN or Inf
		if !math.IsNaN(ve.Value) && !math.IsInf(ve.Value, 0) {
			resp.Value = ve.Value
		}
		respondJSON(w, a.logger, http.StatusUnprocessableEntity, resp)
		return
	}
	a.logger.Error("predict", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
	respondError(w, a.logger, http.StatusInternalServerError, "prediction failed")
}

type batchPrediction struct {
	SourceRow int     `json:"source_row"`
	Price     float64 `json:"price"`
}

type batchResponse struct {
	BatchID     string                  `json:"batch_id"`
	Filename    string                  `json:"filename"`
	TotalRows   int                     `json:"total_rows"`
	Predicted   int                     `json:"predicted"`
	Skipped     int                     `json:"skipped"`
	SkippedRows []pipeline.QualityIssue `json:"skipped_rows"`
	FailedRows  []pipeline.QualityIssue `json:"failed_rows"`
	Predictions []batchPrediction       `json:"predictions"`
	Unit        string                  `json:"unit"`
	Download    map[string]string       `json:"download"`
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, a.logger, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		respondError(w, a.logger, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, a.logger, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	format, err := pipeline.DetectFormat(header.Filename)
	if err != nil {
		respondError(w, a.logger, http.StatusBadRequest, err.Error())
		return
	}
	table, err := pipeline.ReadTable(file, format)
	if err != nil {
		respondError(w, a.logger, http.StatusBadRequest, "read "+header.Filename+": "+err.Error())
		return
	}

	result, err := pipeline.NewBatchProcessor(a.predictor, a.names, a.logger).Run(table)
	switch {
	case errors.Is(err, pipeline.ErrMissingColumns), errors.Is(err, pipeline.ErrEmptyTable):
		respondError(w, a.logger, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.logger.Error("batch predict", zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		respondError(w, a.logger, http.StatusInternalServerError, "batch prediction failed")
		return
	}
	a.metrics.ObserveBatch(len(result.Rows), len(result.Skipped), len(result.Failed))

	batchID := uuid.NewString()
	a.batches.Add(batchID, result)
	a.saveBatch(r.Context(), batchID, header.Filename, result)

	resp := batchResponse{
		BatchID:     batchID,
		Filename:    header.Filename,
		TotalRows:   result.TotalRows(),
		Predicted:   len(result.Rows),
		Skipped:     result.SkippedCount(),
		SkippedRows: result.Skipped,
		FailedRows:  result.Failed,
		Predictions: make([]batchPrediction, len(result.Rows)),
		Unit:        PriceUnit,
		Download: map[string]string{
			string(pipeline.FormatCSV):  downloadPath(batchID, pipeline.FormatCSV),
			string(pipeline.FormatXLSX): downloadPath(batchID, pipeline.FormatXLSX),
		},
	}
	for i, row := range result.Rows {
		resp.Predictions[i] = batchPrediction{SourceRow: row.SourceRow, Price: row.Price}
	}
	respondJSON(w, a.logger, http.StatusOK, resp)
}

func (a *API) saveBatch(ctx context.Context, batchID, filename string, result *pipeline.BatchResult) {
	if a.store == nil {
		return
	}
	predictions := make([]db.Prediction, len(result.Rows))
	for i, row := range result.Rows {
		predictions[i] = db.Prediction{Features: row.Features, Price: row.Price}
	}
	record := db.BatchRecord{
		BatchID:   batchID,
		Filename:  filename,
		TotalRows: result.TotalRows(),
		Predicted: len(result.Rows),
		Skipped:   result.SkippedCount(),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveBatch(ctx, record, predictions); err != nil {
		a.logger.Error("save batch", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func downloadPath(batchID string, format pipeline.Format) string {
	return "/api/predict/batch/" + batchID + "/download?format=" + string(format)
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	result, ok := a.batches.Get(batchID)
	if !ok {
		respondError(w, a.logger, http.StatusNotFound, "batch not found or expired")
		return
	}

	format := pipeline.Format(strings.ToLower(r.URL.Query().Get("format")))
	if format == "" {
		format = pipeline.FormatCSV
	}

	var buf bytes.Buffer
	var contentType string
	var err error
	switch format {
	case pipeline.FormatCSV:
		contentType = "text/csv; charset=utf-8"
		err = pipeline.WriteCSV(&buf, result)
	case pipeline.FormatXLSX:
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = pipeline.WriteXLSX(&buf, result)
	default:
		respondError(w, a.logger, http.StatusBadRequest, "format must be csv or xlsx")
		return
	}
	if err != nil {
		a.logger.Error("export batch", zap.String("batch_id", batchID), zap.Error(err))
		respondError(w, a.logger, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pipeline.DownloadName(format)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		a.logger.Warn("write download", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, a.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	predictions := make([]db.Prediction, 0)
	if a.store != nil {
		var err error
		predictions, err = a.store.RecentPredictions(r.Context(), limit)
		if err != nil {
			a.logger.Error("load history", zap.Error(err))
			respondError(w, a.logger, http.StatusInternalServerError, "failed to load predictions")
			return
		}
	}
	respondJSON(w, a.logger, http.StatusOK, map[string]interface{}{
		"predictions": predictions,
		"count":       len(predictions),
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "flag":
			msgs = append(msgs, fmt.Sprintf("%s must be 0 or 1", fe.Field()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func respondJSON(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		logger.Warn("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	respondJSON(w, logger, status, errorResponse{Error: message})
}
