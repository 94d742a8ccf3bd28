package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"houseprice/db"
	"houseprice/ml"
	"houseprice/monitoring"
	"houseprice/pipeline"
)

// stubPredictor prices a row as the sum of its features and rejects a
// crime_rate above 100 the way the Box-Cox stage rejects bad input.
type stubPredictor struct {
	err error
}

func (s *stubPredictor) PredictPrice(raw []float64) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if raw[0] > 100 {
		return 0, &ml.ValidationError{Stage: ml.StageForward, Feature: "crime_rate", Value: raw[0], Reason: "out of range"}
	}
	total := 0.0
	for _, v := range raw {
		total += v
	}
	return total, nil
}

type memoryStore struct {
	predictions []db.Prediction
	batches     []db.BatchRecord
	err         error
}

func (m *memoryStore) SavePrediction(ctx context.Context, p db.Prediction) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	p.ID = int64(len(m.predictions) + 1)
	m.predictions = append(m.predictions, p)
	return p.ID, nil
}

func (m *memoryStore) SaveBatch(ctx context.Context, b db.BatchRecord, ps []db.Prediction) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, b)
	for _, p := range ps {
		p.BatchID = b.BatchID
		p.Source = db.SourceBatch
		p.ID = int64(len(m.predictions) + 1)
		m.predictions = append(m.predictions, p)
	}
	return nil
}

func (m *memoryStore) RecentPredictions(ctx context.Context, limit int) ([]db.Prediction, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]db.Prediction, 0, limit)
	for i := len(m.predictions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.predictions[i])
	}
	return out, nil
}

func newTestAPI(t *testing.T, predictor ml.PricePredictor, store HistoryStore) *API {
	t.Helper()
	api, err := NewAPI(Deps{
		Predictor:    predictor,
		FeatureNames: ml.FeatureNames(),
		Metadata:     ml.BoxCoxMetadata{ml.TargetName: {Lambda: 0.5}},
		Store:        store,
		CacheSize:    2,
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func serve(api *API, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	api.Register(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, nil)
	rr := serve(api, httptest.NewRequest("GET", "/api/health", nil))

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	expected := `{"status":"ok"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestModelHandler(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, nil)
	rr := serve(api, httptest.NewRequest("GET", "/api/model", nil))

	var body struct {
		FeatureNames []string          `json:"feature_names"`
		Target       string            `json:"target"`
		BoxCox       ml.BoxCoxMetadata `json:"boxcox"`
	}
	decode(t, rr, &body)
	if len(body.FeatureNames) != 12 || body.Target != "price" || body.BoxCox["price"].Lambda != 0.5 {
		t.Fatalf("unexpected model info: %+v", body)
	}
}

func TestPredictHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		predictErr error
		wantStatus int
		wantError  string
	}{
		{
			name:       "ok",
			body:       `{"crime_rate":1,"room_num":6,"airport":1}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "malformed json",
			body:       `{"crime_rate":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "negative feature",
			body:       `{"crime_rate":-1}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "crime_rate must be >= 0",
		},
		{
			name:       "flag out of range",
			body:       `{"waterbody_River":2}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "waterbody_River must be 0 or 1",
		},
		{
			name:       "rejected by transform",
			body:       `{"crime_rate":500}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "forward",
		},
		{
			name:       "model failure",
			body:       `{"crime_rate":1}`,
			predictErr: errors.New("model predict: broken"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "prediction failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{}
			api := newTestAPI(t, &stubPredictor{err: tt.predictErr}, store)
			rr := serve(api, httptest.NewRequest("POST", "/api/predict", strings.NewReader(tt.body)))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				var resp errorResponse
				decode(t, rr, &resp)
				if !strings.Contains(resp.Error, tt.wantError) {
					t.Fatalf("error %q does not mention %q", resp.Error, tt.wantError)
				}
				if len(store.predictions) != 0 {
					t.Fatalf("failed prediction was stored")
				}
				return
			}

			var resp predictResponse
			decode(t, rr, &resp)
			if resp.Price != 8 || resp.Unit != PriceUnit || resp.ID != 1 {
				t.Fatalf("unexpected response: %+v", resp)
			}
			if len(store.predictions) != 1 || store.predictions[0].Source != db.SourceManual {
				t.Fatalf("prediction not stored: %+v", store.predictions)
			}
		})
	}
}

func TestPredictValidationErrorDetails(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, nil)
	rr := serve(api, httptest.NewRequest("POST", "/api/predict", strings.NewReader(`{"crime_rate":500}`)))

	var resp errorResponse
	decode(t, rr, &resp)
	if resp.Stage != ml.StageForward || resp.Feature != "crime_rate" || resp.Value != 500 {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestPredictStoreFailureStillAnswers(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, &memoryStore{err: errors.New("disk full")})
	rr := serve(api, httptest.NewRequest("POST", "/api/predict", strings.NewReader(`{"room_num":3}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

// batchFile builds a CSV with every model feature plus a trailing id column.
func batchFile(rows ...string) string {
	names := ml.FeatureNames()
	var b strings.Builder
	b.WriteString(strings.Join(names, ",") + ",id\n")
	for _, r := range rows {
		b.WriteString(r + "\n")
	}
	return b.String()
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/predict/batch", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestBatchUploadAndDownload(t *testing.T) {
	store := &memoryStore{}
	api := newTestAPI(t, &stubPredictor{}, store)

	content := batchFile(
		"1,1,1,1,1,1,1,1,1,1,YES,NO,a",
		"1,x,1,1,1,1,1,1,1,1,YES,NO,b",
		"500,1,1,1,1,1,1,1,1,1,NO,NO,c",
		"2,2,2,2,2,2,2,2,2,2,NO,YES,d",
	)
	rr := serve(api, uploadRequest(t, "houses.csv", content))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body %s", rr.Code, rr.Body.String())
	}

	var resp batchResponse
	decode(t, rr, &resp)
	if resp.TotalRows != 4 || resp.Predicted != 2 || resp.Skipped != 2 {
		t.Fatalf("unexpected counts: %+v", resp)
	}
	if len(resp.SkippedRows) != 1 || resp.SkippedRows[0].SourceRow != 2 {
		t.Fatalf("unexpected skipped rows: %+v", resp.SkippedRows)
	}
	if len(resp.FailedRows) != 1 || resp.FailedRows[0].SourceRow != 3 {
		t.Fatalf("unexpected failed rows: %+v", resp.FailedRows)
	}
	if resp.Predictions[0].Price != 11 || resp.Predictions[1].Price != 21 {
		t.Fatalf("unexpected predictions: %+v", resp.Predictions)
	}
	if len(store.batches) != 1 || store.batches[0].BatchID != resp.BatchID || len(store.predictions) != 2 {
		t.Fatalf("batch not stored: %+v", store.batches)
	}

	dl := serve(api, httptest.NewRequest("GET", resp.Download["csv"], nil))
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d", dl.Code)
	}
	if cd := dl.Header().Get("Content-Disposition"); !strings.Contains(cd, "predicted_prices.csv") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	records, err := csv.NewReader(dl.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 || records[0][len(records[0])-1] != pipeline.PriceColumn {
		t.Fatalf("unexpected download: %q", records)
	}
	if records[1][12] != "a" || records[2][12] != "d" {
		t.Fatalf("row order not kept: %q", records)
	}

	xlsx := serve(api, httptest.NewRequest("GET", resp.Download["xlsx"], nil))
	if xlsx.Code != http.StatusOK || !strings.Contains(xlsx.Header().Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("xlsx download: %d %q", xlsx.Code, xlsx.Header().Get("Content-Type"))
	}

	bad := serve(api, httptest.NewRequest("GET", "/api/predict/batch/"+resp.BatchID+"/download?format=pdf", nil))
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", bad.Code)
	}
}

func TestBatchUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     string
	}{
		{"unsupported extension", "houses.json", "{}", "unsupported"},
		{"missing columns", "houses.csv", "crime_rate,room_num\n1,2\n", "missing required columns"},
		{"empty file", "houses.csv", "", "no header row"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, &stubPredictor{}, nil)
			rr := serve(api, uploadRequest(t, tt.filename, tt.content))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Fatalf("body %q does not mention %q", rr.Body.String(), tt.want)
			}
		})
	}

	api := newTestAPI(t, &stubPredictor{}, nil)
	req := httptest.NewRequest("POST", "/api/predict/batch", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	if rr := serve(api, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d", rr.Code)
	}
}

func TestDownloadEvictedBatch(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, nil)
	row := "1,1,1,1,1,1,1,1,1,1,0,0,a"

	var ids []string
	for i := 0; i < 3; i++ {
		rr := serve(api, uploadRequest(t, "houses.csv", batchFile(row)))
		var resp batchResponse
		decode(t, rr, &resp)
		ids = append(ids, resp.BatchID)
	}

	// cache holds two batches, so the first one is gone
	if rr := serve(api, httptest.NewRequest("GET", "/api/predict/batch/"+ids[0]+"/download", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("evicted batch status = %d", rr.Code)
	}
	if rr := serve(api, httptest.NewRequest("GET", "/api/predict/batch/"+ids[2]+"/download", nil)); rr.Code != http.StatusOK {
		t.Fatalf("recent batch status = %d", rr.Code)
	}
}

func TestHistoryHandler(t *testing.T) {
	store := &memoryStore{}
	api := newTestAPI(t, &stubPredictor{}, store)
	for _, body := range []string{`{"age":1}`, `{"age":2}`, `{"age":3}`} {
		serve(api, httptest.NewRequest("POST", "/api/predict", strings.NewReader(body)))
	}

	rr := serve(api, httptest.NewRequest("GET", "/api/predictions?limit=2", nil))
	var resp struct {
		Predictions []db.Prediction `json:"predictions"`
		Count       int             `json:"count"`
	}
	decode(t, rr, &resp)
	if resp.Count != 2 || resp.Predictions[0].Price != 3 {
		t.Fatalf("unexpected history: %+v", resp)
	}

	if rr := serve(api, httptest.NewRequest("GET", "/api/predictions?limit=abc", nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rr.Code)
	}
}

func TestServerHandlerMetricsAndMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	predictor := monitoring.InstrumentedPredictor{Next: &stubPredictor{}, Metrics: metrics}
	api, err := NewAPI(Deps{
		Predictor:    predictor,
		FeatureNames: ml.FeatureNames(),
		Metrics:      metrics,
	})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	handler := NewHandler(DefaultServerConfig(), api, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/predict", strings.NewReader(`{"crime_rate":500}`)))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" || rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("middleware headers missing: %v", rr.Header())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `houseprice_predictions_total{outcome="invalid"} 1`) {
		t.Fatalf("metrics missing prediction counter:\n%s", body)
	}
	if !strings.Contains(body, `houseprice_validation_errors_total{stage="forward"} 1`) {
		t.Fatalf("metrics missing validation counter:\n%s", body)
	}
}

func TestNewAPIRejectsUnknownFeatureNames(t *testing.T) {
	names := append(ml.FeatureNames(), "lot_size")
	_, err := NewAPI(Deps{Predictor: &stubPredictor{}, FeatureNames: names})
	if err == nil || !strings.Contains(err.Error(), "lot_size") {
		t.Fatalf("expected unknown feature error, got %v", err)
	}
}

func TestErrorBodyIsNotHTMLEscaped(t *testing.T) {
	api := newTestAPI(t, &stubPredictor{}, nil)
	rr := serve(api, httptest.NewRequest("POST", "/api/predict", strings.NewReader(`{"age":-3}`)))
	if !strings.Contains(rr.Body.String(), "age must be >= 0") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}
