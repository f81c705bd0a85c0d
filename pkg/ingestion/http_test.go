package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/dlp"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
	"github.com/mist-health/mdf-pipeline/pkg/normalizer"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
	"github.com/mist-health/mdf-pipeline/pkg/worker"
)

// testServer wires the handler to a real pipeline running on a worker pool.
func testServer(t *testing.T) (*mux.Router, chan string) {
	t.Helper()
	store := dataset.NewMemoryStore()
	terms := terminology.DefaultCatalog()
	scrubber, err := dlp.NewScrubber(dlp.DefaultRules())
	if err != nil {
		t.Fatalf("scrubber: %v", err)
	}
	p, err := deid.NewHMACPseudonymizer("http-test")
	if err != nil {
		t.Fatalf("pseudonymizer: %v", err)
	}
	orch := pipeline.New(store, pipeline.Stages{
		Detector:     detect.New(0),
		Mapper:       mapping.NewMapper(mapping.Targets(terms), 0),
		Normalizer:   normalizer.New(terms, 0),
		Deidentifier: deid.New(p, scrubber, nil),
		Salts:        deid.NewMemorySalts(),
	}, pipeline.Options{Persist: httpclient.Backoff{Attempts: 1}})

	done := make(chan string, 4)
	pool := worker.New(orch, 2, 4, time.Minute)
	pool.OnDone = func(id string, _ *pipeline.Outcome, _ error) { done <- id }
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	svc := NewService(NewValidator(1<<20, DefaultExtensions), detect.New(0), store, pool, nil, time.Hour, pool)
	router := mux.NewRouter()
	NewHTTPHandler(svc, 1<<20).Register(router)
	return router, done
}

func do(t *testing.T, router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, done chan string, id string) {
	t.Helper()
	for {
		select {
		case got := <-done:
			if got == id {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("dataset %s never finished", id)
		}
	}
}

func TestHTTPSubmitAndExport(t *testing.T) {
	router, done := testServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "vitals.csv")
	_, _ = fw.Write([]byte("patient_id,dob,zip,systolic_bp\np1,1990-04-02,94107,120\np2,1950-01-01,10001,135\n"))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := do(t, router, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var handle models.JobHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil || handle.DatasetID == "" {
		t.Fatalf("bad handle %s (%v)", rec.Body.String(), err)
	}
	waitFor(t, done, handle.DatasetID)

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+handle.DatasetID, nil))
	var meta models.DatasetMetadata
	_ = json.Unmarshal(rec.Body.Bytes(), &meta)
	if rec.Code != http.StatusOK || meta.Status != models.StatusNormalized || meta.NormalizedRecords != 2 {
		t.Fatalf("unexpected status %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+handle.DatasetID+"/document", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("document: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "94107") || strings.Contains(rec.Body.String(), "1990-04-02") {
		t.Fatalf("document leaks identifiers: %s", rec.Body.String())
	}

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+handle.DatasetID+"/export?format=csv", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("export: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil || len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %v (%v)", rows, err)
	}
	if rows[1][3] != "941" {
		t.Fatalf("expected zip prefix 941, got %v", rows[1])
	}

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/datasets/"+handle.DatasetID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel of a finished dataset: expected 409, got %d", rec.Code)
	}
}

func TestHTTPRawBodySubmit(t *testing.T) {
	router, done := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets?filename=hr.csv", strings.NewReader("patient_id,heart_rate\np1,72\n"))
	rec := do(t, router, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var handle models.JobHandle
	_ = json.Unmarshal(rec.Body.Bytes(), &handle)
	waitFor(t, done, handle.DatasetID)
}

func TestHTTPSubmitRejectsEmpty(t *testing.T) {
	router, _ := testServer(t)
	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/datasets?filename=a.csv", strings.NewReader("")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHTTPValidate(t *testing.T) {
	router, _ := testServer(t)
	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/validate?filename=obs.json", strings.NewReader(`[{"heart_rate":72}]`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"json"`) {
		t.Fatalf("validate: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/v1/validate?filename=x.txt", strings.NewReader("plain words only")))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHTTPNotFoundAndBadExport(t *testing.T) {
	router, _ := testServer(t)
	if rec := do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/missing", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/missing/export?format=xml", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHTTPHealthReadyMetrics(t *testing.T) {
	router, _ := testServer(t)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		if rec := do(t, router, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
