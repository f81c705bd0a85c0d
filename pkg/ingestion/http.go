package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/export"
	"github.com/mist-health/mdf-pipeline/pkg/observability/metrics"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
	// Ready reports whether dependencies are reachable; nil means always
	// ready.
	Ready func(ctx context.Context) error
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/datasets", h.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/datasets/{id}", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}/document", h.handleDocument).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}/export", h.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/validate", h.handleValidate).Methods(http.MethodPost)

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)
}

func (h *HTTPHandler) upload(w http.ResponseWriter, r *http.Request) (models.RawInput, bool) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	in, err := readUpload(r)
	if err != nil {
		if isTooLarge(err) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return in, false
		}
		logger.Log.WithError(err).Warn("invalid upload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return in, false
	}
	return in, true
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	in, ok := h.upload(w, r)
	if !ok {
		return
	}
	handle, err := h.service.Submit(r.Context(), in)
	if err != nil {
		if IsValidationError(err) {
			status := http.StatusBadRequest
			if errors.Is(err, errPayloadTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), status)
			return
		}
		logger.Log.WithError(err).Error("failed to submit dataset")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.Status(r.Context(), handleOf(r))
	if err != nil {
		h.writeLookupError(w, err, "failed to fetch dataset status")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *HTTPHandler) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Document(r.Context(), handleOf(r))
	if err != nil {
		h.writeLookupError(w, err, "failed to build document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *HTTPHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handle := handleOf(r)
	doc, err := h.service.Document(r.Context(), handle)
	if err != nil {
		h.writeLookupError(w, err, "failed to build document")
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, format, doc); err != nil {
		logger.ForDataset(handle.DatasetID).WithError(err).Error("export failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+handle.DatasetID+"."+format.Extension()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	handle := handleOf(r)
	if err := h.service.Cancel(r.Context(), handle); err != nil {
		h.writeLookupError(w, err, "failed to cancel dataset")
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (h *HTTPHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	in, ok := h.upload(w, r)
	if !ok {
		return
	}
	kind, err := h.service.Validate(in)
	if err != nil {
		if errors.Is(err, detect.ErrUnsupportedFormat) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		logger.Log.WithError(err).Error("validation failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"format": string(kind)})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HTTPHandler) writeLookupError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		http.Error(w, "dataset not found", http.StatusNotFound)
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrAlreadyFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func handleOf(r *http.Request) models.JobHandle {
	return models.JobHandle{DatasetID: mux.Vars(r)["id"]}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
