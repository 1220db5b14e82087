// Package http exposes IngestService over the ingest HTTP API:
// POST /v1/events, POST /v1/opt-out, POST /v1/privacy/delete, GET /healthz.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	"sbanalytics/internal/ingest/application"
	domainerrors "sbanalytics/internal/ingest/domain/errors"
	_ "sbanalytics/internal/ingest/adapters/http/docs"
	"sbanalytics/internal/ingest/ports"
	"sbanalytics/internal/shared/events"
)

// Service is the ingest application surface the HTTP handlers call.
type Service interface {
	Ingest(ctx context.Context, batch []events.Document) (application.IngestResult, error)
	RecordOptOut(ctx context.Context, appUUID, anonUserID string) error
	DeletePersonalData(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (ports.DeleteCounts, error)
}

// Handler wires the ingest HTTP endpoints.
type Handler struct {
	Service Service
	Logger  *slog.Logger
	Ping    func(ctx context.Context) error
}

func NewHandler(svc Service, logger *slog.Logger, ping func(ctx context.Context) error) *Handler {
	return &Handler{Service: svc, Logger: logger, Ping: ping}
}

// Register mounts the ingest routes on mux, using Go 1.22 method+path
// patterns.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.handleEvents)
	mux.HandleFunc("POST /v1/opt-out", h.handleOptOut)
	mux.HandleFunc("POST /v1/privacy/delete", h.handlePrivacyDelete)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /swagger/", httpSwagger.WrapHandler)
}

type eventsRequestBody = []events.Document

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	var batch eventsRequestBody
	if err := decodeJSON(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch must be non-empty")
		return
	}

	result, err := h.Service.Ingest(r.Context(), batch)
	if err != nil {
		if errors.Is(err, domainerrors.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, "batch must be non-empty")
			return
		}
		h.Logger.Error("ingest failed", "event", "http.ingest_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type optOutRequest struct {
	AppUUID    string `json:"app_uuid"`
	AnonUserID string `json:"anon_user_id"`
}

func (h *Handler) handleOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Service.RecordOptOut(r.Context(), req.AppUUID, req.AnonUserID); err != nil {
		if errors.Is(err, domainerrors.ErrMissingField) {
			writeError(w, http.StatusBadRequest, "app_uuid and anon_user_id are required")
			return
		}
		h.Logger.Error("opt-out failed", "event", "http.opt_out_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "opt-out failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type privacyDeleteRequest struct {
	AppUUID      string `json:"app_uuid"`
	AnonUserID   string `json:"anon_user_id"`
	DeleteOptOut bool   `json:"delete_opt_out"`
}

func (h *Handler) handlePrivacyDelete(w http.ResponseWriter, r *http.Request) {
	var req privacyDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	counts, err := h.Service.DeletePersonalData(r.Context(), req.AppUUID, req.AnonUserID, req.DeleteOptOut)
	if err != nil {
		if errors.Is(err, domainerrors.ErrMissingField) {
			writeError(w, http.StatusBadRequest, "app_uuid and anon_user_id are required")
			return
		}
		h.Logger.Error("privacy delete failed", "event", "http.privacy_delete_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "privacy delete failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "db unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
