// Package httpapi exposes the queue operations as JSON over HTTP. Caller identity is
// established upstream and arrives in the X-Caller-ID header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

const CallerHeader = "X-Caller-ID"

// maxBodyBytes bounds request bodies; payloads are single-entity mutations
const maxBodyBytes = 1 << 20

// QueueService is the set of queue operations the API serves
type QueueService interface {
	Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueItem, models.Outcome, error)
	Get(ctx context.Context, id, callerID string) (*models.QueueItem, error)
	Process(ctx context.Context, id, callerID string) (models.Outcome, error)
	Retry(ctx context.Context, id, callerID string) (models.Outcome, error)
	ResolveConflict(ctx context.Context, id string, resolution models.Resolution, merged models.Payload, callerID string) (models.Outcome, error)
	List(ctx context.Context, ownerID string, statuses []models.Status, limit int) ([]*models.QueueItem, error)
	Statistics(ctx context.Context, ownerID string) (models.Statistics, error)
	DrainAll(ctx context.Context, ownerID string) (models.DrainResult, error)
}

type Handler struct {
	svc    QueueService
	logger *slog.Logger
}

func NewHandler(svc QueueService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes registers every endpoint on a fresh mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /v1/items", h.withCaller(h.enqueue))
	mux.HandleFunc("GET /v1/items", h.withCaller(h.list))
	mux.HandleFunc("GET /v1/items/{id}", h.withCaller(h.get))
	mux.HandleFunc("POST /v1/items/{id}/process", h.withCaller(h.process))
	mux.HandleFunc("POST /v1/items/{id}/retry", h.withCaller(h.retry))
	mux.HandleFunc("POST /v1/items/{id}/resolve", h.withCaller(h.resolve))
	mux.HandleFunc("GET /v1/stats", h.withCaller(h.stats))
	mux.HandleFunc("POST /v1/drain", h.withCaller(h.drain))
	return mux
}

type callerHandler func(w http.ResponseWriter, r *http.Request, callerID string)

func (h *Handler) withCaller(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Kind: "UNAUTHENTICATED", Message: "missing " + CallerHeader})
			return
		}
		next(w, r, caller)
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("SYNCD ALIVE"))
}

type enqueueResponse struct {
	Item    *models.QueueItem `json:"item"`
	Outcome models.Outcome    `json:"outcome"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, caller string) {
	var req models.EnqueueRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	// The owner is always the authenticated caller
	req.OwnerID = caller

	item, out, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{Item: item, Outcome: out})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, caller string) {
	q := r.URL.Query()

	statuses := []models.Status{models.StatusPending}
	if raw := q.Get("status"); raw != "" {
		statuses = statuses[:0]
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s == "ALL" {
				statuses = nil
				break
			}
			st := models.Status(s)
			if !st.Valid() {
				h.fail(w, syncerr.BadRequest("unknown status %q", s))
				return
			}
			statuses = append(statuses, st)
		}
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, syncerr.BadRequest("invalid limit %q", raw))
			return
		}
		limit = n
	}

	items, err := h.svc.List(r.Context(), caller, statuses, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, caller string) {
	item, err := h.svc.Get(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, caller string) {
	out, err := h.svc.Process(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request, caller string) {
	out, err := h.svc.Retry(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	MergedData models.Payload    `json:"mergedData,omitempty"`
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, caller string) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.svc.ResolveConflict(r.Context(), r.PathValue("id"), req.Resolution, req.MergedData, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, caller string) {
	st, err := h.svc.Statistics(r.Context(), caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) drain(w http.ResponseWriter, r *http.Request, caller string) {
	res, err := h.svc.DrainAll(r.Context(), caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorBody struct {
	Kind    syncerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// StatusFor maps an error kind to the HTTP status returned to clients
func StatusFor(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindBadRequest, syncerr.KindValidation:
		return http.StatusBadRequest
	case syncerr.KindInvalidState, syncerr.KindInProgress, syncerr.KindConflictingWrite:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	kind := syncerr.KindOf(err)
	status := StatusFor(kind)

	msg := err.Error()
	var se *syncerr.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: msg})
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return syncerr.BadRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
