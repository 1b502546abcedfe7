package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/content_delivery/internal/content"
	"github.com/italolelis/content_delivery/internal/delivery"
	"github.com/italolelis/content_delivery/internal/downloader"
	"github.com/italolelis/content_delivery/internal/logctx"
	"github.com/italolelis/content_delivery/internal/telemetry"
)

const maxRequestSize = 1 << 20

type DownloadRequest struct {
	Keys     []content.Key `json:"keys"`
	Priority string        `json:"priority"`
	// Wait holds the response until every key has finished.
	Wait bool `json:"wait"`
}

type DownloadResult struct {
	Key    content.Key `json:"key"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
}

type QueueResponse struct {
	Active int                  `json:"active"`
	Queued int                  `json:"queued"`
	Jobs   []downloader.JobInfo `json:"jobs"`
}

type CacheEntryResponse struct {
	Key    content.Key `json:"key"`
	Cached bool        `json:"cached"`
	Size   int64       `json:"size"`
}

type CacheResponse struct {
	TotalSize      int64  `json:"total_size"`
	TotalSizeHuman string `json:"total_size_human,omitempty"`
}

type CatalogStatus struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type DeliveryHandler struct {
	svc *delivery.Service
}

// NewDeliveryHandler creates the HTTP API over svc.
func NewDeliveryHandler(svc *delivery.Service) *DeliveryHandler {
	return &DeliveryHandler{svc: svc}
}

func (h *DeliveryHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleDownload)
		r.Get("/", h.HandleQueue)
		r.Delete("/", h.HandleCancelAll)
		r.Delete("/{key}", h.HandleCancel)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Get("/", h.HandleCacheSize)
		r.Delete("/", h.HandleClearAll)
		r.Get("/{key}", h.HandleCacheEntry)
		r.Delete("/{key}", h.HandleClearKey)
		r.Delete("/labels/{label}", h.HandleClearLabel)
	})

	r.Get("/catalogs", h.HandleCatalogs)
	r.Post("/catalogs/validate", h.HandleValidateCatalogs)

	return r
}

// HandleDownload enqueues keys. Without wait it answers 202 immediately and
// the downloads continue after the request ends.
func (h *DeliveryHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode download request", "err", err)
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	if len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "keys must not be empty")

		return
	}

	priority := downloader.Normal

	if req.Priority != "" {
		p, err := downloader.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())

			return
		}

		priority = p
	}

	// Downloads outlive the request but keep its logger and request id.
	ctx := context.WithoutCancel(r.Context())

	if !req.Wait {
		for _, key := range req.Keys {
			go func() {
				if err := h.svc.Download(ctx, key, priority); err != nil {
					logger.Warn("background download failed", "content_key", key, "err", err)
				}
			}()
		}

		results := make([]DownloadResult, len(req.Keys))
		for i, key := range req.Keys {
			results[i] = DownloadResult{Key: key, Status: "queued"}
		}

		writeJSON(w, r, http.StatusAccepted, results)

		return
	}

	results := make([]DownloadResult, len(req.Keys))

	var g errgroup.Group

	for i, key := range req.Keys {
		g.Go(func() error {
			results[i] = DownloadResult{Key: key, Status: "cached"}

			if err := h.svc.Download(ctx, key, priority); err != nil {
				results[i].Status = downloadStatus(err)
				results[i].Error = err.Error()
			}

			return nil
		})
	}

	_ = g.Wait()

	writeJSON(w, r, http.StatusOK, results)
}

func (h *DeliveryHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	active, queued := h.svc.Scheduler.QueueStatus()

	writeJSON(w, r, http.StatusOK, QueueResponse{Active: active, Queued: queued, Jobs: h.svc.Scheduler.Jobs()})
}

func (h *DeliveryHandler) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	h.svc.Scheduler.CancelAll()

	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	key := content.Key(chi.URLParam(r, "key"))

	if !h.svc.Scheduler.Cancel(key) {
		writeError(w, r, http.StatusNotFound, "no running download for " + string(key))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) HandleCacheSize(w http.ResponseWriter, r *http.Request) {
	resp := CacheResponse{TotalSize: h.svc.Cache.TotalSize(r.Context())}
	if resp.TotalSize >= 0 {
		resp.TotalSizeHuman = humanize.Bytes(uint64(resp.TotalSize))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *DeliveryHandler) HandleCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := content.Key(chi.URLParam(r, "key"))

	writeJSON(w, r, http.StatusOK, CacheEntryResponse{
		Key:    key,
		Cached: h.svc.Cache.IsCached(r.Context(), key),
		Size:   h.svc.Cache.CachedSize(r.Context(), key),
	})
}

func (h *DeliveryHandler) HandleClearKey(w http.ResponseWriter, r *http.Request) {
	h.respondClear(w, r, h.svc.Cache.ClearForKey(r.Context(), content.Key(chi.URLParam(r, "key"))))
}

func (h *DeliveryHandler) HandleClearLabel(w http.ResponseWriter, r *http.Request) {
	h.respondClear(w, r, h.svc.Cache.ClearForLabel(r.Context(), chi.URLParam(r, "label")))
}

func (h *DeliveryHandler) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	h.respondClear(w, r, h.svc.Cache.ClearAll(r.Context()))
}

func (h *DeliveryHandler) respondClear(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to clear cache", "err", err)
		writeError(w, r, http.StatusInternalServerError, err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) HandleCatalogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.catalogStatuses())
}

func (h *DeliveryHandler) HandleValidateCatalogs(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ValidateCatalogs(r.Context()); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("catalog validation failed", "err", err)
		writeError(w, r, statusFor(err), err.Error())

		return
	}

	writeJSON(w, r, http.StatusOK, h.catalogStatuses())
}

func (h *DeliveryHandler) catalogStatuses() []CatalogStatus {
	ids := h.svc.CatalogURLs()
	statuses := make([]CatalogStatus, 0, len(ids))

	for _, id := range ids {
		st := CatalogStatus{
			ID:    id,
			State: h.svc.Catalogs.State(id).String(),
			Valid: h.svc.Catalogs.IsStillValid(id),
		}

		if expiry, ok := h.svc.Catalogs.Expiry(id); ok {
			st.ExpiresAt = &expiry
		}

		statuses = append(statuses, st)
	}

	return statuses
}

func downloadStatus(err error) string {
	if errors.Is(err, content.ErrCancelled) {
		return "cancelled"
	}

	return "failed"
}

func statusFor(err error) int {
	var unavailable *content.CatalogUnavailableError

	switch {
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case content.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg, RequestID: telemetry.GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
