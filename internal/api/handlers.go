package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc *docservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service) *Handler {
	return &Handler{svc: svc}
}

// documentPath extracts the document path from the URL (everything after
// /api/documents/). Encoded slashes are accepted.
func documentPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Ready handles GET /health/ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		slog.Warn("api: readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// ListItems handles GET /api/items.
//
//	@Summary		List source items tracked by the pipeline
//	@Tags			items
//	@Produce		json
//	@Param			state	query		string	false	"Filter by item state"
//	@Success		200		{object}	ItemListResponse
//	@Security		BearerAuth
//	@Router			/items [get]
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Items(r.Context(), models.ItemState(r.URL.Query().Get("state")))
	if err != nil {
		slog.Error("api: list items failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ItemListResponse{Items: items})
}

// ListErrors handles GET /api/errors.
//
//	@Summary		List items moved to the error bucket
//	@Tags			items
//	@Produce		json
//	@Success		200	{object}	ItemListResponse
//	@Security		BearerAuth
//	@Router			/errors [get]
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Errors(r.Context())
	if err != nil {
		slog.Error("api: list errors failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ItemListResponse{Items: items})
}

// Status handles GET /api/status.
//
//	@Summary		Pipeline queue depth, tracked items and last sweep
//	@Tags			pipeline
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.pipelineError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Sweep handles POST /api/sweep.
//
//	@Summary		Trigger a reconciliation sweep
//	@Tags			pipeline
//	@Produce		json
//	@Success		202	{object}	SweepResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sweep [post]
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Sweep(r.Context())
	if err != nil {
		h.pipelineError(w, "sweep", err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (h *Handler) pipelineError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, docservice.ErrNoPipeline) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("pipeline not running"))
		return
	}
	slog.Error("api: "+op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List knowledge documents with optional pagination and type filter
//	@Tags			documents
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			type	query		string	false	"Filter by content type"
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	docs, total, err := h.svc.ListDocuments(r.Context(), limit, offset, q.Get("type"))
	if err != nil {
		slog.Error("api: list documents failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs, Total: total})
}

// GetDocument handles GET /api/documents/*.
//
//	@Summary		Get a knowledge document with its sync record
//	@Tags			documents
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{path} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	path := documentPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	doc, err := h.svc.GetDocument(r.Context(), path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("api: get document failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Search handles GET /api/documents/search.
//
//	@Summary		Full-text search across knowledge documents
//	@Tags			documents
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		slog.Error("api: search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListSync handles GET /api/sync.
//
//	@Summary		List per-document remote sync records
//	@Tags			sync
//	@Produce		json
//	@Param			state	query		string	false	"Filter by sync state"
//	@Success		200		{object}	SyncListResponse
//	@Security		BearerAuth
//	@Router			/sync [get]
func (h *Handler) ListSync(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.SyncRecords(r.Context(), models.SyncState(r.URL.Query().Get("state")))
	if err != nil {
		slog.Error("api: list sync records failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SyncListResponse{Records: recs})
}
