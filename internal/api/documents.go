package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/ledger"
)

const (
	defaultDocLimit = 100
	maxDocLimit     = 1000
	ledgerTimeout   = 3 * time.Second
)

// DocumentsHandler exposes read-only ledger endpoints.
type DocumentsHandler struct {
	ledger  *ledger.Ledger
	timeout time.Duration
	logger  *zap.Logger
}

// NewDocumentsHandler wires the ledger and logger.
func NewDocumentsHandler(l *ledger.Ledger, logger *zap.Logger) *DocumentsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentsHandler{ledger: l, timeout: ledgerTimeout, logger: logger}
}

// List handles GET /v1/documents/{stage}?limit=&offset=. It returns
// {"documents": [...]} in store iteration order, 400 for an unknown stage or
// bad paging, and 503 without a ledger.
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	each, err := h.stageIterator(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultDocLimit, maxDocLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	docs := make([]ledger.DocContext, 0, limit)
	skipped := 0
	if _, err := each(ctx, func(d ledger.DocContext) bool {
		if skipped < offset {
			skipped++
			return true
		}
		docs = append(docs, d)
		return len(docs) < limit
	}); err != nil {
		h.logger.Error("list documents failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// Lookup handles GET /v1/reference?ref=. It returns the reference's stage and,
// for processed or cached references, its entry.
func (h *DocumentsHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stage, ok, err := h.ledger.StageOf(ctx, ref)
	if err != nil {
		h.logger.Error("lookup reference failed", zap.String("reference", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to look up reference")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "reference not found")
		return
	}
	resp := map[string]any{"reference": ref, "stage": stage}
	var doc ledger.DocContext
	switch stage {
	case ledger.Processed:
		doc, ok, err = h.ledger.GetProcessed(ctx, ref)
	case ledger.Cached:
		doc, ok, err = h.ledger.GetCached(ctx, ref)
	default:
		ok = false
	}
	if err != nil {
		h.logger.Error("load reference failed", zap.String("reference", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load reference")
		return
	}
	if ok {
		resp["document"] = doc
	}
	writeJSON(w, http.StatusOK, resp)
}

type iterator func(ctx context.Context, fn func(ledger.DocContext) bool) (bool, error)

func (h *DocumentsHandler) stageIterator(stage string) (iterator, error) {
	switch strings.ToUpper(stage) {
	case string(ledger.Queued):
		return h.ledger.ForEachQueued, nil
	case string(ledger.Active):
		return h.ledger.ForEachActive, nil
	case string(ledger.Processed):
		return h.ledger.ForEachProcessed, nil
	case string(ledger.Cached):
		return h.ledger.ForEachCached, nil
	}
	return nil, errors.New("invalid stage")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
