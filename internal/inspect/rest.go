// Package inspect exposes the read-only inspection surface: fetch a
// signature record, list a container's children with pagination, and walk
// the callback graph to a bounded depth. It consumes the same records the
// orchestration core writes and never mutates them.
package inspect

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/imaginary-cherry/mageflow/internal/domain"
	"github.com/imaginary-cherry/mageflow/internal/postgres"
	"github.com/imaginary-cherry/mageflow/internal/redisstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultDepth    = 3
	maxDepth        = 10
)

// REST handles inspection HTTP requests.
type REST struct {
	store   redisstore.SignatureStore
	journal postgres.ExecutionJournal
	logger  *slog.Logger
}

// NewREST creates the inspection handler. journal may be nil when no
// Postgres is configured; the attempts endpoint then returns 404.
func NewREST(store redisstore.SignatureStore, journal postgres.ExecutionJournal, logger *slog.Logger) *REST {
	return &REST{store: store, journal: journal, logger: logger}
}

// Routes mounts the inspection API.
func (h *REST) Routes(r chi.Router) {
	r.Get("/api/v1/signatures/{key}", h.GetSignature)
	r.Get("/api/v1/signatures/{key}/children", h.ListChildren)
	r.Get("/api/v1/signatures/{key}/graph", h.GetGraph)
	r.Get("/api/v1/signatures/{key}/attempts", h.ListAttempts)
	r.Get("/api/v1/swarms", h.ListActiveSwarms)
	r.Get("/healthz", h.Healthz)
}

// SignatureResponse wraps a record with its kind tag.
type SignatureResponse struct {
	Key    string           `json:"key"`
	Kind   string           `json:"kind"`
	Record domain.Signature `json:"record"`
}

// GetSignature handles GET /api/v1/signatures/{key}.
func (h *REST) GetSignature(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sig, ok := h.load(w, r, key)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SignatureResponse{
		Key:    key,
		Kind:   string(sig.SignatureKind()),
		Record: sig,
	})
}

// ChildrenResponse is one page of a container's child keys.
type ChildrenResponse struct {
	Key      string   `json:"key"`
	Children []string `json:"children"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Total    int      `json:"total"`
}

// ListChildren handles GET /api/v1/signatures/{key}/children.
func (h *REST) ListChildren(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sig, ok := h.load(w, r, key)
	if !ok {
		return
	}

	var children []string
	switch v := sig.(type) {
	case *domain.ChainSignature:
		children = v.Tasks
	case *domain.SwarmSignature:
		children = v.Tasks
	case *domain.BatchItemSignature:
		children = []string{v.OriginalTaskKey}
	default:
		children = nil
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(r, "page_size", defaultPageSize)
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}

	total := len(children)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, ChildrenResponse{
		Key:      key,
		Children: children[start:end],
		Page:     page,
		PageSize: size,
		Total:    total,
	})
}

// GraphNode is one signature in a bounded callback-graph walk.
type GraphNode struct {
	Key     string       `json:"key"`
	Kind    string       `json:"kind,omitempty"`
	Status  string       `json:"status,omitempty"`
	Missing bool         `json:"missing,omitempty"`
	Success []*GraphNode `json:"success,omitempty"`
	Error   []*GraphNode `json:"error,omitempty"`
}

// GetGraph handles GET /api/v1/signatures/{key}/graph?depth=N.
func (h *REST) GetGraph(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	depth := queryInt(r, "depth", defaultDepth)
	if depth < 1 || depth > maxDepth {
		depth = defaultDepth
	}

	visited := map[string]bool{}
	node := h.walk(r, key, depth, visited)
	if node == nil {
		writeError(w, http.StatusNotFound, "signature not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *REST) walk(r *http.Request, key string, depth int, visited map[string]bool) *GraphNode {
	if visited[key] {
		return &GraphNode{Key: key}
	}
	visited[key] = true

	sig, err := h.store.Get(r.Context(), key)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			return &GraphNode{Key: key, Missing: true}
		}
		h.logger.Error("graph walk failed",
			slog.String("signature_key", key),
			slog.String("error", err.Error()),
		)
		return &GraphNode{Key: key, Missing: true}
	}

	node := &GraphNode{Key: key, Kind: string(sig.SignatureKind())}
	base := sig.Base()
	if base == nil {
		return node
	}
	node.Status = string(base.Status)
	if depth <= 1 {
		return node
	}
	for _, cb := range base.SuccessCallbacks {
		node.Success = append(node.Success, h.walk(r, cb, depth-1, visited))
	}
	for _, cb := range base.ErrorCallbacks {
		node.Error = append(node.Error, h.walk(r, cb, depth-1, visited))
	}
	return node
}

// ListAttempts handles GET /api/v1/signatures/{key}/attempts.
func (h *REST) ListAttempts(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "execution journal not configured")
		return
	}
	key := chi.URLParam(r, "key")
	limit := queryInt(r, "limit", 50)

	recs, err := h.journal.ListAttempts(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("list attempts failed",
			slog.String("signature_key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "attempts": recs})
}

// ListActiveSwarms handles GET /api/v1/swarms.
func (h *REST) ListActiveSwarms(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ActiveSwarms(r.Context())
	if err != nil {
		h.logger.Error("list active swarms failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list swarms")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swarms": keys})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *REST) load(w http.ResponseWriter, r *http.Request, key string) (domain.Signature, bool) {
	if key == "" {
		writeError(w, http.StatusBadRequest, "signature key is required")
		return nil, false
	}
	sig, err := h.store.Get(r.Context(), key)
	if err != nil {
		var notFound *domain.SignatureNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "signature not found")
			return nil, false
		}
		h.logger.Error("signature read failed",
			slog.String("signature_key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to retrieve signature")
		return nil, false
	}
	return sig, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
