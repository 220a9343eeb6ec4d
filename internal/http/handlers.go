package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/catalog"
	"gigavox/internal/config"
	"gigavox/internal/loader"
	"gigavox/internal/planner"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	planner *planner.Planner
	loader  *loader.Loader
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, planner *planner.Planner, loader *loader.Loader) *Handlers {
	return &Handlers{
		config:  config,
		logger:  logger,
		catalog: catalog,
		planner: planner,
		loader:  loader,
	}
}

// Routes registers every API endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/datasets", h.HandleDatasets)
	mux.HandleFunc("/api/datasets/", h.HandleDatasetRoutes)
	mux.HandleFunc("/api/frame", h.HandleFrame)
	mux.HandleFunc("/api/loader/stats", h.HandleLoaderStats)
	mux.HandleFunc("/api/loader/memory-limit", h.HandleMemoryLimit)
	mux.HandleFunc("/api/loader/abort", h.HandleAbort)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Brick-Dims, X-Brick-Bytes-Per-Voxel, X-Request-Id")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	vols := h.catalog.Volumes()
	infos := make([]catalog.Info, 0, len(vols))
	for _, v := range vols {
		infos = append(infos, v.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleDatasetRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/datasets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	datasetID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleDatasetMeta(w, r, datasetID)
	case len(parts) == 2 && parts[1] == "purge":
		h.handlePurge(w, r, datasetID)
	case len(parts) == 2 && parts[1] == "display":
		h.handleDisplay(w, r, datasetID)
	case len(parts) == 2 && parts[1] == "pass":
		h.handleBeginPass(w, r, datasetID)
	case len(parts) == 4 && parts[1] == "bricks":
		h.handleBrick(w, r, datasetID, parts[2], parts[3])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleDatasetMeta(w http.ResponseWriter, r *http.Request, datasetID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	withBricks, _ := strconv.ParseBool(r.URL.Query().Get("bricks"))
	meta, err := h.planner.Meta(datasetID, withBricks)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *Handlers) handlePurge(w http.ResponseWriter, r *http.Request, datasetID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, freed, err := h.planner.Purge(datasetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": n,
		"bytes":   freed,
	})
}

func (h *Handlers) handleDisplay(w http.ResponseWriter, r *http.Request, datasetID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Displayed *bool `json:"displayed"`
	}
	if err := decodeJSON(w, r, &body); err != nil || body.Displayed == nil {
		http.Error(w, "Expected {\"displayed\": bool}", http.StatusBadRequest)
		return
	}

	if err := h.planner.SetDisplayed(datasetID, *body.Displayed); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        datasetID,
		"displayed": *body.Displayed,
	})
}

func (h *Handlers) handleBeginPass(w http.ResponseWriter, r *http.Request, datasetID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.planner.BeginPass(datasetID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleBrick(w http.ResponseWriter, r *http.Request, datasetID, levelPart, brickPart string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := strconv.Atoi(levelPart)
	if err != nil || level < 0 {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(brickPart, 10, 32)
	if err != nil {
		http.Error(w, "Invalid brick id", http.StatusBadRequest)
		return
	}
	var mode brick.Mode
	if m := r.URL.Query().Get("mode"); m != "" {
		v, err := strconv.ParseUint(m, 10, 8)
		if err != nil || v >= brick.MaxModes {
			http.Error(w, "Invalid mode", http.StatusBadRequest)
			return
		}
		mode = brick.Mode(v)
	}

	d, err := h.planner.Descriptor(datasetID, brick.ID(id))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if d.Level != level {
		http.NotFound(w, r)
		return
	}

	etag := `"` + planner.ETag(d) + `"`
	if h.loader.IsResident(d.Key()) && r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	_, data, err := h.planner.Brick(datasetID, d.ID, mode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if data == nil {
		if err := h.planner.Request(d, mode); err != nil {
			h.logger.Error("Failed to start loader", zap.Error(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Brick-Dims", fmt.Sprintf("%dx%dx%d", d.Dims[0], d.Dims[1], d.Dims[2]))
	w.Header().Set("X-Brick-Bytes-Per-Voxel", strconv.Itoa(d.BytesPerVoxel))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var views []planner.View
	if err := decodeJSON(w, r, &views); err != nil {
		http.Error(w, "Invalid frame", http.StatusBadRequest)
		return
	}

	n, err := h.planner.Submit(views)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"requests": n})
}

func (h *Handlers) HandleLoaderStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.loader.Stats())
}

func (h *Handlers) HandleMemoryLimit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]uint64{"bytes": h.loader.MemoryLimit()})
	case http.MethodPut:
		var body struct {
			Bytes *uint64 `json:"bytes"`
		}
		if err := decodeJSON(w, r, &body); err != nil || body.Bytes == nil {
			http.Error(w, "Expected {\"bytes\": number}", http.StatusBadRequest)
			return
		}
		h.loader.SetMemoryLimit(*body.Bytes)
		h.logger.Info("Memory limit changed", zap.Uint64("bytes", *body.Bytes))
		writeJSON(w, http.StatusOK, map[string]uint64{"bytes": *body.Bytes})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.loader.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, planner.ErrDatasetNotFound), errors.Is(err, planner.ErrBrickNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, planner.ErrLevelNotFound):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, loader.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("Request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
