package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/config"
	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
	"github.com/kirillkom/archive-pipeline/internal/observability/metrics"
)

const (
	serviceName       = "api"
	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
)

type Router struct {
	cfg      config.Config
	ingest   ports.DocumentIngestor
	docs     ports.DocumentReader
	pipeline ports.DocumentPipeline
	search   ports.SearchService
	storage  ports.ObjectStorage
	metrics  *metrics.HTTPServerMetrics
	logger   *slog.Logger
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	docs ports.DocumentReader,
	pipeline ports.DocumentPipeline,
	search ports.SearchService,
	storage ports.ObjectStorage,
	httpMetrics *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		ingest:   ingest,
		docs:     docs,
		pipeline: pipeline,
		search:   search,
		storage:  storage,
		metrics:  httpMetrics,
		logger:   logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("POST /v1/documents/{id}/process", rt.processDocument)
	mux.HandleFunc("POST /v1/documents/{id}/restart", rt.restartDocument)
	mux.HandleFunc("GET /v1/documents/{id}/preview/{page}", rt.previewPage)
	mux.HandleFunc("POST /v1/search", rt.searchDocuments)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.UploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	archiveID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("archive_id")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "form field 'archive_id' must be an integer")
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(r.Context(), ports.UploadRequest{
		ArchiveID: archiveID,
		Name:      r.FormValue("name"),
		Filename:  fileHeader.Filename,
		MimeType:  fileHeader.Header.Get("Content-Type"),
		Body:      file,
	})
	if rt.metrics != nil {
		rt.metrics.RecordUpload(serviceName, err)
	}
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) processDocument(w http.ResponseWriter, r *http.Request) {
	rt.runPipelineAction(w, r, "process", rt.pipeline.StartMissing)
}

func (rt *Router) restartDocument(w http.ResponseWriter, r *http.Request) {
	rt.runPipelineAction(w, r, "restart", rt.pipeline.RestartFull)
}

// runPipelineAction triggers a manual pipeline action and answers with the
// document state right after dispatch.
func (rt *Router) runPipelineAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	err := fn(r.Context(), id)
	if rt.metrics != nil {
		rt.metrics.RecordPipelineAction(serviceName, action, err)
	}
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	doc, err := rt.docs.GetByID(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) previewPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}

	doc, err := rt.docs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if doc.PreviewStatus != domain.StatusDone || page > doc.PreviewPageCount {
		writeError(w, http.StatusNotFound, "preview page not available")
		return
	}

	body, err := rt.storage.Open(r.Context(), domain.PreviewPagePath(doc.ID, page, doc.PreviewExtension))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension("." + doc.PreviewExtension)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		rt.logger.Warn("preview_stream_failed", "document_id", doc.ID, "page", page, "error", err)
	}
}

func (rt *Router) searchDocuments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string `json:"query"`
		DocumentID string `json:"document_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	start := time.Now()
	result, err := rt.search.Search(r.Context(), req.Query, domain.ChunkFilter{DocumentID: strings.TrimSpace(req.DocumentID)})
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSearch(serviceName, result.KeywordMatch, len(result.Sources), time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
