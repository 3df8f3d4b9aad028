package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/mid"
)

// maxChatBody caps the JSON body of a chat request.
const maxChatBody = 64 << 10

// chatEngine is the part of rag.Engine the API serves.
type chatEngine interface {
	Ingest(ctx context.Context, source string, data []byte) (domain.IngestStats, error)
	Query(ctx context.Context, message string, opts ...rag.QueryOption) iter.Seq2[string, error]
	Sources(ctx context.Context) ([]string, error)
	DocumentCount(ctx context.Context) (int, error)
	DeleteSource(ctx context.Context, source string) (int, error)
	ClearAll(ctx context.Context) error
	ClearHistory()
	MemoryCount() int
}

type server struct {
	engine    chatEngine
	provider  string
	maxUpload int64
	logger    *slog.Logger
}

func (s *server) routes(reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.Handle("POST /api/documents", mid.BodyLimit(s.maxUpload)(http.HandlerFunc(s.handleUpload)))
	mux.HandleFunc("DELETE /api/documents", s.handleClearAll)
	mux.HandleFunc("DELETE /api/documents/{source}", s.handleDeleteDocument)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.Handle("POST /api/chat", mid.BodyLimit(maxChatBody)(http.HandlerFunc(s.handleChat)))
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Handlers ---

// HealthResponse is the JSON body for GET /api/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Chunks   int    `json:"chunks"`
	Messages int    `json:"messages"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Provider: s.provider, Messages: s.engine.MemoryCount()}
	n, err := s.engine.DocumentCount(r.Context())
	if err != nil {
		s.logger.Warn("health: index unavailable", "err", err)
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Chunks = n
	writeJSON(w, http.StatusOK, resp)
}

// DocumentsResponse is the JSON body for GET /api/documents.
type DocumentsResponse struct {
	Sources []string `json:"sources"`
	Chunks  int      `json:"chunks"`
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	sources, err := s.engine.Sources(r.Context())
	if err != nil {
		s.logger.Error("list sources failed", "err", err)
		writeError(w, http.StatusInternalServerError, "index unavailable")
		return
	}
	n, err := s.engine.DocumentCount(r.Context())
	if err != nil {
		s.logger.Error("count failed", "err", err)
		writeError(w, http.StatusInternalServerError, "index unavailable")
		return
	}
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, http.StatusOK, DocumentsResponse{Sources: sources, Chunks: n})
}

// UploadResult reports the outcome for one uploaded file.
type UploadResult struct {
	domain.IngestStats
	Error string `json:"error,omitempty"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", mbe.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with files")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, `no files in field "files"`)
		return
	}

	results := make([]UploadResult, 0, len(files))
	for _, fh := range files {
		results = append(results, s.ingestFile(r.Context(), fh))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *server) ingestFile(ctx context.Context, fh *multipart.FileHeader) UploadResult {
	res := UploadResult{IngestStats: domain.IngestStats{Source: fh.Filename}}
	f, err := fh.Open()
	if err != nil {
		res.Error = "could not read upload"
		return res
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		res.Error = "could not read upload"
		return res
	}

	stats, err := s.engine.Ingest(ctx, fh.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrExtraction), errors.Is(err, domain.ErrInvalidSource):
			res.Error = err.Error()
		default:
			s.logger.Error("ingest failed", "source", fh.Filename, "err", err)
			res.Error = "ingestion failed"
		}
		return res
	}
	res.IngestStats = stats
	return res
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if err := domain.ValidateSource(source); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.engine.DeleteSource(r.Context(), source)
	if err != nil {
		s.logger.Error("delete failed", "source", source, "err", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "no such document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "deleted": n})
}

func (s *server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearAll(r.Context()); err != nil {
		s.logger.Error("clear failed", "err", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *server) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	s.engine.ClearHistory()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// tokenEvent carries one response fragment.
type tokenEvent struct {
	Content string `json:"content"`
}

// doneEvent closes a chat stream.
type doneEvent struct {
	Status string `json:"status"` // complete, error or cancelled
}

// handleChat streams the answer as server-sent events: one "info" event
// with the route, "token" events per fragment, an "error" event on
// failure, then "done".
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", mbe.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := domain.ValidateQuery(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &eventWriter{w: w, rc: http.NewResponseController(w)}
	status := "complete"
	info := rag.WithInfo(func(i rag.QueryInfo) { sse.send("info", i) })

	for frag, err := range s.engine.Query(r.Context(), req.Message, info) {
		if frag != "" {
			sse.send("token", tokenEvent{Content: frag})
		}
		if err != nil {
			status = "error"
			sse.send("error", map[string]string{"error": clientError(err)})
		}
		if sse.err != nil {
			status = "cancelled"
			s.logger.Info("chat client went away", "err", sse.err)
			break
		}
	}
	sse.send("done", doneEvent{Status: status})
}

// clientError maps engine errors onto messages safe to show users.
func clientError(err error) string {
	switch {
	case errors.Is(err, domain.ErrGeneration):
		return "the language model failed while answering"
	case errors.Is(err, domain.ErrEmbedding):
		return "document search is unavailable"
	default:
		return "query failed"
	}
}

// eventWriter writes server-sent events and remembers the first failure.
type eventWriter struct {
	w   io.Writer
	rc  *http.ResponseController
	err error
}

func (e *eventWriter) send(event string, v any) {
	if e.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.err = err
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.err = err
		return
	}
	e.err = e.rc.Flush()
}
