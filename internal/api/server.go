// Package api exposes the enqueue endpoint and the progress read model to
// the surrounding web layer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docpipeline/internal/batch"
	"docpipeline/internal/config"
	"docpipeline/internal/models"
	"docpipeline/internal/queue"
	"docpipeline/internal/ratelimit"
	"docpipeline/internal/store"
	"docpipeline/internal/telemetry"
)

// Server wires HTTP handlers for the document-processing API.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	limiter    *ratelimit.TokenBucket
	aggregator *batch.Aggregator
	logger     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, aggregator *batch.Aggregator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		limiter:    limiter,
		aggregator: aggregator,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/documents/process", s.handleEnqueue)
	r.Post("/documents/batch", s.handleEnqueueBatch)
	r.Get("/documents/{id}/progress", s.handleProgress)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/queues/{name}/stats", s.handleStats)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type enqueueRequest struct {
	DocumentID     string `json:"document_id"`
	BlobKey        string `json:"blob_key"`
	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Priority       string `json:"priority"`
}

type enqueueResponse struct {
	JobID   string `json:"job_id"`
	Deduped bool   `json:"deduped"`
}

func (req *enqueueRequest) validate() string {
	switch {
	case req.DocumentID == "":
		return "document_id is required"
	case req.BlobKey == "":
		return "blob_key is required"
	case req.UserID == "":
		return "user_id is required"
	case req.OrganizationID == "":
		return "organization_id is required"
	}
	return ""
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, deduped, err := s.enqueueDocument(r, req, "")
	if err != nil {
		s.logger.Error("enqueue failed", "document_id", req.DocumentID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: jobID, Deduped: deduped})
}

type batchRequest struct {
	UserID    string           `json:"user_id"`
	Documents []enqueueRequest `json:"documents"`
}

type batchResponse struct {
	BatchID string            `json:"batch_id,omitempty"`
	Jobs    []enqueueResponse `json:"jobs"`
}

// handleEnqueueBatch enqueues a group of documents and, for uploads of three
// or more, registers a batch so their outcomes collapse into a single
// notification.
func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and documents are required")
		return
	}

	docIDs := make([]string, 0, len(req.Documents))
	for i := range req.Documents {
		req.Documents[i].UserID = req.UserID
		if msg := req.Documents[i].validate(); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		docIDs = append(docIDs, req.Documents[i].DocumentID)
	}

	batchID, err := s.aggregator.CreateBatch(r.Context(), req.UserID, docIDs)
	if err != nil {
		s.logger.Error("create batch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create batch failed")
		return
	}

	resp := batchResponse{BatchID: batchID, Jobs: make([]enqueueResponse, 0, len(req.Documents))}
	for _, doc := range req.Documents {
		jobID, deduped, err := s.enqueueDocument(r, doc, batchID)
		if err != nil {
			s.logger.Error("enqueue failed", "document_id", doc.DocumentID, "error", err)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		resp.Jobs = append(resp.Jobs, enqueueResponse{JobID: jobID, Deduped: deduped})
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) enqueueDocument(r *http.Request, req enqueueRequest, batchID string) (string, bool, error) {
	if err := s.store.CreateDocument(r.Context(), models.Document{
		ID:             req.DocumentID,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		BlobKey:        req.BlobKey,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		BatchID:        batchID,
	}); err != nil {
		return "", false, err
	}

	jobID, deduped, err := s.queue.Enqueue(r.Context(), s.cfg.QueueName, map[string]any{
		"document_id":     req.DocumentID,
		"blob_key":        req.BlobKey,
		"file_name":       req.FileName,
		"file_size":       req.FileSize,
		"user_id":         req.UserID,
		"organization_id": req.OrganizationID,
	}, queue.Options{
		Priority:     req.Priority,
		SingletonKey: "ocr:" + req.DocumentID,
	})
	if err != nil {
		return "", false, err
	}
	if deduped {
		telemetry.DedupCounter.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	return jobID, deduped, nil
}

type progressResponse struct {
	Status             string `json:"status"`
	ProcessingStage    string `json:"processing_stage"`
	ProcessingProgress int    `json:"processing_progress"`
	ProcessingMessage  string `json:"processing_message"`
	ErrorType          string `json:"error_type,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Status:             doc.Status,
		ProcessingStage:    doc.ProcessingStage,
		ProcessingProgress: doc.ProcessingProgress,
		ProcessingMessage:  doc.ProcessingMessage,
		ErrorType:          doc.ErrorType,
		ErrorMessage:       doc.ErrorMessage,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), s.cfg.QueueName, id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Cancel(r.Context(), s.cfg.QueueName, id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable):
		writeError(w, http.StatusConflict, "job already started")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		name = s.cfg.QueueName
	}
	stats, err := s.queue.Stats(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	telemetry.QueueDepthGauge.Set(float64(stats.Waiting))
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
