package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evidentia/evidentia/engine/audit"
	"github.com/evidentia/evidentia/engine/core"
	"github.com/evidentia/evidentia/engine/knowledge/vectordb"
	"github.com/evidentia/evidentia/pkg/logger"
)

type ingestChunk struct {
	ID        string `json:"id"`
	Text      string `json:"text" binding:"required"`
	Page      int    `json:"page" binding:"required"`
	Principle string `json:"principle"`
}

type ingestRequest struct {
	Source string        `json:"source" binding:"required"`
	Chunks []ingestChunk `json:"chunks" binding:"required,min=1"`
}

// handleIngest embeds and upserts report chunks into the vector store.
func (s *Server) handleIngest(c *gin.Context) {
	if s.deps.Store == nil || s.deps.Embedder == nil {
		respondError(c, http.StatusServiceUnavailable, errors.New("ingestion is not configured"))
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	texts := make([]string, len(req.Chunks))
	for i, chunk := range req.Chunks {
		texts[i] = chunk.Text
	}
	vectors, err := s.deps.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	if len(vectors) != len(req.Chunks) {
		respondError(c, http.StatusBadGateway, errors.New("embedding batch size mismatch"))
		return
	}

	records := make([]vectordb.Record, len(req.Chunks))
	for i, chunk := range req.Chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.NewString()
		}
		records[i] = vectordb.Record{
			ID:        id,
			Text:      chunk.Text,
			Page:      chunk.Page,
			Source:    req.Source,
			Principle: chunk.Principle,
			Embedding: vectors[i],
		}
	}
	if err := s.deps.Store.Upsert(ctx, records); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	logger.FromContext(ctx).Info("Chunks ingested", "source", req.Source, "count", len(records))
	c.JSON(http.StatusOK, gin.H{"status": "ingested", "source": req.Source, "count": len(records)})
}

type retrieveRequest struct {
	// RunID correlates the lookup with an audit run in the logs.
	RunID string `json:"run_id"`
	Query string `json:"query" binding:"required"`
}

type retrievedChunk struct {
	Page      int     `json:"page"`
	Content   string  `json:"content"`
	Principle string  `json:"principle,omitempty"`
	Score     float64 `json:"score"`
}

// handleRetrieve runs the retrieval pipeline without synthesis, for direct
// auditor inspection of the evidence.
func (s *Server) handleRetrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	result, err := s.deps.Pipeline.Execute(ctx, req.Query)
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	logger.FromContext(ctx).Info("Evidence retrieved",
		"run_id", req.RunID,
		"results", len(result.Evidence),
		"dropped", result.DroppedEvidence,
	)
	chunks := make([]retrievedChunk, 0, len(result.Evidence))
	for _, candidate := range result.Evidence {
		chunks = append(chunks, retrievedChunk{
			Page:      candidate.Chunk.PageNumber,
			Content:   candidate.Chunk.Text,
			Principle: candidate.Chunk.Principle,
			Score:     candidate.Score,
		})
	}
	expanded := req.Query
	if result.RewrittenQuery != "" {
		expanded = result.RewrittenQuery
	}
	c.JSON(http.StatusOK, gin.H{"expanded_query": expanded, "results": chunks})
}

type chatRequest struct {
	Query string `json:"query" binding:"required"`
}

// handleChat answers one conversational query for a run.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	runID := c.Param("run_id")
	ans, err := s.deps.Audit.RunQuery(c.Request.Context(), runID, req.Query)
	if err != nil {
		respondPipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "answer": ans})
}

type generateReportRequest struct {
	Questions []audit.Question `json:"questions" binding:"required,min=1"`
}

// handleGenerateReport starts batch extraction in the background and returns
// the job id for polling.
func (s *Server) handleGenerateReport(c *gin.Context) {
	var req generateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	batches := make(map[string][]audit.Question)
	for _, q := range req.Questions {
		if q.ID == "" || q.Batch == "" || q.Question == "" {
			respondError(c, http.StatusBadRequest, errors.New("each question requires id, batch and question"))
			return
		}
		batches[q.Batch] = append(batches[q.Batch], q)
	}
	runID := c.Param("run_id")
	jobID := s.deps.Audit.StartReport(c.Request.Context(), runID, batches)
	c.JSON(http.StatusAccepted, gin.H{
		"status": "report generation triggered",
		"run_id": runID,
		"job_id": jobID,
	})
}

// handleReportStatus polls a background report job.
func (s *Server) handleReportStatus(c *gin.Context) {
	job, ok := s.deps.Audit.Jobs().Get(c.Param("job_id"))
	if !ok {
		respondError(c, http.StatusNotFound, errors.New("job not found"))
		return
	}
	c.JSON(http.StatusOK, job)
}

func respondError(c *gin.Context, status int, err error) {
	logger.FromContext(c.Request.Context()).Warn("Request failed",
		"status", status,
		"path", c.Request.URL.Path,
		"error", err,
	)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// respondPipelineError maps engine errors onto HTTP statuses. A guardrail
// rejection is a client-visible refusal, not a server fault.
func respondPipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrGuardrailRejection):
		respondError(c, http.StatusBadRequest, err)
	case errors.Is(err, core.ErrRetrievalUnavailable), errors.Is(err, core.ErrUpstreamTimeout):
		respondError(c, http.StatusServiceUnavailable, err)
	default:
		respondError(c, http.StatusInternalServerError, err)
	}
}
