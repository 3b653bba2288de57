package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/models"
)

const (
	msgMissingBatchID = "缺少 batch_id"
	msgMissingTask    = "缺少 batch_id 或 task_index"
)

// Enqueuer schedules a batch for background processing.
type Enqueuer interface {
	Enqueue(batchID string) error
}

type BatchHandler struct {
	orchestrator *batch.Orchestrator
	queue        Enqueuer
}

// NewBatchHandler builds the batch endpoints. queue may be nil, in which
// case tasks only run through POST /api/batch/process.
func NewBatchHandler(orchestrator *batch.Orchestrator, queue Enqueuer) *BatchHandler {
	return &BatchHandler{orchestrator: orchestrator, queue: queue}
}

// Create godoc
// @Summary     Create a batch
// @Description Moderates every prompt, debits one credit per task and stores
// @Description the batch with all tasks pending. Send either prompts (1-10)
// @Description or count (1-10) with prompt.
// @Tags        batch
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.BatchRequest true "Prompts and shared options"
// @Success     200 {object} batch.Created
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/batch [post]
func (h *BatchHandler) Create(c *gin.Context) {
	var req models.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgInvalidBody, Message: err.Error()})
		return
	}

	created, err := h.orchestrator.Create(c.Request.Context(), c.GetString(middleware.UsernameKey), batch.Request{
		Prompts:      req.Prompts,
		Count:        req.Count,
		Prompt:       req.Prompt,
		AspectRatio:  req.AspectRatio,
		Seed:         req.Seed,
		OutputFormat: req.OutputFormat,
	})
	if err != nil {
		respondBatchError(c, err)
		return
	}

	if h.queue != nil {
		if err := h.queue.Enqueue(created.BatchID); err != nil {
			// The batch stays pending and can still be driven manually.
			zap.L().Warn("Failed to enqueue batch",
				zap.String("batch_id", created.BatchID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, created)
}

// Status godoc
// @Summary     Batch status
// @Description Returns the full batch including every task
// @Tags        batch
// @Produce     json
// @Security    Bearer
// @Param       batch_id query string true "Batch ID"
// @Success     200 {object} batch.Batch
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /api/batch [get]
func (h *BatchHandler) Status(c *gin.Context) {
	batchID := c.Query("batch_id")
	if batchID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgMissingBatchID})
		return
	}

	b, err := h.orchestrator.Get(c.Request.Context(), c.GetString(middleware.UsernameKey), batchID)
	if err != nil {
		respondBatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// List godoc
// @Summary     List batches
// @Description Summaries of the caller's most recent batches, newest first
// @Tags        batch
// @Produce     json
// @Security    Bearer
// @Success     200 {object} models.BatchListResponse
// @Router      /api/batches [get]
func (h *BatchHandler) List(c *gin.Context) {
	summaries, err := h.orchestrator.List(c.Request.Context(), c.GetString(middleware.UsernameKey), batch.DefaultListLimit)
	if err != nil {
		respondBatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.BatchListResponse{Batches: summaries})
}

// Process godoc
// @Summary     Process one batch task
// @Description Runs a pending task to completion and reports the outcome.
// @Description Tasks that are missing or already claimed answer with
// @Description success=false rather than an error status.
// @Tags        batch
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.ProcessBatchRequest true "Batch and task index"
// @Success     200 {object} batch.TaskOutcome
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Router      /api/batch/process [post]
func (h *BatchHandler) Process(c *gin.Context) {
	var req models.ProcessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" || req.TaskIndex == nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgMissingTask})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.orchestrator.Get(ctx, c.GetString(middleware.UsernameKey), req.BatchID); err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			c.JSON(http.StatusOK, batch.TaskOutcome{Success: false, Error: err.Error()})
			return
		}
		respondBatchError(c, err)
		return
	}

	outcome, err := h.orchestrator.ProcessTask(ctx, req.BatchID, *req.TaskIndex)
	if err != nil {
		if errors.Is(err, batch.ErrTaskNotReady) || errors.Is(err, batch.ErrNotFound) {
			c.JSON(http.StatusOK, batch.TaskOutcome{Success: false, Error: err.Error()})
			return
		}
		respondBatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
