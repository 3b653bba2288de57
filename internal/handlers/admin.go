package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/keypool"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/moderation"
)

const msgWordAdded = "添加成功"

type AdminHandler struct {
	keys *keypool.Pool
	gate *moderation.Gate
}

func NewAdminHandler(keys *keypool.Pool, gate *moderation.Gate) *AdminHandler {
	return &AdminHandler{keys: keys, gate: gate}
}

// KeyStats godoc
// @Summary     Upstream key usage
// @Description Per-key call counters. Keys are masked.
// @Tags        admin
// @Produce     json
// @Security    Bearer
// @Success     200 {object} models.KeyStatsResponse
// @Failure     403 {object} models.ErrorResponse
// @Router      /api/admin/keys/stats [get]
func (h *AdminHandler) KeyStats(c *gin.Context) {
	stats, err := h.keys.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.KeyStatsResponse{TotalKeys: len(stats), Stats: stats})
}

// ModerationLogs godoc
// @Summary     Moderation audit log
// @Description Most recent rejected prompts, newest first
// @Tags        admin
// @Produce     json
// @Security    Bearer
// @Param       limit query int false "Maximum entries (default 100)"
// @Success     200 {object} models.ModerationLogsResponse
// @Failure     403 {object} models.ErrorResponse
// @Router      /api/admin/moderation/logs [get]
func (h *AdminHandler) ModerationLogs(c *gin.Context) {
	limit := moderation.DefaultLogLimit
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}

	logs, err := h.gate.Logs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.ModerationLogsResponse{Logs: logs})
}

// SensitiveWords godoc
// @Summary     List sensitive words
// @Tags        admin
// @Produce     json
// @Security    Bearer
// @Success     200 {object} moderation.WordList
// @Failure     403 {object} models.ErrorResponse
// @Router      /api/admin/sensitive-words [get]
func (h *AdminHandler) SensitiveWords(c *gin.Context) {
	words, err := h.gate.Words(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, words)
}

// AddSensitiveWord godoc
// @Summary     Add a sensitive word
// @Description Adds a word to the custom lexicon. Matching is case-insensitive.
// @Tags        admin
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.AddWordRequest true "Word"
// @Success     200 {object} models.AddWordResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     403 {object} models.ErrorResponse
// @Router      /api/admin/sensitive-words [post]
func (h *AdminHandler) AddSensitiveWord(c *gin.Context) {
	var req models.AddWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: moderation.ErrEmptyWord.Error()})
		return
	}

	if _, err := h.gate.AddWord(c.Request.Context(), req.Word); err != nil {
		if errors.Is(err, moderation.ErrEmptyWord) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.AddWordResponse{Message: msgWordAdded, Word: req.Word})
}
