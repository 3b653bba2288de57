package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/models"
)

type GenerateHandler struct {
	service *generation.Service
}

func NewGenerateHandler(service *generation.Service) *GenerateHandler {
	return &GenerateHandler{service: service}
}

// Generate godoc
// @Summary     Text to image
// @Description Charges 1 credit, runs one provider job and waits for the
// @Description image. Upstream failures and timeouts are refunded.
// @Tags        generate
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.GenerateRequest true "Prompt and options"
// @Success     200 {object} generation.Result
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     502 {object} models.UpstreamErrorResponse
// @Failure     504 {object} models.TimeoutResponse
// @Router      /api/generate [post]
func (h *GenerateHandler) Generate(c *gin.Context) {
	h.run(c, generation.ModeTextToImage)
}

// ImageToImage godoc
// @Summary     Image to image
// @Description Charges 2 credits and edits input_image (URL or data URL)
// @Description according to the prompt.
// @Tags        generate
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.GenerateRequest true "Prompt, input image and options"
// @Success     200 {object} generation.Result
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     502 {object} models.UpstreamErrorResponse
// @Failure     504 {object} models.TimeoutResponse
// @Router      /api/image-to-image [post]
func (h *GenerateHandler) ImageToImage(c *gin.Context) {
	h.run(c, generation.ModeImageToImage)
}

func (h *GenerateHandler) run(c *gin.Context, mode generation.Mode) {
	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgInvalidBody, Message: err.Error()})
		return
	}

	genReq := generation.Request{
		Username:     c.GetString(middleware.UsernameKey),
		Mode:         mode,
		Prompt:       req.Prompt,
		Seed:         req.Seed,
		AspectRatio:  req.AspectRatio,
		OutputFormat: req.OutputFormat,
	}
	if mode == generation.ModeImageToImage {
		genReq.InputImage = req.InputImage
		genReq.ImagePromptStrength = req.ImagePromptStrength
	}

	result, err := h.service.Generate(c.Request.Context(), genReq)
	if err != nil {
		respondGenerationError(c, mode, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Records godoc
// @Summary     Generation history
// @Description Lists the caller's generation records, newest first
// @Tags        generate
// @Produce     json
// @Security    Bearer
// @Param       limit query int false "Maximum records (default 20)"
// @Success     200 {object} models.RecordsResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/records [get]
func (h *GenerateHandler) Records(c *gin.Context) {
	limit := generation.DefaultRecordLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.service.Records(c.Request.Context(), c.GetString(middleware.UsernameKey), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.RecordsResponse{Records: records})
}
