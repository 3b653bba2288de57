package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
)

const (
	msgModerationFailed    = "内容审核未通过"
	msgInsufficientCredits = "积分不足，请先充值"
	msgInsufficientEdit    = "积分不足，改图需要 2 积分"
	msgBatchInsufficient   = "积分不足"
	msgInvalidBody         = "请求体格式错误"
	msgInternal            = "服务器内部错误"
)

// respondGenerationError maps a generation.Service error onto the HTTP
// shapes existing clients expect. Credits have already been restored for
// every upstream failure.
func respondGenerationError(c *gin.Context, mode generation.Mode, err error) {
	var verr *generation.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: verr.Message})
		return
	case errors.Is(err, ledger.ErrInsufficientCredits):
		msg := msgInsufficientCredits
		if mode == generation.ModeImageToImage {
			msg = msgInsufficientEdit
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msg})
		return
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "未授权"})
		return
	}

	if rej, ok := generation.IsModerationRejection(err); ok {
		c.JSON(http.StatusBadRequest, models.ModerationErrorResponse{
			Error:     msgModerationFailed,
			Reason:    rej.Reason,
			Moderated: true,
		})
		return
	}

	je, ok := generation.AsJobError(err)
	if !ok {
		zap.L().Error("Generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
		return
	}

	zap.L().Warn("Upstream job failed",
		zap.String("kind", string(je.Kind)),
		zap.String("request_id", je.RequestID),
		zap.Error(je))

	switch je.Kind {
	case generation.KindTimeout:
		c.JSON(http.StatusGatewayTimeout, models.TimeoutResponse{
			Error:     je.Message,
			RequestID: je.RequestID,
			Last:      je.Raw,
		})
	case generation.KindSubmission:
		c.JSON(http.StatusBadGateway, models.UpstreamErrorResponse{Error: je.Message, Details: je.Raw})
	default:
		c.JSON(http.StatusBadGateway, models.UpstreamErrorResponse{Error: je.Message, Raw: je.Raw})
	}
}

// respondBatchError maps orchestrator errors. Anything unrecognised is a 500.
func respondBatchError(c *gin.Context, err error) {
	var verr *generation.ValidationError
	var rejected *batch.PromptRejectedError
	var short *batch.InsufficientCreditsError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: verr.Message})
	case errors.As(err, &rejected):
		c.JSON(http.StatusBadRequest, models.ModerationErrorResponse{
			Error:     msgModerationFailed,
			Reason:    rejected.Rejection.Reason,
			Moderated: true,
			Prompt:    rejected.Prompt,
		})
	case errors.As(err, &short):
		c.JSON(http.StatusBadRequest, models.InsufficientCreditsResponse{
			Error:     msgBatchInsufficient,
			Required:  short.Required,
			Available: short.Available,
		})
	case errors.Is(err, batch.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, batch.ErrForbidden):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: err.Error()})
	default:
		zap.L().Error("Batch request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msgInternal, Message: err.Error()})
	}
}
