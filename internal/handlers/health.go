package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/models"
)

// HealthHandler godoc
// @Summary     Health check
// @Description Returns the health status of the API
// @Tags        health
// @Produce     json
// @Success     200 {object} models.HealthResponse
// @Router      /health [get]
func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{Status: "ok"})
}

// UserHandler godoc
// @Summary     Current user
// @Description Returns the caller's balance and generation count
// @Tags        user
// @Produce     json
// @Security    Bearer
// @Success     200 {object} models.UserResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/user [get]
func UserHandler(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "未授权"})
		return
	}
	c.JSON(http.StatusOK, models.UserResponse{
		Username:       user.Username,
		Credits:        user.Credits,
		TotalGenerated: user.TotalGenerated,
		CreatedAt:      user.CreatedAt,
	})
}
