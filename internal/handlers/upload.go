package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/models"
)

const (
	MaxUploadSize = 10 << 20

	msgNoImage      = "未上传图片"
	msgImageTooBig  = "图片大小不能超过 10MB"
	msgImageType    = "仅支持 JPEG、PNG、WebP 格式"
	msgUploaded     = "上传成功"
	uploadFieldName = "image"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// UploadHandler godoc
// @Summary     Upload an input image
// @Description Converts an uploaded image into a base64 data URL that can be
// @Description passed as input_image to /api/image-to-image. Nothing is stored.
// @Tags        upload
// @Accept      multipart/form-data
// @Produce     json
// @Security    Bearer
// @Param       image formData file true "JPEG, PNG or WebP image, at most 10MB"
// @Success     200 {object} models.UploadResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /api/upload [post]
func UploadHandler(c *gin.Context) {
	// Leave room for the multipart envelope around the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)

	file, err := c.FormFile(uploadFieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgImageTooBig})
			return
		}
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgNoImage})
		return
	}

	if file.Size > MaxUploadSize {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgImageTooBig})
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
	if !allowedImageTypes[contentType] {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msgImageType})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   msgInternal,
			Message: fmt.Sprintf("failed to open file: %v", err),
		})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   msgInternal,
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, models.UploadResponse{
		Message: msgUploaded,
		DataURL: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Size:    file.Size,
		Type:    contentType,
	})
}
