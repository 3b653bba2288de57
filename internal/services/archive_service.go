package services

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Downloader fetches a finished image from the provider's CDN.
type Downloader interface {
	DownloadFile(ctx context.Context, url string) ([]byte, string, error)
}

// Uploader stores bytes durably and returns a public URL for them.
type Uploader interface {
	UploadFile(storagePath string, data []byte, contentType string) (string, error)
}

// ArchiveService copies provider-hosted images into our own bucket, since
// provider result URLs expire.
type ArchiveService struct {
	downloader Downloader
	uploader   Uploader
	pathFor    func(username, requestID, ext string) string
}

func NewArchiveService(downloader Downloader, uploader Uploader, pathFor func(username, requestID, ext string) string) *ArchiveService {
	return &ArchiveService{
		downloader: downloader,
		uploader:   uploader,
		pathFor:    pathFor,
	}
}

// Archive implements generation.Archiver.
func (s *ArchiveService) Archive(ctx context.Context, username, requestID, imageURL string) (string, error) {
	data, contentType, err := s.downloader.DownloadFile(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch generated image: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("generated image %s is empty", requestID)
	}

	ext := imageExtension(contentType, imageURL)
	if contentType == "" {
		contentType = "image/" + ext
	}

	publicURL, err := s.uploader.UploadFile(s.pathFor(username, requestID, ext), data, contentType)
	if err != nil {
		return "", err
	}

	zap.L().Debug("Archived generated image",
		zap.String("username", username),
		zap.String("request_id", requestID),
		zap.Int("bytes", len(data)))
	return publicURL, nil
}

// imageExtension prefers the response content type and falls back to the
// URL's extension, then png.
func imageExtension(contentType, imageURL string) string {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "image/") {
		ext := strings.TrimPrefix(mediaType, "image/")
		if ext == "jpg" {
			ext = "jpeg"
		}
		return ext
	}
	if u, err := url.Parse(imageURL); err == nil {
		if ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), "."); ext != "" {
			if ext == "jpg" {
				ext = "jpeg"
			}
			return ext
		}
	}
	return "png"
}
