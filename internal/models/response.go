package models

import (
	"encoding/json"

	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/keypool"
	"imagegen-backend/internal/moderation"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type UserResponse struct {
	Username       string `json:"username"`
	Credits        int    `json:"credits"`
	TotalGenerated int    `json:"totalGenerated"`
	CreatedAt      int64  `json:"createdAt"`
}

type UploadResponse struct {
	Message string `json:"message"`
	DataURL string `json:"data_url"`
	Size    int64  `json:"size"`
	Type    string `json:"type"`
}

type RecordsResponse struct {
	Records []generation.Record `json:"records"`
}

type BatchListResponse struct {
	Batches []batch.Summary `json:"batches"`
}

type KeyStatsResponse struct {
	TotalKeys int                `json:"totalKeys"`
	Stats     []keypool.KeyStats `json:"stats"`
}

type ModerationLogsResponse struct {
	Logs []moderation.LogEntry `json:"logs"`
}

type AddWordResponse struct {
	Message string `json:"message"`
	Word    string `json:"word"`
}

// ModerationErrorResponse is returned when a prompt fails moderation.
// Prompt is set for batches, where it names the offending prompt.
type ModerationErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Moderated bool   `json:"moderated"`
	Prompt    string `json:"prompt,omitempty"`
}

type InsufficientCreditsResponse struct {
	Error     string `json:"error"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// UpstreamErrorResponse reports a failed provider job. Details carries the
// create response, Raw the terminal poll answer.
type UpstreamErrorResponse struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

type TimeoutResponse struct {
	Error     string          `json:"error"`
	RequestID string          `json:"request_id"`
	Last      json.RawMessage `json:"last"`
}
