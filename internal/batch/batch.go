// Package batch fans a prepaid set of prompts out over the shared
// generation runner and tracks per-task progress in the key-value store.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/moderation"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	MaxTasks         = 10
	DefaultListLimit = 50

	keyPrefix = "batch:"
)

const (
	MsgCreated      = "批量任务已创建"
	MsgInterrupted  = "任务已中断"
	msgPromptsRange = "prompts 数量必须在 1-10 之间"
	msgCountRange   = "count 必须在 1-10 之间"
	msgNoPrompt     = "请提供 prompts 数组或 count + prompt"
)

var (
	ErrNotFound      = errors.New("批量任务不存在")
	ErrForbidden     = errors.New("无权访问此批量任务")
	ErrTaskNotReady  = errors.New("任务不存在或已处理")
	ErrQueueFull     = errors.New("batch queue is full")
	ErrDispatcherOff = errors.New("batch dispatcher is stopped")
)

// PromptRejectedError names the prompt that failed moderation and sank the
// whole batch.
type PromptRejectedError struct {
	Prompt    string
	Rejection *moderation.Rejection
}

func (e *PromptRejectedError) Error() string {
	return fmt.Sprintf("prompt rejected: %s", e.Rejection.Error())
}

func (e *PromptRejectedError) Unwrap() []error {
	return []error{generation.ErrModerationRejected, e.Rejection}
}

// InsufficientCreditsError reports the price of a batch against the
// balance at the time of the attempt.
type InsufficientCreditsError struct {
	Required  int
	Available int
	Err       error
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return e.Err
}

// Params are the generation settings shared by every task of a batch.
type Params struct {
	AspectRatio  *string `json:"aspect_ratio"`
	Seed         *int64  `json:"seed"`
	OutputFormat string  `json:"output_format"`
}

type TaskResult struct {
	ImageURL  string `json:"imageUrl"`
	RequestID string `json:"requestId"`
}

type Task struct {
	TaskID    string      `json:"taskId"`
	Prompt    string      `json:"prompt"`
	Params    Params      `json:"params"`
	Status    Status      `json:"status"`
	Progress  int         `json:"progress"`
	Result    *TaskResult `json:"result"`
	Error     *string     `json:"error"`
	CreatedAt int64       `json:"createdAt"`
	UpdatedAt int64       `json:"updatedAt"`
}

// Batch is stored whole under its BatchID, which doubles as the store key.
type Batch struct {
	BatchID        string `json:"batchId"`
	Username       string `json:"username"`
	Tasks          []Task `json:"tasks"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
	Status         Status `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// Summary is the list view of a batch.
type Summary struct {
	BatchID        string `json:"batchId"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	FailedTasks    int    `json:"failedTasks"`
	Status         Status `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func (b *Batch) Summary() Summary {
	return Summary{
		BatchID:        b.BatchID,
		TotalTasks:     b.TotalTasks,
		CompletedTasks: b.CompletedTasks,
		FailedTasks:    b.FailedTasks,
		Status:         b.Status,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

// claim moves task i from pending to processing.
func (b *Batch) claim(i int, now int64) error {
	if i < 0 || i >= len(b.Tasks) || b.Tasks[i].Status != StatusPending {
		return ErrTaskNotReady
	}
	t := &b.Tasks[i]
	t.Status = StatusProcessing
	t.Progress = generation.ProgressClaimed
	t.UpdatedAt = now
	if b.Status == StatusPending {
		b.Status = StatusProcessing
	}
	b.UpdatedAt = now
	return nil
}

// complete resolves a processing task as succeeded. It reports false when
// the task was already resolved elsewhere, e.g. by the stale-task reaper.
func (b *Batch) complete(i int, result TaskResult, now int64) bool {
	t := &b.Tasks[i]
	if t.Status != StatusProcessing {
		return false
	}
	t.Status = StatusCompleted
	t.Progress = generation.ProgressDone
	t.Result = &result
	t.UpdatedAt = now
	b.CompletedTasks++
	b.settle(now)
	return true
}

// fail resolves a processing task as failed, with the same contract as
// complete.
func (b *Batch) fail(i int, reason string, now int64) bool {
	t := &b.Tasks[i]
	if t.Status != StatusProcessing {
		return false
	}
	t.Status = StatusFailed
	t.Progress = 0
	t.Error = &reason
	t.UpdatedAt = now
	b.FailedTasks++
	b.settle(now)
	return true
}

func (b *Batch) settle(now int64) {
	b.UpdatedAt = now
	if b.CompletedTasks+b.FailedTasks >= b.TotalTasks {
		b.Status = StatusCompleted
	}
}

// Request is a batch creation body: either Prompts, or Count copies of
// Prompt. The remaining fields apply to every task.
type Request struct {
	Prompts      []string
	Count        int
	Prompt       string
	AspectRatio  *string
	Seed         *int64
	OutputFormat string
}

func (r Request) prompts() ([]string, error) {
	switch {
	case r.Prompts != nil:
		if len(r.Prompts) == 0 || len(r.Prompts) > MaxTasks {
			return nil, &generation.ValidationError{Message: msgPromptsRange}
		}
		return r.Prompts, nil
	case r.Count != 0 && r.Prompt != "":
		if r.Count < 1 || r.Count > MaxTasks {
			return nil, &generation.ValidationError{Message: msgCountRange}
		}
		prompts := make([]string, r.Count)
		for i := range prompts {
			prompts[i] = r.Prompt
		}
		return prompts, nil
	default:
		return nil, &generation.ValidationError{Message: msgNoPrompt}
	}
}

func (r Request) params() Params {
	format := strings.TrimSpace(r.OutputFormat)
	if format == "" {
		format = "png"
	}
	return Params{AspectRatio: r.AspectRatio, Seed: r.Seed, OutputFormat: format}
}

// Created is the response to a successful Create.
type Created struct {
	Message          string `json:"message"`
	BatchID          string `json:"batch_id"`
	TotalTasks       int    `json:"total_tasks"`
	CreditsDeducted  int    `json:"credits_deducted"`
	CreditsRemaining int    `json:"credits_remaining"`
}

// TaskOutcome is the result of processing one task.
type TaskOutcome struct {
	Success  bool   `json:"success"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// taskError is the message stored on a failed task.
func taskError(err error) string {
	je, ok := generation.AsJobError(err)
	if !ok {
		return err.Error()
	}
	if je.Kind == generation.KindTerminal {
		return fmt.Sprintf("%s: %s", je.Message, je.Status)
	}
	return je.Message
}
