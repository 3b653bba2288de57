package generation

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad or missing input. Nothing was charged.
	ErrValidation = errors.New("validation failed")
	// ErrModerationRejected wraps a *moderation.Rejection. Nothing was charged.
	ErrModerationRejected = errors.New("moderation rejected")
)

// ValidationError carries the user-facing message for ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// Kind classifies how an upstream job failed.
type Kind string

const (
	KindSubmission    Kind = "submission"
	KindTerminal      Kind = "terminal"
	KindTimeout       Kind = "timeout"
	KindMissingResult Kind = "missing_result"
	KindTransport     Kind = "transport"
)

// User-facing messages, kept byte-for-byte compatible with existing clients.
const (
	MsgCreateFailed     = "创建任务失败"
	MsgMissingRequestID = "缺少 request_id"
	MsgTaskFailed       = "任务失败"
	MsgMissingResult    = "Ready 但无图片 URL"
	MsgTimeout          = "等待超时"
	MsgTransport        = "上游请求失败"
	MsgInterrupted      = "请求已中断"
)

// JobError is returned for every failure after a job reached the
// provider (or tried to). Credits have already been restored by the time
// a caller sees it.
type JobError struct {
	Kind      Kind
	Message   string
	RequestID string
	Status    string
	// Raw is the provider body that explains the failure: create details,
	// the terminal poll answer, or the last poll seen before a timeout.
	Raw json.RawMessage
	Err error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Status != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// AsJobError unwraps err into a *JobError.
func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}
