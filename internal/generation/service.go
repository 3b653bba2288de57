package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/moderation"
)

// Mode selects the workflow variant and its price.
type Mode string

const (
	ModeTextToImage  Mode = "generate"
	ModeImageToImage Mode = "image_to_image"
)

const defaultImagePromptStrength = 0.5

// Cost returns the credits charged for one job in mode m.
func (m Mode) Cost() int {
	if m == ModeImageToImage {
		return 2
	}
	return 1
}

const (
	MsgGenerated = "生成成功"
	MsgEdited    = "改图成功"

	msgPromptRequired     = "prompt 必填"
	msgInputImageRequired = "input_image 必填（base64 或 URL）"
)

// Archiver copies a finished image somewhere durable and returns its URL.
type Archiver interface {
	Archive(ctx context.Context, username, requestID, imageURL string) (string, error)
}

type Request struct {
	Username            string
	Mode                Mode
	Prompt              string
	InputImage          *string
	Seed                *int64
	AspectRatio         *string
	OutputFormat        string
	ImagePromptStrength *float64
}

type Result struct {
	Message          string `json:"message"`
	RequestID        string `json:"request_id"`
	ImageURL         string `json:"image_url"`
	CreditsRemaining int    `json:"credits_remaining"`
}

// Service wraps Runner in the credit escrow: validate, moderate, debit,
// run, then either persist the record or refund.
type Service struct {
	runner   *Runner
	ledger   *ledger.Ledger
	gate     *moderation.Gate
	records  *RecordStore
	archiver Archiver

	archiveTimeout time.Duration
}

func NewService(runner *Runner, l *ledger.Ledger, gate *moderation.Gate, records *RecordStore, archiver Archiver) *Service {
	return &Service{
		runner:         runner,
		ledger:         l,
		gate:           gate,
		records:        records,
		archiver:       archiver,
		archiveTimeout: 20 * time.Second,
	}
}

// Generate runs one paid job. Every failure after the debit is refunded
// before Generate returns.
func (s *Service) Generate(ctx context.Context, req Request) (result *Result, err error) {
	if req.Mode == "" {
		req.Mode = ModeTextToImage
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	if res := s.gate.Moderate(ctx, req.Prompt); !res.Passed {
		s.gate.LogRejection(context.WithoutCancel(ctx), req.Username, req.Prompt, res.Reason)
		return nil, fmt.Errorf("%w: %w", ErrModerationRejected, res.Err())
	}

	charge := ledger.Charge{Credits: req.Mode.Cost(), Generations: 1}
	user, err := s.ledger.Charge(ctx, req.Username, charge)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("Generation panicked",
				zap.String("username", req.Username),
				zap.Any("panic", p))
			s.refund(ctx, req.Username, charge)
			result, err = nil, fmt.Errorf("generation aborted: %v", p)
		}
	}()

	if req.Mode == ModeImageToImage && req.ImagePromptStrength == nil {
		strength := defaultImagePromptStrength
		req.ImagePromptStrength = &strength
	}

	job := Job{
		Prompt:              req.Prompt,
		InputImage:          req.InputImage,
		Seed:                req.Seed,
		AspectRatio:         req.AspectRatio,
		OutputFormat:        req.OutputFormat,
		ImagePromptStrength: req.ImagePromptStrength,
	}
	out, err := s.runner.Run(ctx, string(req.Mode), job, nil)
	if err != nil {
		s.refund(ctx, req.Username, charge)
		return nil, err
	}

	rec := &Record{
		Username:    req.Username,
		Prompt:      req.Prompt,
		ImageURL:    out.ImageURL,
		RequestID:   out.RequestID,
		AspectRatio: req.AspectRatio,
		Seed:        req.Seed,
	}
	message := MsgGenerated
	if req.Mode == ModeImageToImage {
		rec.Type = RecordTypeImageToImage
		rec.ImagePromptStrength = req.ImagePromptStrength
		message = MsgEdited
	}
	rec.ArchivedURL = s.archive(ctx, req.Username, out)

	if err := s.records.Save(context.WithoutCancel(ctx), rec); err != nil {
		zap.L().Error("Failed to save generation record",
			zap.String("username", req.Username),
			zap.String("request_id", out.RequestID),
			zap.Error(err))
	}

	return &Result{
		Message:          message,
		RequestID:        out.RequestID,
		ImageURL:         out.ImageURL,
		CreditsRemaining: user.Credits,
	}, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Username) == "" {
		return invalid("username is required")
	}
	if req.Prompt == "" {
		return invalid(msgPromptRequired)
	}
	if req.Mode == ModeImageToImage && (req.InputImage == nil || *req.InputImage == "") {
		return invalid(msgInputImageRequired)
	}
	if req.ImagePromptStrength != nil && (*req.ImagePromptStrength < 0 || *req.ImagePromptStrength > 1) {
		return invalid("image_prompt_strength 必须在 0-1 之间")
	}
	return nil
}

// refund restores charge on a context the caller cannot cancel. A failed
// refund is logged loudly since it leaves the balance short.
func (s *Service) refund(ctx context.Context, username string, charge ledger.Charge) {
	if _, err := s.ledger.Refund(context.WithoutCancel(ctx), username, charge); err != nil {
		zap.L().Error("Failed to refund credits",
			zap.String("username", username),
			zap.Int("credits", charge.Credits),
			zap.Error(err))
	}
}

func (s *Service) archive(ctx context.Context, username string, out *Outcome) string {
	if s.archiver == nil {
		return ""
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.archiveTimeout)
	defer cancel()

	url, err := s.archiver.Archive(archiveCtx, username, out.RequestID, out.ImageURL)
	if err != nil {
		zap.L().Warn("Failed to archive image",
			zap.String("request_id", out.RequestID),
			zap.Error(err))
		return ""
	}
	return url
}

// Records lists a user's generation history, newest first.
func (s *Service) Records(ctx context.Context, username string, limit int) ([]Record, error) {
	return s.records.List(ctx, username, limit)
}

// IsModerationRejection extracts the rejection from a Generate error.
func IsModerationRejection(err error) (*moderation.Rejection, bool) {
	var rej *moderation.Rejection
	if errors.Is(err, ErrModerationRejected) && errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
