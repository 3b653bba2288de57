package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"imagegen-backend/internal/fireworks"
	"imagegen-backend/internal/metrics"
)

const (
	MaxPollAttempts = 40
	PollInterval    = 800 * time.Millisecond

	ProgressClaimed   = 10
	ProgressSubmitted = 30
	ProgressDone      = 100
)

// PollProgress is the advisory progress shown while waiting on attempt
// (zero based) out of max.
func PollProgress(attempt, max int) int {
	return ProgressSubmitted + attempt*60/max
}

// Provider is the upstream workflow API.
type Provider interface {
	Create(ctx context.Context, apiKey string, req fireworks.CreateRequest) (*fireworks.CreateResponse, error)
	GetResult(ctx context.Context, apiKey, id string) (*fireworks.ResultResponse, error)
}

// KeySource hands out upstream keys and takes usage reports.
type KeySource interface {
	Next(ctx context.Context) (string, error)
	RecordUsage(ctx context.Context, key string, success bool, detail string)
}

type Job struct {
	Prompt              string
	InputImage          *string
	Seed                *int64
	AspectRatio         *string
	OutputFormat        string
	ImagePromptStrength *float64
}

type Outcome struct {
	RequestID string
	ImageURL  string
	Attempts  int
}

// ProgressFunc observes progress checkpoints. It must not block for long.
type ProgressFunc func(progress int)

type RunnerOption func(*Runner)

// WithPollInterval overrides the wait before each poll.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.interval = d
	}
}

// WithMaxAttempts overrides the poll budget.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// Runner drives one job from submission to a terminal state:
// Submitting, Polling, then Succeeded, Failed or TimedOut. It books key
// usage but never touches credits.
type Runner struct {
	provider    Provider
	keys        KeySource
	interval    time.Duration
	maxAttempts int
}

func NewRunner(provider Provider, keys KeySource, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider:    provider,
		keys:        keys,
		interval:    PollInterval,
		maxAttempts: MaxPollAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run submits job and polls it with the same key until it resolves. kind
// labels metrics only.
func (r *Runner) Run(ctx context.Context, kind string, job Job, onProgress ProgressFunc) (*Outcome, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}
	start := time.Now()
	out, err := r.run(ctx, job, onProgress)

	m := metrics.Get()
	m.JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if je, ok := AsJobError(err); ok {
			outcome = string(je.Kind)
		}
		m.JobsTotal.WithLabelValues(kind, outcome).Inc()
		return nil, err
	}
	m.JobsTotal.WithLabelValues(kind, "success").Inc()
	m.PollRounds.WithLabelValues(kind).Observe(float64(out.Attempts))
	return out, nil
}

func (r *Runner) run(ctx context.Context, job Job, onProgress ProgressFunc) (*Outcome, error) {
	// Bookkeeping must survive a cancelled request.
	bookCtx := context.WithoutCancel(ctx)

	key, err := r.keys.Next(ctx)
	if err != nil {
		return nil, &JobError{Kind: KindSubmission, Message: MsgCreateFailed, Raw: errorBody(err), Err: err}
	}

	outputFormat := job.OutputFormat
	if outputFormat == "" {
		outputFormat = "png"
	}
	created, err := r.provider.Create(ctx, key, fireworks.CreateRequest{
		Prompt:              job.Prompt,
		InputImage:          job.InputImage,
		Seed:                job.Seed,
		AspectRatio:         job.AspectRatio,
		OutputFormat:        outputFormat,
		PromptUpsampling:    false,
		SafetyTolerance:     2,
		ImagePromptStrength: job.ImagePromptStrength,
	})
	if err != nil {
		raw := errorBody(err)
		if se, ok := fireworks.IsStatusError(err); ok {
			raw = se.Body
		}
		r.keys.RecordUsage(bookCtx, key, false, string(raw))
		return nil, &JobError{Kind: KindSubmission, Message: MsgCreateFailed, Raw: raw, Err: err}
	}
	if created.RequestID == "" {
		r.keys.RecordUsage(bookCtx, key, false, MsgMissingRequestID)
		return nil, &JobError{Kind: KindSubmission, Message: MsgMissingRequestID, Raw: created.Raw}
	}

	requestID := created.RequestID
	onProgress(ProgressSubmitted)

	var last json.RawMessage
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			timer.Reset(r.interval)
		}
		select {
		case <-ctx.Done():
			r.keys.RecordUsage(bookCtx, key, false, MsgInterrupted)
			return nil, &JobError{Kind: KindTransport, Message: MsgInterrupted, RequestID: requestID, Raw: last, Err: ctx.Err()}
		case <-timer.C:
		}
		onProgress(PollProgress(attempt, r.maxAttempts))

		res, err := r.provider.GetResult(ctx, key, requestID)
		if err != nil {
			if se, ok := fireworks.IsStatusError(err); ok {
				last = se.Body
				continue
			}
			if ctx.Err() != nil {
				r.keys.RecordUsage(bookCtx, key, false, MsgInterrupted)
				return nil, &JobError{Kind: KindTransport, Message: MsgInterrupted, RequestID: requestID, Raw: last, Err: ctx.Err()}
			}
			r.keys.RecordUsage(bookCtx, key, false, err.Error())
			return nil, &JobError{Kind: KindTransport, Message: MsgTransport, RequestID: requestID, Raw: last, Err: err}
		}
		last = res.Raw

		switch {
		case res.Status == fireworks.StatusReady:
			imageURL := fireworks.ExtractImageURL(res.Result)
			if imageURL == "" {
				zap.L().Error("Provider reported Ready without an image",
					zap.String("request_id", requestID),
					zap.ByteString("raw", res.Raw))
				r.keys.RecordUsage(bookCtx, key, false, MsgMissingResult)
				return nil, &JobError{Kind: KindMissingResult, Message: MsgMissingResult, RequestID: requestID, Status: res.Status, Raw: res.Raw}
			}
			r.keys.RecordUsage(bookCtx, key, true, "")
			return &Outcome{RequestID: requestID, ImageURL: imageURL, Attempts: attempt + 1}, nil

		case fireworks.IsTerminalFailure(res.Status):
			r.keys.RecordUsage(bookCtx, key, false, MsgTaskFailed+": "+res.Status)
			return nil, &JobError{Kind: KindTerminal, Message: MsgTaskFailed, RequestID: requestID, Status: res.Status, Raw: res.Raw}
		}
	}

	r.keys.RecordUsage(bookCtx, key, false, MsgTimeout)
	return nil, &JobError{
		Kind:      KindTimeout,
		Message:   MsgTimeout,
		RequestID: requestID,
		Raw:       last,
		Err:       fmt.Errorf("no terminal status after %d attempts", r.maxAttempts),
	}
}

func errorBody(err error) json.RawMessage {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = MsgInterrupted
	}
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}
