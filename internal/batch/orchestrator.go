package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/metrics"
	"imagegen-backend/internal/moderation"
	"imagegen-backend/internal/store"
)

// StaleAfter is how long a task may sit in processing without a progress
// write before the reaper fails it.
const StaleAfter = 10 * time.Minute

type Option func(*Orchestrator)

// WithEvents sets the publisher for task transitions.
func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// WithRefundFailedTasks returns one credit per failed task when enabled.
func WithRefundFailedTasks(enabled bool) Option {
	return func(o *Orchestrator) {
		o.refundFailed = enabled
	}
}

// WithArchiver copies finished images before their record is written.
func WithArchiver(a generation.Archiver) Option {
	return func(o *Orchestrator) {
		o.archiver = a
	}
}

// Orchestrator owns batch lifecycle: creation with a single up-front debit,
// per-task processing over the shared runner, and read access.
type Orchestrator struct {
	store   store.Store
	locker  lock.Locker
	ledger  *ledger.Ledger
	gate    *moderation.Gate
	runner  *generation.Runner
	records *generation.RecordStore

	events       EventPublisher
	archiver     generation.Archiver
	refundFailed bool
	now          func() time.Time
}

func NewOrchestrator(
	s store.Store,
	locker lock.Locker,
	l *ledger.Ledger,
	gate *moderation.Gate,
	runner *generation.Runner,
	records *generation.RecordStore,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:   s,
		locker:  locker,
		ledger:  l,
		gate:    gate,
		runner:  runner,
		records: records,
		events:  NoopPublisher(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Create validates and moderates every prompt, debits one credit per task
// and stores the batch with all tasks pending. Nothing is charged when any
// prompt is rejected.
func (o *Orchestrator) Create(ctx context.Context, username string, req Request) (*Created, error) {
	prompts, err := req.prompts()
	if err != nil {
		return nil, err
	}

	for _, p := range prompts {
		if res := o.gate.Moderate(ctx, p); !res.Passed {
			o.gate.LogRejection(context.WithoutCancel(ctx), username, p, res.Reason)
			return nil, &PromptRejectedError{Prompt: p, Rejection: &moderation.Rejection{Reason: res.Reason, BlockedWord: res.BlockedWord}}
		}
	}

	cost := len(prompts)
	charge := ledger.Charge{Credits: cost}
	user, err := o.ledger.Charge(ctx, username, charge)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			available := 0
			if u, getErr := o.ledger.Get(ctx, username); getErr == nil {
				available = u.Credits
			}
			return nil, &InsufficientCreditsError{Required: cost, Available: available, Err: err}
		}
		return nil, err
	}

	b, err := o.newBatch(ctx, username, prompts, req.params())
	if err == nil {
		err = o.save(ctx, b)
	}
	if err != nil {
		if _, refundErr := o.ledger.Refund(context.WithoutCancel(ctx), username, charge); refundErr != nil {
			zap.L().Error("Failed to refund batch after save failure",
				zap.String("username", username),
				zap.Int("credits", cost),
				zap.Error(refundErr))
		}
		return nil, err
	}

	metrics.Get().BatchesCreated.Inc()
	zap.L().Info("Batch created",
		zap.String("batch_id", b.BatchID),
		zap.String("username", username),
		zap.Int("tasks", cost))

	return &Created{
		Message:          MsgCreated,
		BatchID:          b.BatchID,
		TotalTasks:       cost,
		CreditsDeducted:  cost,
		CreditsRemaining: user.Credits,
	}, nil
}

func (o *Orchestrator) newBatch(ctx context.Context, username string, prompts []string, params Params) (*Batch, error) {
	now := o.now().UnixMilli()
	id := keyPrefix + username + ":" + strconv.FormatInt(now, 10)
	if _, err := o.store.Get(ctx, id); err == nil {
		id += "-" + uuid.NewString()[:8]
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check batch id: %w", err)
	}

	b := &Batch{
		BatchID:    id,
		Username:   username,
		Tasks:      make([]Task, len(prompts)),
		TotalTasks: len(prompts),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for i, p := range prompts {
		b.Tasks[i] = Task{
			TaskID:    id + ":" + strconv.Itoa(i),
			Prompt:    p,
			Params:    params,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return b, nil
}

// Get returns the batch if username owns it.
func (o *Orchestrator) Get(ctx context.Context, username, batchID string) (*Batch, error) {
	b, err := o.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Username != username {
		return nil, ErrForbidden
	}
	return b, nil
}

// List returns summaries of the user's most recent batches, newest first.
func (o *Orchestrator) List(ctx context.Context, username string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	keys, err := o.store.List(ctx, keyPrefix+username+":", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		b, err := o.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, b.Summary())
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt > summaries[j].CreatedAt
	})
	return summaries, nil
}

// ProcessTask runs task index of batchID to completion. Only pending
// tasks are accepted; the batch record reflects every progress step.
// Upstream failures are reported in the outcome, not as an error.
func (o *Orchestrator) ProcessTask(ctx context.Context, batchID string, index int) (*TaskOutcome, error) {
	var task Task
	var username string
	err := o.mutate(ctx, batchID, func(b *Batch) error {
		if err := b.claim(index, o.now().UnixMilli()); err != nil {
			return err
		}
		task = b.Tasks[index]
		username = b.Username
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publish(ctx, Event{BatchID: batchID, Username: username, TaskIndex: index, Event: EventTaskClaimed, Status: StatusProcessing, Progress: task.Progress})

	// A claimed task is already paid for, so it polls to a terminal status
	// even if the caller goes away.
	bookCtx := context.WithoutCancel(ctx)

	job := generation.Job{
		Prompt:       task.Prompt,
		Seed:         task.Params.Seed,
		AspectRatio:  task.Params.AspectRatio,
		OutputFormat: task.Params.OutputFormat,
	}
	out, runErr := o.runner.Run(bookCtx, "batch", job, func(progress int) {
		o.setProgress(bookCtx, batchID, username, index, progress)
	})

	if runErr != nil {
		reason := taskError(runErr)
		resolved, err := o.resolve(bookCtx, batchID, func(b *Batch) bool {
			return b.fail(index, reason, o.now().UnixMilli())
		})
		if err != nil {
			return nil, err
		}
		if resolved {
			o.afterFailure(bookCtx, username, batchID, index, reason)
		}
		return &TaskOutcome{Success: false, Error: reason}, nil
	}

	result := TaskResult{ImageURL: out.ImageURL, RequestID: out.RequestID}
	resolved, err := o.resolve(bookCtx, batchID, func(b *Batch) bool {
		return b.complete(index, result, o.now().UnixMilli())
	})
	if err != nil {
		return nil, err
	}
	if resolved {
		o.afterSuccess(bookCtx, username, batchID, index, task, out)
	}
	return &TaskOutcome{Success: true, ImageURL: out.ImageURL}, nil
}

// ProcessAll runs every pending task of batchID in order and returns how
// many succeeded and failed.
func (o *Orchestrator) ProcessAll(ctx context.Context, batchID string) (succeeded, failed int, err error) {
	b, err := o.load(ctx, batchID)
	if err != nil {
		return 0, 0, err
	}
	for i := range b.Tasks {
		if ctx.Err() != nil {
			return succeeded, failed, ctx.Err()
		}
		out, err := o.ProcessTask(ctx, batchID, i)
		if err != nil {
			if errors.Is(err, ErrTaskNotReady) {
				continue
			}
			return succeeded, failed, err
		}
		if out.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// ReapStale fails tasks that have been processing without a progress write
// for longer than olderThan, typically because the process running them
// died. It returns the number of tasks reaped.
func (o *Orchestrator) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := o.store.List(ctx, keyPrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list batches: %w", err)
	}
	cutoff := o.now().Add(-olderThan).UnixMilli()

	reaped := 0
	for _, key := range keys {
		b, err := o.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return reaped, err
		}
		if b.Status == StatusCompleted || !hasStale(b, cutoff) {
			continue
		}

		var failedIdx []int
		err = o.mutate(ctx, key, func(b *Batch) error {
			failedIdx = failedIdx[:0]
			now := o.now().UnixMilli()
			for i := range b.Tasks {
				if b.Tasks[i].Status == StatusProcessing && b.Tasks[i].UpdatedAt < cutoff {
					b.fail(i, MsgInterrupted, now)
					failedIdx = append(failedIdx, i)
				}
			}
			return nil
		})
		if err != nil {
			return reaped, err
		}
		for _, i := range failedIdx {
			o.afterFailure(ctx, b.Username, key, i, MsgInterrupted)
		}
		reaped += len(failedIdx)
	}

	if reaped > 0 {
		zap.L().Warn("Reaped stale batch tasks", zap.Int("count", reaped))
	}
	return reaped, nil
}

func hasStale(b *Batch, cutoff int64) bool {
	for _, t := range b.Tasks {
		if t.Status == StatusProcessing && t.UpdatedAt < cutoff {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setProgress(ctx context.Context, batchID, username string, index, progress int) {
	err := o.mutate(ctx, batchID, func(b *Batch) error {
		t := &b.Tasks[index]
		if t.Status != StatusProcessing {
			return nil
		}
		t.Progress = progress
		t.UpdatedAt = o.now().UnixMilli()
		b.UpdatedAt = t.UpdatedAt
		return nil
	})
	if err != nil {
		zap.L().Warn("Failed to write batch task progress",
			zap.String("batch_id", batchID),
			zap.Int("task_index", index),
			zap.Error(err))
		return
	}
	o.publish(ctx, Event{BatchID: batchID, Username: username, TaskIndex: index, Event: EventTaskProgress, Status: StatusProcessing, Progress: progress})
}

func (o *Orchestrator) resolve(ctx context.Context, batchID string, apply func(*Batch) bool) (bool, error) {
	var resolved bool
	err := o.mutate(ctx, batchID, func(b *Batch) error {
		resolved = apply(b)
		return nil
	})
	return resolved, err
}

func (o *Orchestrator) afterSuccess(ctx context.Context, username, batchID string, index int, task Task, out *generation.Outcome) {
	metrics.Get().BatchTasks.WithLabelValues(string(StatusCompleted)).Inc()

	if _, err := o.ledger.Charge(ctx, username, ledger.Charge{Generations: 1}); err != nil {
		zap.L().Warn("Failed to count batch generation",
			zap.String("username", username),
			zap.Error(err))
	}

	rec := &generation.Record{
		Username:    username,
		Type:        generation.RecordTypeBatch,
		Prompt:      task.Prompt,
		ImageURL:    out.ImageURL,
		RequestID:   out.RequestID,
		AspectRatio: task.Params.AspectRatio,
		Seed:        task.Params.Seed,
		BatchID:     batchID,
	}
	if o.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		url, err := o.archiver.Archive(archiveCtx, username, out.RequestID, out.ImageURL)
		cancel()
		if err != nil {
			zap.L().Warn("Failed to archive batch image",
				zap.String("request_id", out.RequestID),
				zap.Error(err))
		}
		rec.ArchivedURL = url
	}
	if err := o.records.Save(ctx, rec); err != nil {
		zap.L().Error("Failed to save batch record",
			zap.String("batch_id", batchID),
			zap.Error(err))
	}

	o.publish(ctx, Event{BatchID: batchID, Username: username, TaskIndex: index, Event: EventTaskCompleted, Status: StatusCompleted, Progress: generation.ProgressDone, ImageURL: out.ImageURL})
}

func (o *Orchestrator) afterFailure(ctx context.Context, username, batchID string, index int, reason string) {
	metrics.Get().BatchTasks.WithLabelValues(string(StatusFailed)).Inc()

	if o.refundFailed {
		if _, err := o.ledger.Refund(ctx, username, ledger.Charge{Credits: 1}); err != nil {
			zap.L().Error("Failed to refund failed batch task",
				zap.String("batch_id", batchID),
				zap.Int("task_index", index),
				zap.Error(err))
		}
	}

	o.publish(ctx, Event{BatchID: batchID, Username: username, TaskIndex: index, Event: EventTaskFailed, Status: StatusFailed, Error: reason})
}

func (o *Orchestrator) publish(ctx context.Context, evt Event) {
	evt.Timestamp = o.now().UnixMilli()
	if err := o.events.Publish(ctx, evt); err != nil {
		zap.L().Warn("Failed to publish batch event",
			zap.String("batch_id", evt.BatchID),
			zap.String("event", evt.Event),
			zap.Error(err))
	}
}

// mutate applies fn to the stored batch under the batch lock and writes
// it back when fn succeeds.
func (o *Orchestrator) mutate(ctx context.Context, batchID string, fn func(*Batch) error) error {
	unlock, err := o.locker.Lock(ctx, batchID)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := o.load(ctx, batchID)
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	return o.save(ctx, b)
}

func (o *Orchestrator) load(ctx context.Context, batchID string) (*Batch, error) {
	if !strings.HasPrefix(batchID, keyPrefix) {
		return nil, ErrNotFound
	}
	var b Batch
	if err := store.GetJSON(ctx, o.store, batchID, &b); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	return &b, nil
}

func (o *Orchestrator) save(ctx context.Context, b *Batch) error {
	if err := store.PutJSON(ctx, o.store, b.BatchID, b); err != nil {
		return fmt.Errorf("failed to save batch %s: %w", b.BatchID, err)
	}
	return nil
}
