package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GenerationMetrics 生图服务指标
type GenerationMetrics struct {
	// Jobs submitted upstream, by kind (generate/image_to_image/batch) and
	// outcome (success/submission/terminal/timeout/missing_result/transport).
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	PollRounds  *prometheus.HistogramVec

	// Credit movements
	CreditsDebited  prometheus.Counter
	CreditsRefunded prometheus.Counter

	// Pre-flight rejections
	ModerationRejections prometheus.Counter
	InsufficientCredits  prometheus.Counter

	// Per-key usage by masked preview and result
	KeyUsageTotal *prometheus.CounterVec

	// Batches
	BatchesCreated prometheus.Counter
	BatchTasks     *prometheus.CounterVec

	// Locks
	LockAcquireTotal    *prometheus.CounterVec
	LockAcquireDuration prometheus.Histogram
}

var (
	instance *GenerationMetrics
	once     sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *GenerationMetrics {
	once.Do(func() {
		instance = newGenerationMetrics()
	})
	return instance
}

func newGenerationMetrics() *GenerationMetrics {
	return &GenerationMetrics{
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_jobs_total",
				Help: "Total number of upstream generation jobs by outcome",
			},
			[]string{"kind", "outcome"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagegen_job_duration_seconds",
				Help:    "Wall time from submission to terminal state",
				Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30, 35, 45, 60},
			},
			[]string{"kind"},
		),
		PollRounds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagegen_poll_rounds",
				Help:    "Number of get_result calls per job",
				Buckets: prometheus.LinearBuckets(0, 5, 9),
			},
			[]string{"kind"},
		),
		CreditsDebited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_credits_debited_total",
			Help: "Credits debited from user balances",
		}),
		CreditsRefunded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_credits_refunded_total",
			Help: "Credits restored to user balances after failed jobs",
		}),
		ModerationRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_moderation_rejections_total",
			Help: "Prompts rejected by the moderation gate",
		}),
		InsufficientCredits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_insufficient_credits_total",
			Help: "Requests rejected for insufficient credits",
		}),
		KeyUsageTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_api_key_usage_total",
				Help: "Upstream API key usage by masked key and result",
			},
			[]string{"key", "result"},
		),
		BatchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_batches_created_total",
			Help: "Batches accepted",
		}),
		BatchTasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_batch_tasks_total",
				Help: "Batch tasks resolved by status",
			},
			[]string{"status"},
		),
		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_lock_acquire_total",
				Help: "Lock acquisitions by result",
			},
			[]string{"result"},
		),
		LockAcquireDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagegen_lock_acquire_duration_seconds",
			Help:    "Time spent waiting for distributed locks",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
