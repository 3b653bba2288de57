package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Task lifecycle events.
const (
	EventTaskClaimed   = "task_claimed"
	EventTaskProgress  = "task_progress"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

// Event describes one observable task transition.
type Event struct {
	BatchID   string `json:"batch_id"`
	Username  string `json:"username"`
	TaskIndex int    `json:"task_index"`
	Event     string `json:"event"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	ImageURL  string `json:"image_url,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventPublisher fans task transitions out to interested clients.
// Publishing is best effort; the batch record stays authoritative.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

type noopPublisher struct{}

// NoopPublisher drops every event.
func NoopPublisher() EventPublisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error {
	return nil
}

// RedisPublisher sends events over Redis Pub/Sub, one channel per user.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Channel is the Pub/Sub channel carrying username's batch events.
func Channel(username string) string {
	return "batch-events:" + username
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode batch event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(evt.Username), data).Err(); err != nil {
		return fmt.Errorf("failed to publish batch event: %w", err)
	}
	return nil
}

// MultiPublisher publishes to every publisher and returns the first error.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
