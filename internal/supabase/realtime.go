package supabase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/supabase-community/postgrest-go"
	"imagegen-backend/internal/batch"
)

// Querier is satisfied by both *supabase.Client and *postgrest.Client.
type Querier interface {
	From(table string) *postgrest.QueryBuilder
}

// RealtimeClient publishes batch events by inserting rows into a table
// that Supabase Realtime broadcasts to subscribers.
type RealtimeClient struct {
	client Querier
	table  string
}

func NewRealtimeClient(client Querier, table string) *RealtimeClient {
	if table == "" {
		table = "batch_events"
	}
	return &RealtimeClient{
		client: client,
		table:  table,
	}
}

type eventRow struct {
	BatchID   string          `json:"batch_id"`
	Username  string          `json:"username"`
	TaskIndex int             `json:"task_index"`
	Event     string          `json:"event"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publish implements batch.EventPublisher. ctx is unused because the
// REST client does not take one.
func (r *RealtimeClient) Publish(ctx context.Context, evt batch.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	row := eventRow{
		BatchID:   evt.BatchID,
		Username:  evt.Username,
		TaskIndex: evt.TaskIndex,
		Event:     evt.Event,
		Status:    string(evt.Status),
		Progress:  evt.Progress,
		Payload:   payload,
	}
	if _, _, err := r.client.From(r.table).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to insert %s event: %w", evt.Event, err)
	}
	return nil
}
