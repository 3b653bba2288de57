package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/fireworks"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/keypool"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/moderation"
	"imagegen-backend/internal/store"
)

// promptProvider decides each job's fate from its prompt: prompts starting
// with "slow" never finish, "bad" ends in Error, anything else is Ready.
type promptProvider struct{}

func (promptProvider) Create(ctx context.Context, apiKey string, req fireworks.CreateRequest) (*fireworks.CreateResponse, error) {
	return &fireworks.CreateResponse{RequestID: req.Prompt, Raw: json.RawMessage(`{}`)}, nil
}

func (promptProvider) GetResult(ctx context.Context, apiKey, id string) (*fireworks.ResultResponse, error) {
	switch {
	case strings.HasPrefix(id, "slow"):
		return &fireworks.ResultResponse{Status: "Pending", Raw: json.RawMessage(`{"status":"Pending"}`)}, nil
	case strings.HasPrefix(id, "bad"):
		return &fireworks.ResultResponse{Status: "Error", Raw: json.RawMessage(`{"status":"Error"}`)}, nil
	default:
		result := json.RawMessage(`{"sample":"https://img/` + strings.ReplaceAll(id, " ", "-") + `.png"}`)
		return &fireworks.ResultResponse{Status: "Ready", Result: result, Raw: result}, nil
	}
}

// stagedProvider answers Pending for the first `pending` polls, then Ready.
type stagedProvider struct {
	pending int32
	polls   int32
}

func (p *stagedProvider) Create(ctx context.Context, apiKey string, req fireworks.CreateRequest) (*fireworks.CreateResponse, error) {
	return &fireworks.CreateResponse{RequestID: "req-staged", Raw: json.RawMessage(`{}`)}, nil
}

func (p *stagedProvider) GetResult(ctx context.Context, apiKey, id string) (*fireworks.ResultResponse, error) {
	if atomic.AddInt32(&p.polls, 1) <= p.pending {
		return &fireworks.ResultResponse{Status: "Pending", Raw: json.RawMessage(`{"status":"Pending"}`)}, nil
	}
	result := json.RawMessage(`{"sample":"https://img/staged.png"}`)
	return &fireworks.ResultResponse{Status: fireworks.StatusReady, Result: result, Raw: result}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []batch.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evt batch.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Event != batch.EventTaskProgress {
			out = append(out, e.Event)
		}
	}
	return out
}

type fixture struct {
	store   store.Store
	ledger  *ledger.Ledger
	gate    *moderation.Gate
	records *generation.RecordStore
	events  *recordingPublisher
	orch    *batch.Orchestrator
}

func newFixture(t *testing.T, credits int, opts ...batch.Option) *fixture {
	t.Helper()
	return newFixtureWithProvider(t, credits, promptProvider{}, time.Millisecond, opts...)
}

func newFixtureWithProvider(t *testing.T, credits int, provider generation.Provider, interval time.Duration, opts ...batch.Option) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	locker := lock.NewLocalLocker()
	l := ledger.New(s, locker)
	_, err := l.Create(context.Background(), "alice", credits)
	require.NoError(t, err)

	pool := keypool.New(s, locker, []string{"fw_batch_key_00001"})
	runner := generation.NewRunner(provider, pool,
		generation.WithPollInterval(interval),
		generation.WithMaxAttempts(3))
	gate := moderation.NewGate(s, locker, nil)
	records := generation.NewRecordStore(s)
	events := &recordingPublisher{}

	opts = append([]batch.Option{batch.WithEvents(events)}, opts...)
	return &fixture{
		store:   s,
		ledger:  l,
		gate:    gate,
		records: records,
		events:  events,
		orch:    batch.NewOrchestrator(s, locker, l, gate, runner, records, opts...),
	}
}

func (f *fixture) user(t *testing.T) *ledger.User {
	t.Helper()
	u, err := f.ledger.Get(context.Background(), "alice")
	require.NoError(t, err)
	return u
}

func TestCreate_WithPrompts(t *testing.T) {
	f := newFixture(t, 5)

	created, err := f.orch.Create(context.Background(), "alice", batch.Request{
		Prompts: []string{"a red fox", "a blue bird", "a green frog"},
	})
	require.NoError(t, err)
	assert.Equal(t, "批量任务已创建", created.Message)
	assert.Equal(t, 3, created.TotalTasks)
	assert.Equal(t, 3, created.CreditsDeducted)
	assert.Equal(t, 2, created.CreditsRemaining)
	assert.True(t, strings.HasPrefix(created.BatchID, "batch:alice:"))

	b, err := f.orch.Get(context.Background(), "alice", created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusPending, b.Status)
	require.Len(t, b.Tasks, 3)
	for i, task := range b.Tasks {
		assert.Equal(t, batch.StatusPending, task.Status)
		assert.Equal(t, "png", task.Params.OutputFormat)
		assert.Equal(t, created.BatchID+":"+string(rune('0'+i)), task.TaskID)
	}

	// Batch creation does not count as generations.
	assert.Equal(t, 0, f.user(t).TotalGenerated)
}

func TestCreate_WithCount(t *testing.T) {
	f := newFixture(t, 5)
	ratio := "16:9"

	created, err := f.orch.Create(context.Background(), "alice", batch.Request{
		Count:        4,
		Prompt:       "a lighthouse at dusk",
		AspectRatio:  &ratio,
		OutputFormat: "jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, created.TotalTasks)
	assert.Equal(t, 1, created.CreditsRemaining)

	b, err := f.orch.Get(context.Background(), "alice", created.BatchID)
	require.NoError(t, err)
	for _, task := range b.Tasks {
		assert.Equal(t, "a lighthouse at dusk", task.Prompt)
		assert.Equal(t, "jpeg", task.Params.OutputFormat)
		assert.Equal(t, &ratio, task.Params.AspectRatio)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, 50)
	cases := []struct {
		name string
		req  batch.Request
		msg  string
	}{
		{"empty prompts", batch.Request{Prompts: []string{}}, "prompts 数量必须在 1-10 之间"},
		{"too many prompts", batch.Request{Prompts: make([]string, 11)}, "prompts 数量必须在 1-10 之间"},
		{"count too large", batch.Request{Count: 11, Prompt: "a cat"}, "count 必须在 1-10 之间"},
		{"negative count", batch.Request{Count: -1, Prompt: "a cat"}, "count 必须在 1-10 之间"},
		{"count without prompt", batch.Request{Count: 2}, "请提供 prompts 数组或 count + prompt"},
		{"nothing", batch.Request{}, "请提供 prompts 数组或 count + prompt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Create(context.Background(), "alice", tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, generation.ErrValidation))
			assert.Equal(t, tc.msg, err.Error())
		})
	}
	assert.Equal(t, 50, f.user(t).Credits)
}

func TestCreate_OneRejectedPromptRejectsAll(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.orch.Create(context.Background(), "alice", batch.Request{
		Prompts: []string{"a red fox", "so much blood", "a green frog"},
	})
	var rejected *batch.PromptRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "so much blood", rejected.Prompt)
	assert.Equal(t, "blood", rejected.Rejection.BlockedWord)
	assert.True(t, errors.Is(err, generation.ErrModerationRejected))

	assert.Equal(t, 5, f.user(t).Credits)
	summaries, err := f.orch.List(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	logs, err := f.gate.Logs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "so much blood", logs[0].Prompt)
}

func TestCreate_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.orch.Create(context.Background(), "alice", batch.Request{Count: 3, Prompt: "a cat"})
	var insufficient *batch.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 2, insufficient.Available)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientCredits))
	assert.Equal(t, 2, f.user(t).Credits)
}

func TestCreate_ModerationCheckedBeforeBalance(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.Create(context.Background(), "alice", batch.Request{Prompts: []string{"a red fox", "so much gore"}})
	var rejected *batch.PromptRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.False(t, errors.Is(err, ledger.ErrInsufficientCredits))

	logs, err := f.gate.Logs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "so much gore", logs[0].Prompt)
	assert.Equal(t, 0, f.user(t).Credits)
}

func TestProcessTask_CountersAndNoRefund(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	created, err := f.orch.Create(ctx, "alice", batch.Request{
		Prompts: []string{"a red fox", "slow snail", "a green frog"},
	})
	require.NoError(t, err)

	out, err := f.orch.ProcessTask(ctx, created.BatchID, 0)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "https://img/a-red-fox.png", out.ImageURL)

	b, err := f.orch.Get(ctx, "alice", created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusProcessing, b.Status)
	assert.Equal(t, 1, b.CompletedTasks)

	out, err = f.orch.ProcessTask(ctx, created.BatchID, 1)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "等待超时", out.Error)

	out, err = f.orch.ProcessTask(ctx, created.BatchID, 2)
	require.NoError(t, err)
	assert.True(t, out.Success)

	b, err = f.orch.Get(ctx, "alice", created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.CompletedTasks)
	assert.Equal(t, 1, b.FailedTasks)
	assert.Equal(t, batch.StatusCompleted, b.Status)

	assert.Equal(t, batch.StatusCompleted, b.Tasks[0].Status)
	assert.Equal(t, 100, b.Tasks[0].Progress)
	require.NotNil(t, b.Tasks[0].Result)
	assert.Equal(t, "a red fox", b.Tasks[0].Result.RequestID)

	assert.Equal(t, batch.StatusFailed, b.Tasks[1].Status)
	assert.Equal(t, 0, b.Tasks[1].Progress)
	require.NotNil(t, b.Tasks[1].Error)
	assert.Equal(t, "等待超时", *b.Tasks[1].Error)

	u := f.user(t)
	assert.Equal(t, 0, u.Credits)
	assert.Equal(t, 2, u.TotalGenerated)

	records, err := f.records.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, generation.RecordTypeBatch, r.Type)
		assert.Equal(t, created.BatchID, r.BatchID)
	}
}

func TestProcessTask_CallerCancellationDoesNotAbandonJob(t *testing.T) {
	provider := &stagedProvider{pending: 2}
	f := newFixtureWithProvider(t, 1, provider, 20*time.Millisecond)
	created, err := f.orch.Create(context.Background(), "alice", batch.Request{Prompts: []string{"a red fox"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := f.orch.ProcessTask(ctx, created.BatchID, 0)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "https://img/staged.png", out.ImageURL)
	assert.Equal(t, int32(3), atomic.LoadInt32(&provider.polls))

	b, err := f.orch.Get(context.Background(), "alice", created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, b.Tasks[0].Status)
	assert.Equal(t, 1, b.CompletedTasks)
	assert.Equal(t, 0, b.FailedTasks)
	assert.Equal(t, 1, f.user(t).TotalGenerated)

	records, err := f.records.List(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessTask_TerminalFailureMessage(t *testing.T) {
	f := newFixture(t, 1)
	created, err := f.orch.Create(context.Background(), "alice", batch.Request{Prompts: []string{"bad dream"}})
	require.NoError(t, err)

	out, err := f.orch.ProcessTask(context.Background(), created.BatchID, 0)
	require.NoError(t, err)
	assert.Equal(t, "任务失败: Error", out.Error)
	assert.Equal(t, []string{batch.EventTaskClaimed, batch.EventTaskFailed}, f.events.kinds())
}

func TestProcessTask_RefundPolicy(t *testing.T) {
	f := newFixture(t, 2, batch.WithRefundFailedTasks(true))
	ctx := context.Background()
	created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"bad dream", "a red fox"}})
	require.NoError(t, err)

	_, _, err = f.orch.ProcessAll(ctx, created.BatchID)
	require.NoError(t, err)

	u := f.user(t)
	assert.Equal(t, 1, u.Credits)
	assert.Equal(t, 1, u.TotalGenerated)
}

func TestProcessTask_RejectsNonPending(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"a red fox"}})
	require.NoError(t, err)

	_, err = f.orch.ProcessTask(ctx, created.BatchID, 0)
	require.NoError(t, err)

	_, err = f.orch.ProcessTask(ctx, created.BatchID, 0)
	assert.True(t, errors.Is(err, batch.ErrTaskNotReady))
	_, err = f.orch.ProcessTask(ctx, created.BatchID, 5)
	assert.True(t, errors.Is(err, batch.ErrTaskNotReady))
	_, err = f.orch.ProcessTask(ctx, "batch:alice:0", 0)
	assert.True(t, errors.Is(err, batch.ErrNotFound))
	_, err = f.orch.ProcessTask(ctx, "user:alice", 0)
	assert.True(t, errors.Is(err, batch.ErrNotFound))
}

func TestProcessTask_ProgressIsPersisted(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"slow snail"}})
	require.NoError(t, err)

	_, err = f.orch.ProcessTask(ctx, created.BatchID, 0)
	require.NoError(t, err)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var progress []int
	for _, e := range f.events.events {
		if e.Event == batch.EventTaskProgress {
			progress = append(progress, e.Progress)
		}
	}
	// Submitted, then one checkpoint before each of the three polls.
	assert.Equal(t, []int{30, 30, 50, 70}, progress)
}

func TestGet_Ownership(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"a red fox"}})
	require.NoError(t, err)

	_, err = f.orch.Get(ctx, "mallory", created.BatchID)
	assert.True(t, errors.Is(err, batch.ErrForbidden))
	_, err = f.orch.Get(ctx, "alice", "batch:alice:42")
	assert.True(t, errors.Is(err, batch.ErrNotFound))
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"a red fox"}})
		require.NoError(t, err)
		ids = append(ids, created.BatchID)
		time.Sleep(2 * time.Millisecond)
	}

	summaries, err := f.orch.List(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, ids[2], summaries[0].BatchID)
	assert.Equal(t, ids[0], summaries[2].BatchID)

	summaries, err = f.orch.List(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, ids[2], summaries[0].BatchID)
	assert.Equal(t, ids[1], summaries[1].BatchID)
}

func TestReapStale(t *testing.T) {
	f := newFixture(t, 2, batch.WithRefundFailedTasks(true))
	ctx := context.Background()
	created, err := f.orch.Create(ctx, "alice", batch.Request{Prompts: []string{"a red fox", "a green frog"}})
	require.NoError(t, err)

	// Simulate a worker that claimed task 0 and then died.
	var b batch.Batch
	require.NoError(t, store.GetJSON(ctx, f.store, created.BatchID, &b))
	b.Status = batch.StatusProcessing
	b.Tasks[0].Status = batch.StatusProcessing
	b.Tasks[0].UpdatedAt = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, store.PutJSON(ctx, f.store, created.BatchID, &b))

	reaped, err := f.orch.ReapStale(ctx, batch.StaleAfter)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := f.orch.Get(ctx, "alice", created.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Tasks[0].Status)
	assert.Equal(t, batch.MsgInterrupted, *got.Tasks[0].Error)
	assert.Equal(t, 1, got.FailedTasks)
	assert.Equal(t, batch.StatusProcessing, got.Status)
	assert.Equal(t, 1, f.user(t).Credits)

	reaped, err = f.orch.ReapStale(ctx, batch.StaleAfter)
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, batch.Channel("alice"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := batch.NewRedisPublisher(client)
	require.NoError(t, pub.Publish(ctx, batch.Event{BatchID: "batch:alice:1", Username: "alice", Event: batch.EventTaskCompleted, Status: batch.StatusCompleted}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var evt batch.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
	assert.Equal(t, "batch:alice:1", evt.BatchID)
	assert.Equal(t, batch.EventTaskCompleted, evt.Event)
}
