package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/fireworks"
	"imagegen-backend/internal/generation"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/keypool"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/lock"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/moderation"
	"imagegen-backend/internal/store"
)

const testSecret = "handlers-test-secret-with-enough-length"

// fakeFireworks answers according to the prompt's first word: "slow"
// never finishes, "broken" fails upstream, "blank" is Ready without an
// image and "reject" is refused at submission.
type fakeFireworks struct {
	mu      sync.Mutex
	seq     int
	prompts map[string]string
}

func (f *fakeFireworks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, "/get_result") {
		var body struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		prompt := f.prompts[body.ID]
		f.mu.Unlock()

		switch {
		case strings.HasPrefix(prompt, "slow"):
			w.Write([]byte(`{"status":"Pending"}`))
		case strings.HasPrefix(prompt, "broken"):
			w.Write([]byte(`{"status":"Error","details":"boom"}`))
		case strings.HasPrefix(prompt, "blank"):
			w.Write([]byte(`{"status":"Ready","result":{}}`))
		default:
			fmt.Fprintf(w, `{"status":"Ready","result":{"sample":"https://img.example/%s.png"}}`, body.ID)
		}
		return
	}

	var body struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if strings.HasPrefix(body.Prompt, "reject") {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"upstream down"}`))
		return
	}

	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("req-%d", f.seq)
	f.prompts[id] = body.Prompt
	f.mu.Unlock()
	fmt.Fprintf(w, `{"request_id":%q}`, id)
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, batchID)
	return nil
}

type testEnv struct {
	router *gin.Engine
	ledger *ledger.Ledger
	queue  *fakeQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(&fakeFireworks{prompts: make(map[string]string)})
	t.Cleanup(upstream.Close)

	ctx := context.Background()
	s := store.NewMemoryStore()
	locker := lock.NewLocalLocker()
	l := ledger.New(s, locker)
	for name, credits := range map[string]int{"alice": 3, "bob": 0, "carol": 1, "root": 5} {
		_, err := l.Create(ctx, name, credits)
		require.NoError(t, err)
	}

	pool := keypool.New(s, locker, []string{"fw_handler_key_0001", "fw_handler_key_0002"})
	gate := moderation.NewGate(s, locker, nil)
	records := generation.NewRecordStore(s)
	runner := generation.NewRunner(
		fireworks.NewClient(upstream.URL, ""),
		pool,
		generation.WithPollInterval(time.Millisecond),
		generation.WithMaxAttempts(3),
	)
	service := generation.NewService(runner, l, gate, records, nil)
	orch := batch.NewOrchestrator(s, locker, l, gate, runner, records)
	queue := &fakeQueue{}

	cfg := &config.Config{JWTSecret: testSecret, AdminUsers: []string{"root"}}
	generate := handlers.NewGenerateHandler(service)
	batches := handlers.NewBatchHandler(orch, queue)
	admin := handlers.NewAdminHandler(pool, gate)

	router := gin.New()
	router.GET("/health", handlers.HealthHandler)
	api := router.Group("/api", middleware.AuthMiddleware(cfg, l))
	api.GET("/user", handlers.UserHandler)
	api.POST("/generate", generate.Generate)
	api.POST("/image-to-image", generate.ImageToImage)
	api.GET("/records", generate.Records)
	api.POST("/upload", handlers.UploadHandler)
	api.POST("/batch", batches.Create)
	api.GET("/batch", batches.Status)
	api.GET("/batches", batches.List)
	api.POST("/batch/process", batches.Process)
	adminGroup := api.Group("/admin", middleware.AdminMiddleware(cfg))
	adminGroup.GET("/keys/stats", admin.KeyStats)
	adminGroup.GET("/moderation/logs", admin.ModerationLogs)
	adminGroup.GET("/sensitive-words", admin.SensitiveWords)
	adminGroup.POST("/sensitive-words", admin.AddSensitiveWord)

	return &testEnv{router: router, ledger: l, queue: queue}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.IssueToken(testSecret, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) credits(t *testing.T, user string) int {
	t.Helper()
	u, err := e.ledger.Get(context.Background(), user)
	require.NoError(t, err)
	return u.Credits
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}
