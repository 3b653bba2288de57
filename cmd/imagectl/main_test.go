package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/config"
)

const cliSecret = "imagectl-test-secret-with-enough-length"

func setupCLIEnv(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "imagectl.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", dbPath)
	t.Setenv("JWT_SECRET", cliSecret)
	t.Setenv("FIREWORKS_API_KEYS", "fw_cli_test_key_0001")
	return dbPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestUsersCommands(t *testing.T) {
	setupCLIEnv(t)

	out, err := runCLI(t, "users", "create", "alice", "--credits", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	_, err = runCLI(t, "users", "create", "alice")
	assert.ErrorContains(t, err, "already exists")

	_, err = runCLI(t, "users", "grant", "alice", "3")
	require.NoError(t, err)

	out, err = runCLI(t, "--json", "users", "show", "alice")
	require.NoError(t, err)
	var user struct {
		Username string `json:"username"`
		Credits  int    `json:"credits"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &user))
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, 8, user.Credits)

	_, err = runCLI(t, "users", "grant", "alice", "lots")
	assert.Error(t, err)
	_, err = runCLI(t, "users", "show", "ghost")
	assert.ErrorContains(t, err, "user not found")
}

func TestTokenCommand(t *testing.T) {
	setupCLIEnv(t)

	_, err := runCLI(t, "token", "alice")
	assert.Error(t, err)

	_, err = runCLI(t, "users", "create", "alice")
	require.NoError(t, err)

	out, err := runCLI(t, "token", "alice", "--ttl", "1h")
	require.NoError(t, err)

	token, err := jwt.Parse(strings.TrimSpace(out), func(*jwt.Token) (interface{}, error) {
		return []byte(cliSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "alice", claims["username"])
	assert.Contains(t, claims, "exp")
}

func TestKeysAndWordsCommands(t *testing.T) {
	setupCLIEnv(t)

	out, err := runCLI(t, "keys", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "fw_cli_t...0001")
	assert.NotContains(t, out, "fw_cli_test_key_0001")

	out, err = runCLI(t, "words", "add", "Kraken")
	require.NoError(t, err)
	assert.Contains(t, out, `"kraken"`)

	out, err = runCLI(t, "words", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Custom (1): kraken")

	out, err = runCLI(t, "moderation", "logs")
	require.NoError(t, err)
	assert.Contains(t, out, "No moderation rejections")
}

func TestBatchProcessCommand(t *testing.T) {
	setupCLIEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/get_result") {
			w.Write([]byte(`{"status":"Ready","result":{"sample":"https://img.example/out.png"}}`))
			return
		}
		w.Write([]byte(`{"request_id":"req-cli"}`))
	}))
	defer upstream.Close()
	t.Setenv("FIREWORKS_API_BASE_URL", upstream.URL)

	_, err := runCLI(t, "batch", "process", "batch:alice:1")
	assert.Error(t, err)

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	require.NoError(t, err)
	_, err = a.Ledger.Create(ctx, "alice", 2)
	require.NoError(t, err)
	created, err := a.Batches.Create(ctx, "alice", batch.Request{Count: 2, Prompt: "a lighthouse"})
	require.NoError(t, err)
	a.Close()

	out, err := runCLI(t, "batch", "process", created.BatchID)
	require.NoError(t, err)
	assert.Contains(t, out, "2 succeeded, 0 failed")
}
