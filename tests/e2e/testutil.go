package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/persona-chat/internal/api"
	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/mirror"
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"github.com/nidhogg/persona-chat/internal/storage"
	pgstore "github.com/nidhogg/persona-chat/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("parlor_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// fakeUpstream is an OpenAI-compatible completion endpoint that streams
// a fixed reply and records the messages it was sent.
type fakeUpstream struct {
	reply []string
	mu    sync.Mutex
	calls [][]provider.Message
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.calls = append(f.calls, req.Messages)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, part := range f.reply {
		b, _ := json.Marshal(map[string]interface{}{
			"choices": []map[string]interface{}{{"delta": map[string]string{"content": part}}},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		w.(http.Flusher).Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeUpstream) lastCall() []provider.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// stack is a full parlor server wired to the shared containers.
type stack struct {
	server   *httptest.Server
	engine   *chat.Engine
	mirror   *mirror.Mirror
	upstream *fakeUpstream
	dataDir  string
}

// setupStack wires personas, storage, provider, engine, archive, mirror
// and the HTTP API the same way cmd/parlor does.
func setupStack(t *testing.T, reply ...string) *stack {
	t.Helper()
	st := &stack{dataDir: t.TempDir(), upstream: &fakeUpstream{reply: reply}}

	up := httptest.NewServer(st.upstream)
	t.Cleanup(up.Close)

	promptDir := filepath.Join(st.dataDir, "prompts")
	personas := persona.NewStore(promptDir, "default_prompt", testLogger)
	if err := personas.Save("default_prompt", &persona.Document{}); err != nil {
		t.Fatalf("save default persona: %v", err)
	}
	if err := personas.Save("nora", &persona.Document{
		PrePrompt: "You are Nora, a careful researcher.",
		WorldBook: []persona.WorldBookEntry{{
			Key:         persona.EncodeWorldKey(persona.ModeOr, []string{"library", "archive"}),
			KeyRegion:   persona.Sources(persona.SourceUserInput).Mask(),
			ValueRegion: persona.Targets(persona.TargetUserSuffix).Mask(),
			Value:       "(The library closes at nine.)",
		}},
		CGBook: []persona.CGBookEntry{{Keys: []string{"books"}, KeyMode: "or", ImageURL: "shelves.png"}},
	}); err != nil {
		t.Fatalf("save nora: %v", err)
	}

	saveDir := filepath.Join(st.dataDir, "save")
	prov := provider.NewOpenAIProvider(provider.ProviderConfig{Endpoint: up.URL, Model: "deepseek-chat"}, testLogger)
	st.engine = chat.NewEngine(chat.Config{
		Model:          "deepseek-chat",
		DefaultPersona: "default_prompt",
		MemoryRounds:   6,
	}, prov, personas, storage.NewRing(saveDir, testLogger), testLogger)
	st.engine.AddRecorder(testPGStore)

	m, err := mirror.New(context.Background(), testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("connect mirror: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	st.mirror = m
	st.engine.AddRecorder(m)

	if err := st.engine.Restore(nil); err != nil {
		t.Fatalf("restore: %v", err)
	}

	h := api.NewHandler(st.engine, personas,
		storage.NewCredentials(filepath.Join(st.dataDir, "config")),
		storage.NewSaves(saveDir),
		storage.NewResources(filepath.Join(st.dataDir, "resource")),
		testLogger)
	h.SetArchive(testPGStore)
	h.SetTurnFeed(m)
	st.server = httptest.NewServer(h.Router())
	t.Cleanup(st.server.Close)
	return st
}
