package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/persona-chat/internal/chat"
	"github.com/nidhogg/persona-chat/internal/mirror"
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"github.com/nidhogg/persona-chat/internal/storage"
	"go.uber.org/zap"
)

type testEnv struct {
	handler *Handler
	server  *httptest.Server
	engine  *chat.Engine
	dataDir string
	// upstreamBodies records every request body the fake upstream received.
	upstreamBodies []map[string]interface{}
}

func deltaLine(s string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"delta": map[string]string{"content": s}}},
	})
	return "data: " + string(b) + "\n\n"
}

// sseUpstream replies to every completion request with the given deltas.
func sseUpstream(env *testEnv, deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		env.upstreamBodies = append(env.upstreamBodies, body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprint(w, deltaLine(d))
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func writePersona(t *testing.T, dir, name string, doc persona.Document) {
	t.Helper()
	if err := storage.WriteJSON(filepath.Join(dir, name+".json"), doc); err != nil {
		t.Fatalf("write persona %s: %v", name, err)
	}
}

// newTestEnv wires a Handler over temp directories and a fake upstream.
// upstream may be nil, in which case it streams "Hello, world".
func newTestEnv(t *testing.T, upstream func(env *testEnv) http.HandlerFunc) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	env := &testEnv{dataDir: t.TempDir()}

	if upstream == nil {
		upstream = func(env *testEnv) http.HandlerFunc { return sseUpstream(env, "Hello", ", world") }
	}
	up := httptest.NewServer(upstream(env))
	t.Cleanup(up.Close)

	promptDir := filepath.Join(env.dataDir, "prompts")
	writePersona(t, promptDir, "default_prompt", persona.Document{PrePrompt: "You are helpful."})
	writePersona(t, promptDir, "aria", persona.Document{
		PrePrompt: "You are Aria.",
		PreText:   "[scene]",
		PostText:  "[stay in character]",
		WorldBook: []persona.WorldBookEntry{
			{Key: "wb_AND_castle", KeyRegion: 2, ValueRegion: 1, Value: "The castle is ruined."},
		},
		CGBook: []persona.CGBookEntry{
			{Keys: []string{"world"}, KeyMode: "and", ImageURL: "wave.png"},
		},
	})

	personas := persona.NewStore(promptDir, "default_prompt", logger)
	prov := provider.NewOpenAIProvider(provider.ProviderConfig{Endpoint: up.URL, Model: "deepseek-chat"}, logger)
	ring := storage.NewRing(filepath.Join(env.dataDir, "save"), logger)
	env.engine = chat.NewEngine(chat.Config{
		Model:          "deepseek-chat",
		DefaultPersona: "default_prompt",
		MemoryRounds:   6,
	}, prov, personas, ring, logger)
	if err := env.engine.Restore(nil); err != nil {
		t.Fatalf("restore: %v", err)
	}

	env.handler = NewHandler(env.engine, personas,
		storage.NewCredentials(filepath.Join(env.dataDir, "config")),
		storage.NewSaves(filepath.Join(env.dataDir, "save")),
		storage.NewResources(filepath.Join(env.dataDir, "resource")),
		logger)
	env.server = httptest.NewServer(env.handler.Router())
	t.Cleanup(env.server.Close)
	return env
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func expectStatus(t *testing.T, resp *http.Response, want int, what string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if resp.StatusCode != want {
		t.Fatalf("%s: expected %d, got %d (%v)", what, want, resp.StatusCode, body)
	}
	return body
}

func setKey(t *testing.T, env *testEnv) {
	t.Helper()
	expectStatus(t, postJSON(t, env.server, "/api/api_key/set", map[string]string{"api_key": "sk-test"}), 200, "set key")
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	body := expectStatus(t, getJSON(t, env.server, "/api/health"), 200, "health")
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["persona"] != "default_prompt" {
		t.Errorf("expected persona default_prompt, got %v", body["persona"])
	}
	if body["has_api_key"] != false {
		t.Errorf("expected no api key, got %v", body["has_api_key"])
	}
}

func TestStreamChatWritesRawText(t *testing.T) {
	env := newTestEnv(t, nil)
	setKey(t, env)
	expectStatus(t, postJSON(t, env.server, "/api/prompt/set", map[string]string{"prompt_name": "aria"}), 200, "set prompt")

	resp := postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "take me to the castle"})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	got := readBody(t, resp)
	want := "Hello, world" + chat.ImageLine("wave.png")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	// The outbound request carries the persona wrapping and the world injection.
	if len(env.upstreamBodies) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(env.upstreamBodies))
	}
	msgs := env.upstreamBodies[0]["messages"].([]interface{})
	system := msgs[0].(map[string]interface{})["content"]
	if system != "You are Aria.\nThe castle is ruined." {
		t.Errorf("unexpected system message %q", system)
	}
	user := msgs[len(msgs)-1].(map[string]interface{})["content"]
	if user != "[scene]\ntake me to the castle\n[stay in character]" {
		t.Errorf("unexpected user message %q", user)
	}

	var hist struct {
		Status        string      `json:"status"`
		ChatHistory   []chat.Turn `json:"chat_history"`
		CurrentPrompt string      `json:"current_prompt"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/chat/history"), &hist)
	if len(hist.ChatHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(hist.ChatHistory))
	}
	if hist.ChatHistory[0].Content != "take me to the castle" || hist.ChatHistory[1].Content != "Hello, world" {
		t.Errorf("unexpected history %+v", hist.ChatHistory)
	}
	if hist.CurrentPrompt != "aria" {
		t.Errorf("expected current prompt aria, got %q", hist.CurrentPrompt)
	}
	if _, err := os.Stat(filepath.Join(env.dataDir, "save", "autosave.json")); err != nil {
		t.Errorf("expected autosave after turn: %v", err)
	}
}

func TestStreamChatErrorsBeforeStreaming(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
		}
	})

	body := expectStatus(t, postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "hi"}), 400, "no key")
	if body["status"] != "error" {
		t.Errorf("expected error status, got %v", body["status"])
	}

	setKey(t, env)
	expectStatus(t, postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "  "}), 400, "empty message")
	expectStatus(t, postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "hi"}), 502, "upstream 401")

	if n := len(env.engine.History()); n != 0 {
		t.Errorf("failed turns must not touch history, got %d entries", n)
	}
}

func TestStreamChatInlineErrorAfterHeaders(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, deltaLine("partial"))
			w.(http.Flusher).Flush()
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
		}
	})
	setKey(t, env)

	resp := postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "hi"})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := readBody(t, resp)
	if !strings.HasPrefix(got, "partial\n[error] ") {
		t.Fatalf("expected inline error after partial text, got %q", got)
	}
	if n := len(env.engine.History()); n != 0 {
		t.Errorf("interrupted reply must not be committed, got %d entries", n)
	}
}

func TestSendMessageValidates(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, postJSON(t, env.server, "/api/chat", map[string]string{"message": "hi"}), 200, "send")
	expectStatus(t, postJSON(t, env.server, "/api/chat", map[string]string{}), 400, "missing message")

	resp, err := http.Post(env.server.URL+"/api/chat", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	expectStatus(t, resp, 400, "bad json")
}

func TestAPIKeyPersists(t *testing.T) {
	env := newTestEnv(t, nil)

	body := expectStatus(t, getJSON(t, env.server, "/api/api_key/status"), 200, "status")
	if body["has_api_key"] != false {
		t.Fatalf("expected no key, got %v", body["has_api_key"])
	}
	expectStatus(t, postJSON(t, env.server, "/api/api_key/set", map[string]string{"api_key": ""}), 400, "empty key")
	setKey(t, env)

	body = expectStatus(t, getJSON(t, env.server, "/api/api_key/status"), 200, "status")
	if body["has_api_key"] != true {
		t.Fatalf("expected key set, got %v", body["has_api_key"])
	}
	key, err := storage.NewCredentials(filepath.Join(env.dataDir, "config")).Load()
	if err != nil || key != "sk-test" {
		t.Fatalf("expected persisted key sk-test, got %q (%v)", key, err)
	}
}

func TestPromptLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	var list struct {
		Prompts       []string          `json:"prompts"`
		CurrentPrompt string            `json:"current_prompt"`
		CurrentConfig *persona.Document `json:"current_config"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/prompts"), &list)
	if strings.Join(list.Prompts, ",") != "aria,default_prompt" {
		t.Fatalf("unexpected prompts %v", list.Prompts)
	}
	if list.CurrentConfig == nil || list.CurrentConfig.PrePrompt != "You are helpful." {
		t.Fatalf("unexpected current config %+v", list.CurrentConfig)
	}

	// Unknown persona falls back to the default.
	body := expectStatus(t, postJSON(t, env.server, "/api/prompt/set", map[string]string{"prompt_name": "ghost"}), 200, "set ghost")
	if body["prompt_name"] != "default_prompt" || body["fallback"] != true {
		t.Errorf("expected fallback to default, got %v", body)
	}

	expectStatus(t, postJSON(t, env.server, "/api/prompt/save", map[string]interface{}{
		"prompt_name": "bard.json",
		"prompt_data": persona.Document{PrePrompt: "You sing."},
	}), 200, "save bard")
	expectStatus(t, postJSON(t, env.server, "/api/prompt/save", map[string]string{"prompt_name": "x"}), 400, "save without data")

	expectStatus(t, postJSON(t, env.server, "/api/prompt/set", map[string]string{"prompt_name": "bard"}), 200, "set bard")

	// Saving the active persona reloads it.
	expectStatus(t, postJSON(t, env.server, "/api/prompt/save", map[string]interface{}{
		"prompt_name": "bard",
		"prompt_data": persona.Document{PrePrompt: "You sing loudly."},
	}), 200, "update bard")
	if got := env.engine.Persona().SystemPreamble; got != "You sing loudly." {
		t.Errorf("expected reloaded persona, got %q", got)
	}

	expectStatus(t, postJSON(t, env.server, "/api/prompt/rename", map[string]string{"old_name": "bard", "new_name": "aria"}), 409, "rename onto existing")
	expectStatus(t, postJSON(t, env.server, "/api/prompt/rename", map[string]string{"old_name": "bard", "new_name": "skald"}), 200, "rename")
	if env.engine.PersonaName() != "skald" {
		t.Errorf("active persona should follow rename, got %q", env.engine.PersonaName())
	}
	expectStatus(t, postJSON(t, env.server, "/api/prompt/rename", map[string]string{"old_name": "bard"}), 400, "rename missing new_name")

	expectStatus(t, postJSON(t, env.server, "/api/prompt/delete", map[string]string{"prompt_name": "skald"}), 200, "delete")
	expectStatus(t, postJSON(t, env.server, "/api/prompt/delete", map[string]string{"prompt_name": "skald"}), 404, "delete again")
	expectStatus(t, postJSON(t, env.server, "/api/prompt/delete", map[string]string{"prompt_name": "../etc"}), 400, "delete traversal")
}

func TestPromptsServeStoredDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	// Lowercase mode and a rule that does not compile must come back as saved.
	doc := persona.Document{
		PrePrompt: "You are Wren.",
		WorldBook: []persona.WorldBookEntry{
			{Key: "wb_or_rain", KeyRegion: 2, ValueRegion: 1, Value: "It is raining."},
			{Key: "wb_XOR_x", KeyRegion: 2, ValueRegion: 1, Value: "draft rule"},
		},
		CGBook: []persona.CGBookEntry{
			{Keys: []string{"storm"}, KeyMode: "OR", ImageURL: "storm.png"},
		},
	}
	expectStatus(t, postJSON(t, env.server, "/api/prompt/save", map[string]interface{}{
		"prompt_name": "wren",
		"prompt_data": doc,
	}), 200, "save wren")
	expectStatus(t, postJSON(t, env.server, "/api/prompt/set", map[string]string{"prompt_name": "wren"}), 200, "set wren")

	var list struct {
		CurrentPrompt string          `json:"current_prompt"`
		CurrentConfig json.RawMessage `json:"current_config"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/prompts"), &list)
	if list.CurrentPrompt != "wren" {
		t.Fatalf("expected wren active, got %q", list.CurrentPrompt)
	}
	want, _ := json.Marshal(doc)
	if string(list.CurrentConfig) != string(want) {
		t.Errorf("current_config changed on the way out:\n got %s\nwant %s", list.CurrentConfig, want)
	}
}

func TestSaveLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	setKey(t, env)
	readBody(t, postJSON(t, env.server, "/api/chat/stream", map[string]string{"message": "remember me"}))

	expectStatus(t, postJSON(t, env.server, "/api/save", map[string]string{"filename": "mine"}), 200, "save")
	body := expectStatus(t, postJSON(t, env.server, "/api/save", map[string]string{"filename": "mine"}), 409, "save again")
	if body["status"] != "exists" {
		t.Errorf("expected exists status, got %v", body["status"])
	}
	expectStatus(t, postJSON(t, env.server, "/api/save/force", map[string]string{"filename": "mine"}), 200, "force save")
	expectStatus(t, postJSON(t, env.server, "/api/save/force", map[string]string{"filename": "autosave"}), 400, "force save onto autosave slot")
	expectStatus(t, postJSON(t, env.server, "/api/save/rename", map[string]string{"old_name": "mine", "new_name": "autosave_1"}), 400, "rename onto autosave slot")

	expectStatus(t, postJSON(t, env.server, "/api/chat/clear", nil), 200, "clear")
	if n := len(env.engine.History()); n != 0 {
		t.Fatalf("expected empty history after clear, got %d", n)
	}

	expectStatus(t, postJSON(t, env.server, "/api/save/load", map[string]string{"filename": "mine"}), 200, "load")
	hist := env.engine.History()
	if len(hist) != 2 || hist[0].Content != "remember me" {
		t.Fatalf("unexpected restored history %+v", hist)
	}

	var saves struct {
		Saves []string `json:"saves"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/saves"), &saves)
	joined := strings.Join(saves.Saves, ",")
	if !strings.Contains(joined, "autosave") || !strings.Contains(joined, "mine") {
		t.Errorf("expected autosave slots and mine, got %v", saves.Saves)
	}

	expectStatus(t, postJSON(t, env.server, "/api/save/rename", map[string]string{"old_name": "mine", "new_name": "ours"}), 200, "rename")
	expectStatus(t, postJSON(t, env.server, "/api/save/load", map[string]string{"filename": "mine"}), 404, "load renamed")
	expectStatus(t, postJSON(t, env.server, "/api/save/delete", map[string]string{"filename": "ours"}), 200, "delete")
	expectStatus(t, postJSON(t, env.server, "/api/save/delete", map[string]string{"filename": ""}), 400, "delete without name")
}

func TestMemoryRounds(t *testing.T) {
	env := newTestEnv(t, nil)

	body := expectStatus(t, postJSON(t, env.server, "/api/memory_rounds", map[string]int{"memory_rounds": -3}), 200, "negative")
	if body["memory_rounds"] != float64(0) {
		t.Errorf("expected clamp to 0, got %v", body["memory_rounds"])
	}
	expectStatus(t, postJSON(t, env.server, "/api/memory_rounds", map[string]int{"memory_rounds": 4}), 200, "set")
	if env.engine.MemoryRounds() != 4 {
		t.Errorf("expected 4, got %d", env.engine.MemoryRounds())
	}
	expectStatus(t, postJSON(t, env.server, "/api/memory_rounds", map[string]string{}), 400, "missing")
}

func uploadCG(t *testing.T, ts *httptest.Server, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/cg/copy", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST cg/copy: %v", err)
	}
	return resp
}

func TestResourceLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	expectStatus(t, uploadCG(t, env.server, "wave.png", "png-bytes"), 200, "upload")
	expectStatus(t, uploadCG(t, env.server, "wave.png", "png-bytes-v2"), 200, "upload overwrite")

	var list struct {
		Files []string `json:"files"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/resources"), &list)
	if len(list.Files) != 1 || list.Files[0] != "wave.png" {
		t.Fatalf("unexpected resources %v", list.Files)
	}

	resp := getJSON(t, env.server, "/resource/wave.png")
	if got := readBody(t, resp); got != "png-bytes-v2" {
		t.Errorf("expected served file content, got %q", got)
	}

	expectStatus(t, postJSON(t, env.server, "/api/resource/rename", map[string]string{"old_name": "wave.png", "new_name": "smile.png"}), 200, "rename")
	resp = getJSON(t, env.server, "/resource/wave.png")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for renamed resource, got %d", resp.StatusCode)
	}
	expectStatus(t, postJSON(t, env.server, "/api/resource/delete", map[string]string{"filename": "smile.png"}), 200, "delete")
	expectStatus(t, postJSON(t, env.server, "/api/resource/delete", map[string]string{"filename": "smile.png"}), 404, "delete again")

	resp, err := http.Post(env.server.URL+"/api/cg/copy", "text/plain", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	expectStatus(t, resp, 400, "non-multipart upload")
}

type fakeArchive struct {
	rows []chat.Exchange
}

func (a *fakeArchive) Exchanges(ctx context.Context, persona string, limit int) ([]chat.Exchange, error) {
	var out []chat.Exchange
	for _, r := range a.rows {
		if persona == "" || r.Persona == persona {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *fakeArchive) Snapshot(ctx context.Context, exchangeID string) (*storage.ChatDocument, error) {
	for _, r := range a.rows {
		if r.ID == exchangeID {
			return &storage.ChatDocument{
				ChatHistory: []storage.Message{
					{Role: "user", Content: r.User},
					{Role: "assistant", Content: r.Assistant},
				},
				PromptName: r.Persona,
			}, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", exchangeID, storage.ErrNotFound)
}

func TestArchive(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, getJSON(t, env.server, "/api/archive"), 503, "archive unset")

	env.handler.SetArchive(&fakeArchive{rows: []chat.Exchange{
		{ID: "1", Persona: "aria", User: "hi", Assistant: "hello", At: time.Now()},
		{ID: "2", Persona: "bard", User: "sing", Assistant: "la", At: time.Now()},
	}})

	var body struct {
		Exchanges []chat.Exchange `json:"exchanges"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/archive?persona=aria"), &body)
	if len(body.Exchanges) != 1 || body.Exchanges[0].ID != "1" {
		t.Errorf("unexpected archive rows %+v", body.Exchanges)
	}
	expectStatus(t, getJSON(t, env.server, "/api/archive?limit=abc"), 400, "bad limit")

	var snap struct {
		ExchangeID string               `json:"exchange_id"`
		Snapshot   storage.ChatDocument `json:"snapshot"`
	}
	decodeJSON(t, getJSON(t, env.server, "/api/archive/2/snapshot"), &snap)
	if snap.ExchangeID != "2" || snap.Snapshot.PromptName != "bard" || len(snap.Snapshot.ChatHistory) != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	expectStatus(t, getJSON(t, env.server, "/api/archive/9/snapshot"), 404, "unknown exchange")
}

func TestArchiveSnapshotWithoutArchive(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, getJSON(t, env.server, "/api/archive/1/snapshot"), 503, "archive unset")
}

// fakeFeed publishes a fixed set of events and records where the
// subscriber asked to start.
type fakeFeed struct {
	events []mirror.Event
	from   chan string
}

func (f *fakeFeed) Subscribe(ctx context.Context, from string) <-chan mirror.Event {
	f.from <- from
	ch := make(chan mirror.Event)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func TestStreamTurnsRelaysEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	expectStatus(t, getJSON(t, env.server, "/api/turns"), 503, "feed unset")

	feed := &fakeFeed{
		from: make(chan string, 1),
		events: []mirror.Event{
			{StreamID: "1-0", Exchange: chat.Exchange{ID: "a", Persona: "aria", User: "hi", Assistant: "hello"}, Messages: 2},
			{StreamID: "2-0", Exchange: chat.Exchange{ID: "b", Persona: "aria", Image: "wave.png"}, Messages: 4},
		},
	}
	env.handler.SetTurnFeed(feed)

	resp := getJSON(t, env.server, "/api/turns?from=0")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	body := readBody(t, resp)
	if got := <-feed.from; got != "0" {
		t.Errorf("expected subscription from 0, got %q", got)
	}

	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 events, got %d: %q", len(frames), body)
	}
	if !strings.HasPrefix(frames[0], "id: 1-0\nevent: turn\ndata: ") {
		t.Errorf("unexpected frame %q", frames[0])
	}
	var ev mirror.Event
	data := frames[1][strings.Index(frames[1], "data: ")+len("data: "):]
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Exchange.ID != "b" || ev.Exchange.Image != "wave.png" || ev.Messages != 4 {
		t.Errorf("unexpected event %+v", ev)
	}

	// Last-Event-ID resumes when no query is given.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/turns", nil)
	req.Header.Set("Last-Event-ID", "1-0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/turns: %v", err)
	}
	readBody(t, resp)
	if got := <-feed.from; got != "1-0" {
		t.Errorf("expected resume from 1-0, got %q", got)
	}
}
