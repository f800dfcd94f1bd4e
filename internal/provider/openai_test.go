package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func deltaLine(s string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"delta": map[string]string{"content": s}}},
	})
	return "data: " + string(b) + "\n\n"
}

func newTestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider(ProviderConfig{Endpoint: url, Model: "deepseek-chat"}, zap.NewNop())
}

func collect(t *testing.T, ch <-chan StreamChunk) (string, []StreamChunk) {
	t.Helper()
	var sb strings.Builder
	var chunks []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String(), chunks
			}
			sb.WriteString(c.Content)
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestChatStreamSuccess(t *testing.T) {
	var gotReq map[string]interface{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, deltaLine("Hel"))
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {broken json\n\n")
		fmt.Fprint(w, deltaLine("lo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, deltaLine("ignored after done"))
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL + "/")
	ch, err := p.ChatStream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		APIKey:   "sk-test",
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	text, chunks := collect(t, ch)
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if last := chunks[len(chunks)-1]; !last.Done {
		t.Errorf("last chunk = %+v, want Done", last)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq["stream"] != true || gotReq["model"] != "deepseek-chat" {
		t.Errorf("request body = %v", gotReq)
	}
	if _, leaked := gotReq["APIKey"]; leaked {
		t.Error("api key leaked into request body")
	}
}

func TestChatStreamConnectionCloseCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, deltaLine("partial but whole"))
	}))
	defer srv.Close()

	ch, err := newTestProvider(srv.URL).ChatStream(context.Background(), &ChatRequest{APIKey: "k"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	text, chunks := collect(t, ch)
	if text != "partial but whole" || !chunks[len(chunks)-1].Done {
		t.Errorf("got %q / %+v", text, chunks)
	}
}

func TestChatStreamMissingCredential(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	ch, err := newTestProvider(srv.URL).ChatStream(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if ch != nil {
		t.Error("expected no fragment channel")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("network call attempted without credential")
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid key"}`)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).ChatStream(context.Background(), &ChatRequest{APIKey: "bad"})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upErr.Status != http.StatusUnauthorized || !strings.Contains(upErr.Body, "invalid key") {
		t.Errorf("got %+v", upErr)
	}
}

func TestChatStreamTransportErrorMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, deltaLine("before drop"))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ch, err := newTestProvider(srv.URL).ChatStream(context.Background(), &ChatRequest{APIKey: "k"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	text, chunks := collect(t, ch)
	if text != "before drop" {
		t.Errorf("text = %q", text)
	}
	last := chunks[len(chunks)-1]
	var tErr *TransportError
	if !errors.As(last.Err, &tErr) {
		t.Fatalf("last chunk = %+v, want TransportError", last)
	}
}

func TestChatStreamCancelClosesStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, deltaLine("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestProvider(srv.URL).ChatStream(ctx, &ChatRequest{APIKey: "k"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	first := <-ch
	if first.Content != "first" {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	_, rest := collect(t, ch)
	for _, c := range rest {
		if c.Done {
			t.Error("cancelled stream reported Done")
		}
	}
}
