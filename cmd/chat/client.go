package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// client talks to a running parlor server.
type client struct {
	base string
	// api serves JSON calls; stream has no overall timeout.
	api    *http.Client
	stream *http.Client
}

func newClient(base string) *client {
	return &client{
		base:   base,
		api:    &http.Client{Timeout: 15 * time.Second},
		stream: &http.Client{},
	}
}

// envelope is the common response shape: status plus endpoint fields.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// apiError is a non-success envelope.
type apiError struct {
	Code    int
	Status  string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d (%s)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.api.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.api.Post(c.base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &apiError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (env.Status != "success" && env.Status != "ok") {
		return &apiError{Code: resp.StatusCode, Status: env.Status, Message: env.Message}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// streamChat sends message and copies the reply to w as it arrives.
func (c *client) streamChat(ctx context.Context, message string, w io.Writer) error {
	b, _ := json.Marshal(map[string]string{"message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/chat/stream", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}
	defer resp.Body.Close()

	buf := make([]byte, 512)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: %w", err)
		}
	}
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type historyResponse struct {
	ChatHistory   []turn `json:"chat_history"`
	CurrentPrompt string `json:"current_prompt"`
	MemoryRounds  int    `json:"memory_rounds"`
}

func (c *client) history() (*historyResponse, error) {
	var out historyResponse
	if err := c.get("/api/chat/history", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) clear() error {
	return c.post("/api/chat/clear", struct{}{}, nil)
}

type promptsResponse struct {
	Prompts       []string `json:"prompts"`
	CurrentPrompt string   `json:"current_prompt"`
}

func (c *client) personas() (*promptsResponse, error) {
	var out promptsResponse
	if err := c.get("/api/prompts", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// usePersona switches persona and returns the name actually loaded.
func (c *client) usePersona(name string) (string, error) {
	var out struct {
		PromptName string `json:"prompt_name"`
	}
	if err := c.post("/api/prompt/set", map[string]string{"prompt_name": name}, &out); err != nil {
		return "", err
	}
	return out.PromptName, nil
}

func (c *client) setRounds(n int) (int, error) {
	var out struct {
		MemoryRounds int `json:"memory_rounds"`
	}
	if err := c.post("/api/memory_rounds", map[string]int{"memory_rounds": n}, &out); err != nil {
		return 0, err
	}
	return out.MemoryRounds, nil
}

func (c *client) keyStatus() (bool, error) {
	var out struct {
		HasAPIKey bool `json:"has_api_key"`
	}
	if err := c.get("/api/api_key/status", &out); err != nil {
		return false, err
	}
	return out.HasAPIKey, nil
}

func (c *client) setKey(key string) error {
	return c.post("/api/api_key/set", map[string]string{"api_key": key}, nil)
}

func (c *client) saves() ([]string, error) {
	var out struct {
		Saves []string `json:"saves"`
	}
	if err := c.get("/api/saves", &out); err != nil {
		return nil, err
	}
	return out.Saves, nil
}

func (c *client) save(name string, force bool) error {
	path := "/api/save"
	if force {
		path = "/api/save/force"
	}
	return c.post(path, map[string]string{"filename": name}, nil)
}

func (c *client) load(name string) error {
	return c.post("/api/save/load", map[string]string{"filename": name}, nil)
}

type exchange struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Image     string    `json:"image"`
	At        time.Time `json:"at"`
}

func (c *client) archive(persona string, limit int) ([]exchange, error) {
	q := url.Values{}
	if persona != "" {
		q.Set("persona", persona)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Exchanges []exchange `json:"exchanges"`
	}
	if err := c.get("/api/archive?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Exchanges, nil
}

type snapshot struct {
	ChatHistory  []turn `json:"chat_history"`
	PromptName   string `json:"prompt_name"`
	MemoryRounds *int   `json:"memory_rounds"`
}

func (c *client) snapshot(id string) (*snapshot, error) {
	var out struct {
		Snapshot snapshot `json:"snapshot"`
	}
	if err := c.get("/api/archive/"+url.PathEscape(id)+"/snapshot", &out); err != nil {
		return nil, err
	}
	return &out.Snapshot, nil
}

// turnEvent is one frame of the /api/turns event stream.
type turnEvent struct {
	ID       string   `json:"-"`
	Exchange exchange `json:"exchange"`
	Messages int      `json:"messages"`
}

// tail follows /api/turns and calls fn for every event until ctx ends or
// the server closes the stream.
func (c *client) tail(ctx context.Context, from string, fn func(turnEvent)) error {
	path := "/api/turns"
	if from != "" {
		path += "?from=" + url.QueryEscape(from)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}
	defer resp.Body.Close()

	var id string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			var ev turnEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			ev.ID = id
			fn(ev)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tail: %w", err)
	}
	return nil
}
