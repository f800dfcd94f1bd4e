package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// scannerBufferSize bounds a single event line. Deltas are small but
// some upstreams pack usage and metadata into the same line.
const scannerBufferSize = 1 << 20

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 64 << 10

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider. The timeout
// applies to connecting and waiting for response headers, not to the
// length of the stream.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.deepseek.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// Model returns the configured default model.
func (p *OpenAIProvider) Model() string { return p.config.Model }

func (p *OpenAIProvider) chatURL() string {
	return p.config.Endpoint + "/chat/completions"
}

// ChatStream sends a streaming chat request. Credential and HTTP status
// failures are returned before the channel is created; failures while
// reading arrive as a final chunk with Err set.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if req.APIKey == "" {
		return nil, ErrMissingCredential
	}
	streamReq := *req
	streamReq.Stream = true
	if streamReq.Model == "" {
		streamReq.Model = p.config.Model
	}

	body, err := json.Marshal(&streamReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestID := uuid.New().String()
	p.logger.Debug("chat request",
		zap.String("request_id", requestID),
		zap.String("model", streamReq.Model),
		zap.ByteString("body", body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	ch := make(chan StreamChunk, 64)
	go p.readSSEStream(ctx, requestID, resp.Body, ch)
	return ch, nil
}

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *OpenAIProvider) readSSEStream(ctx context.Context, requestID string, body io.ReadCloser, ch chan<- StreamChunk) {
	defer close(ch)
	defer body.Close()

	// Closing the body unblocks the scanner when the consumer cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), scannerBufferSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			send(ctx, ch, StreamChunk{Done: true})
			return
		}

		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			p.logger.Warn("skipping malformed stream line",
				zap.String("request_id", requestID),
				zap.Error(err))
			continue
		}
		if len(payload.Choices) == 0 || payload.Choices[0].Delta.Content == "" {
			continue
		}
		if !send(ctx, ch, StreamChunk{Content: payload.Choices[0].Delta.Content}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("stream line exceeds %d bytes: %w", scannerBufferSize, err)
		}
		send(ctx, ch, StreamChunk{Err: &TransportError{Err: err}})
		return
	}
	// The connection closed without [DONE]; what arrived is the reply.
	send(ctx, ch, StreamChunk{Done: true})
}
