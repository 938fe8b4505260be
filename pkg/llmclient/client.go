// Package llmclient speaks the streaming chat-completions wire contract:
// POST {api_url}/chat/completions, line-delimited `data: ` SSE events,
// extracting delta.content tokens until the `[DONE]` sentinel.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kadirpekel/agentorch/pkg/httpclient"
)

// Message is one entry of a chat request's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat-completion request, always sent with stream=true.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type wireRequest struct {
	Request
	Stream bool `json:"stream"`
}

// Event is one token (or terminal condition) delivered from a stream.
type Event struct {
	Content string
	Done    bool
	Err     error
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamingClient opens a streaming chat completion.
type StreamingClient interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// HTTPClient is the default StreamingClient, talking to an OpenAI-shaped
// /chat/completions endpoint over SSE.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	limiter *rate.Limiter
}

// New constructs an HTTPClient. baseURL is the provider's api_url
// (without /chat/completions); apiKey may be empty, in which case no
// Authorization header is sent. perSecond/burst configure the shared
// outbound rate limiter (spec.md §4.1's "(added) Rate limiting", reused
// here for LLM calls per SPEC_FULL.md §4.4).
func New(baseURL, apiKey string, perSecond float64, burst int) *HTTPClient {
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Stream opens the completion and returns a channel of Events. The
// channel is closed after a Done event or a terminal Err event. The
// caller's ctx governs the whole stream's lifetime, including the
// rate-limiter wait before the request is even sent.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(wireRequest{Request: req, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("chat completion: HTTP %d", resp.StatusCode)
	}

	events := make(chan Event)
	go streamLines(ctx, resp.Body, events)
	return events, nil
}

type bodyCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

func streamLines(ctx context.Context, body bodyCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			emit(ctx, events, Event{Err: ctx.Err()})
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		if payload == "[DONE]" {
			emit(ctx, events, Event{Done: true})
			return
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			if !emit(ctx, events, Event{Content: content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(ctx, events, Event{Err: fmt.Errorf("read stream: %w", err)})
	}
}

// emit sends ev unless ctx is already done, reporting whether it sent.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
