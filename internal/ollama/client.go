// Package ollama is a minimal client for the local Ollama HTTP API.
//
// It covers the three surfaces the runner needs: liveness (GET /api/tags),
// model enumeration (same endpoint), and streaming chat completions
// (POST /api/chat).
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Message is a single chat turn sent to the runtime.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries per-call generation settings.
type Options struct {
	Temperature *float64
	MaxTokens   *int
}

// StreamChunk is one decoded piece of a streaming chat response.
//
// The terminal chunk has Done set and carries the token accounting.
type StreamChunk struct {
	Content      string
	Done         bool
	InputTokens  int
	OutputTokens int
}

// Client talks to a single Ollama instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the runtime at baseURL.
//
// The underlying HTTP client carries no global timeout; callers bound each
// request through its context so streaming responses are not cut off.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Ping checks whether the runtime is reachable and responding.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime ping failed: status %d", resp.StatusCode)
	}
	return nil
}

// ListModels returns the installed model names in the order the runtime
// reports them.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models failed: status %d", resp.StatusCode)
	}

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	names := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ChatStream runs a streaming chat completion and invokes fn for every
// decoded chunk in arrival order, including the terminal Done chunk.
//
// A non-nil error from fn aborts the stream and is returned unchanged.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, opts Options, fn func(StreamChunk) error) error {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
		"options": map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk struct {
			Message *struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			Done            bool `json:"done"`
			PromptEvalCount int  `json:"prompt_eval_count"`
			EvalCount       int  `json:"eval_count"`
		}

		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Surface a context cancellation as such so callers can tell an
			// aborted request from a runtime failure.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode chunk: %w", err)
		}

		out := StreamChunk{
			Done:         chunk.Done,
			InputTokens:  chunk.PromptEvalCount,
			OutputTokens: chunk.EvalCount,
		}
		if chunk.Message != nil {
			out.Content = chunk.Message.Content
		}

		if err := fn(out); err != nil {
			return err
		}

		if chunk.Done {
			return nil
		}
	}
}
