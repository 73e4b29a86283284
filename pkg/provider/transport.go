package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/echolabs/echo-dispatch/pkg/models"
)

// Params are the sampling parameters for one upstream call.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Transport is an open, usable handle (endpoint + credential) capable of
// executing one upstream chat completion call.
type Transport struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// Key returns the credential this transport is bound to.
func (t *Transport) Key() string { return t.apiKey }

// Complete executes a synchronous chat completion and returns the first
// choice's content.
func (t *Transport) Complete(ctx context.Context, messages []models.ChatMessage, params Params) (string, error) {
	resp, err := t.post(ctx, messages, params, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream %s returned %d: %s", t.name, resp.StatusCode, truncate(string(body), 256))
	}

	var completion models.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decode upstream response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("upstream %s returned no choices", t.name)
	}
	return completion.Choices[0].Message.Content, nil
}

// Open starts a streaming chat completion. The returned TokenStream yields
// incremental tokens in upstream order; the caller must Close it.
func (t *Transport) Open(ctx context.Context, messages []models.ChatMessage, params Params) (*TokenStream, error) {
	resp, err := t.post(ctx, messages, params, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s returned %d: %s", t.name, resp.StatusCode, string(body))
	}
	return &TokenStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (t *Transport) post(ctx context.Context, messages []models.ChatMessage, params Params, stream bool) (*http.Response, error) {
	payload := models.ChatCompletionRequest{
		Model:       t.model,
		Messages:    messages,
		Temperature: &params.Temperature,
		TopP:        &params.TopP,
		MaxTokens:   &params.MaxTokens,
		Stream:      stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream %s: %w", t.name, err)
	}
	return resp, nil
}

// TokenStream reads incremental tokens from an upstream SSE response.
type TokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next token from the stream. It returns io.EOF when the
// upstream signals completion.
func (s *TokenStream) Next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return "", io.EOF
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed keep-alive frames
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", io.EOF
}

// Close releases the underlying connection.
func (s *TokenStream) Close() error {
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
