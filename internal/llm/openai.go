package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-chat-stream/internal/models"
)

var _ Backend = (*OpenAIClient)(nil)

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, Ollama, vLLM, llama.cpp server).
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	requestTimeout time.Duration
}

type Config struct {
	BaseURL string // e.g. http://localhost:11434/v1
	APIKey  string // optional
	// RequestTimeout bounds non-streaming calls only; streams run until the
	// backend finishes or the caller's context ends.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm: base url required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		httpClient:     hc,
		requestTimeout: timeout,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req.Stream = false
	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var completion ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", models.ErrMalformedUpstreamEvent, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: completion has no choices", models.ErrMalformedUpstreamEvent)
	}
	return completion.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req ChatCompletionRequest, onToken func(string) error) error {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// SSE: each event is "data: <json>\n\n", terminated by "data: [DONE]".
	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if payload, ok := dataPayload(line); ok {
			if payload == "[DONE]" {
				return nil
			}
			token, err := parseChunk(payload)
			if err != nil {
				return err
			}
			if token != "" {
				if err := onToken(token); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: read stream: %w", models.ErrBackendUnavailable, readErr)
		}
	}
}

func (c *OpenAIClient) do(ctx context.Context, req ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: LLM error %d: %s", models.ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

func parseChunk(payload string) (string, error) {
	var chunk ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrMalformedUpstreamEvent, err)
	}
	if chunk.Error != nil {
		return "", fmt.Errorf("%w: %s", models.ErrBackendUnavailable, chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}
