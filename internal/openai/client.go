// Package openai is a minimal Chat Completions client for label
// classification and free-form transformation.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4o-mini"

	// Seed and Temperature are sent with every request so repeated runs
	// over the same input are reproducible as far as the service allows.
	Seed        = 12
	Temperature = 0
)

// HTTPDoer allows tests to fake HTTP transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls OpenAI Chat Completions.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient HTTPDoer
}

// NewClient creates a client. An empty baseURL selects the public API.
func NewClient(apiKey, baseURL string, httpClient HTTPDoer) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		httpClient: httpClient,
	}
}

// Message is one chat message. Name distinguishes the two participants.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StructuredRequest asks for strict JSON schema output with token log
// probabilities.
type StructuredRequest struct {
	Model       string
	Messages    []Message
	SchemaName  string
	Schema      map[string]any
	TopLogprobs int
}

// TextRequest asks for free-form text.
type TextRequest struct {
	Model    string
	Messages []Message
}

// TopLogprob is one alternative token at a position.
type TopLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// TokenLogprob is one generated token with its alternatives.
type TokenLogprob struct {
	Token       string       `json:"token"`
	Logprob     float64      `json:"logprob"`
	TopLogprobs []TopLogprob `json:"top_logprobs"`
}

// CallResult keeps the raw exchange for auditing alongside the extracted
// message. RequestJSON and ResponseJSON are populated as far as the call
// progressed, also on error.
type CallResult struct {
	RequestJSON  string
	ResponseJSON string
	HTTPStatus   int
	Content      string
	Refusal      string
	Logprobs     []TokenLogprob
}

// CallStructured sends a strict json_schema request with logprobs enabled.
func (c *Client) CallStructured(ctx context.Context, req StructuredRequest) (CallResult, error) {
	body := chatCompletionsRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Seed:        Seed,
		Temperature: Temperature,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: responseJSONSchema{
				Name:   req.SchemaName,
				Strict: true,
				Schema: req.Schema,
			},
		},
	}
	if req.TopLogprobs > 0 {
		body.Logprobs = true
		body.TopLogprobs = req.TopLogprobs
	}
	return c.call(ctx, body)
}

// CallText sends a plain completion request.
func (c *Client) CallText(ctx context.Context, req TextRequest) (CallResult, error) {
	return c.call(ctx, chatCompletionsRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Seed:        Seed,
		Temperature: Temperature,
	})
}

func (c *Client) call(ctx context.Context, body chatCompletionsRequest) (CallResult, error) {
	result := CallResult{RequestJSON: "{}", ResponseJSON: "{}"}
	if c.apiKey == "" {
		return result, errors.New("OPENAI_API_KEY is empty")
	}
	if strings.TrimSpace(body.Model) == "" {
		body.Model = DefaultModel
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return result, fmt.Errorf("marshal openai request: %w", err)
	}
	result.RequestJSON = string(payload)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return result, fmt.Errorf("openai request failed: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return result, fmt.Errorf("read openai response: %w", err)
	}
	result.ResponseJSON = string(raw)
	result.HTTPStatus = response.StatusCode

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		var apiErr openAIErrorEnvelope
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return result, fmt.Errorf("openai status %d: %s", response.StatusCode, apiErr.Error.Message)
		}
		return result, fmt.Errorf("openai status %d: %s", response.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatCompletionsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return result, fmt.Errorf("decode openai response: %w", err)
	}
	if parsed.Error.Message != "" {
		return result, fmt.Errorf("openai error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return result, errors.New("openai returned no choices")
	}

	choice := parsed.Choices[0]
	content, err := parseMessageContent(choice.Message.Content)
	if err != nil {
		return result, err
	}
	result.Content = content
	result.Refusal = strings.TrimSpace(choice.Message.Refusal)
	if choice.Logprobs != nil {
		result.Logprobs = choice.Logprobs.Content
	}
	return result, nil
}

func parseMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asParts []responseContentPart
	if err := json.Unmarshal(raw, &asParts); err == nil {
		var builder strings.Builder
		for _, part := range asParts {
			if part.Type == "text" {
				builder.WriteString(part.Text)
			}
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("unsupported openai message content format: %s", string(raw))
}

type chatCompletionsRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Seed           int             `json:"seed"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	Logprobs       bool            `json:"logprobs,omitempty"`
	TopLogprobs    int             `json:"top_logprobs,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string             `json:"type"`
	JSONSchema responseJSONSchema `json:"json_schema"`
}

type responseJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatCompletionsResponse struct {
	Choices []chatChoice        `json:"choices"`
	Error   openAIErrorResponse `json:"error"`
}

type chatChoice struct {
	Message  chatMessageResponse `json:"message"`
	Logprobs *choiceLogprobs     `json:"logprobs"`
}

type choiceLogprobs struct {
	Content []TokenLogprob `json:"content"`
}

type chatMessageResponse struct {
	Content json.RawMessage `json:"content"`
	Refusal string          `json:"refusal"`
}

type responseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIErrorEnvelope struct {
	Error openAIErrorResponse `json:"error"`
}

type openAIErrorResponse struct {
	Message string `json:"message"`
}
