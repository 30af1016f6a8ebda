// Package assistant generates and reviews room code through an
// OpenAI-compatible chat completions service (Groq by default).
package assistant

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

// Prompts used by the room coordinator.
const (
	GenerateSystemPrompt = "Generate only code. Do not include explanations or additional text."
	ReviewSystemPrompt   = "You are a helpful code reviewer. Provide clear, actionable recommendations to improve the given code."
	ReviewPromptPrefix   = "Recommend improvements for the following code:\n\n"
)

// ErrEmptyCompletion is returned when the service answers without content.
var ErrEmptyCompletion = errors.New("assistant: empty completion")

// Generator produces text for a prompt under system instructions.
type Generator interface {
	Generate(ctx context.Context, prompt, system string) (string, error)
}

// Config configures Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client talks to {BaseURL}/chat/completions.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a chat completions client. A nil httpClient gets one
// with cfg.Timeout.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{httpClient: httpClient, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends system then prompt and returns the first choice's text.
func (c *Client) Generate(ctx context.Context, prompt, system string) (string, error) {
	wire := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if system != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: "system", Content: system})
	}
	wire.Messages = append(wire.Messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("assistant: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("assistant: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("assistant: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return "", readServiceError(httpResponse)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("assistant: decoding response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// ServiceError is a non-200 answer from the completions service.
type ServiceError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("assistant: %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("assistant: %d: %s", e.StatusCode, e.Message)
}

func readServiceError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ServiceError{StatusCode: httpResponse.StatusCode, Type: wire.Error.Type, Message: wire.Error.Message}
	}
	return &ServiceError{StatusCode: httpResponse.StatusCode, Message: strings.TrimSpace(string(body))}
}

// GeneratePrompt builds the user prompt for code generation. The editor
// language, when known, is appended so the model answers in it.
func GeneratePrompt(prompt, language string) string {
	if language == "" {
		return prompt
	}
	return prompt + "\n\nLanguage: " + language
}

// ReviewPrompt builds the user prompt for a code review.
func ReviewPrompt(code string) string {
	return ReviewPromptPrefix + code
}

var _ Generator = (*Client)(nil)
