package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PistonClient runs programs on a Piston-compatible execution service.
type PistonClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewPistonClient creates a client for the service at baseURL, for example
// https://emkc.org/api/v2/piston. A nil httpClient gets a client with the
// given timeout.
func NewPistonClient(httpClient *http.Client, baseURL string, timeout time.Duration) *PistonClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &PistonClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin,omitempty"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Output string `json:"output"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Run     pistonStage  `json:"run"`
	Compile *pistonStage `json:"compile,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Execute resolves the language and posts the program to /execute.
func (c *PistonClient) Execute(ctx context.Context, req Request) (Result, error) {
	language, err := ResolveLanguage(req.Language)
	if err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(pistonRequest{
		Language: language,
		Version:  "*",
		Files:    []pistonFile{{Content: req.Source}},
		Stdin:    req.Stdin,
	})
	if err != nil {
		return Result{}, fmt.Errorf("execution: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("execution: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Result{}, fmt.Errorf("execution: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return Result{}, readServiceError(httpResponse)
	}

	var wire pistonResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return Result{}, fmt.Errorf("execution: decoding response: %w", err)
	}
	return wire.toResult(), nil
}

func (r pistonResponse) toResult() Result {
	if r.Compile != nil && failed(*r.Compile) {
		return Result{Output: r.Compile.Stdout, Error: firstNonEmpty(r.Compile.Stderr, r.Compile.Output, "compilation failed")}
	}
	res := Result{Output: r.Run.Output}
	if failed(r.Run) {
		res.Error = firstNonEmpty(r.Run.Stderr, signalMessage(r.Run.Signal), "program exited with an error")
	}
	return res
}

func failed(s pistonStage) bool {
	return (s.Code != nil && *s.Code != 0) || s.Signal != ""
}

func signalMessage(sig string) string {
	if sig == "" {
		return ""
	}
	return "killed by " + sig
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func readServiceError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		return fmt.Errorf("execution: service returned %d: %s", httpResponse.StatusCode, wire.Message)
	}
	return fmt.Errorf("execution: service returned %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(body)))
}

var _ Executor = (*PistonClient)(nil)
