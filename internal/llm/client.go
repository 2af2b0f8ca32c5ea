// Package llm wraps the Ollama generation API with the retry and
// validation behaviour the pipeline depends on: transport retries with
// capped backoff, jittered sleeps on rate limits, JSON-mode responses
// re-requested until they parse, and token-usage accounting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/memerr"
)

const (
	transportAttempts = 3
	parseAttempts     = 3
)

// Usage counts tokens consumed by calls through a client.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Validator lets a response struct check itself after unmarshalling.
// Validation failure counts as a parse failure and triggers a re-request.
type Validator interface {
	Validate() error
}

// Config selects the model and sampling parameters for a client.
type Config struct {
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Client calls the Ollama generate API.
type Client struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	usage Usage
}

// NewClient creates an LLM client. Empty fields select defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Usage returns the tokens accumulated across all calls.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate returns the raw completion for a prompt, retrying transport
// failures with capped backoff and sleeping a randomized interval on 429.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "")
}

// GenerateJSON requests a JSON-mode completion and unmarshals it into out.
// A response that fails to parse (or fails out's Validate) causes the full
// call to be retried; after the retries are exhausted the error is typed as
// an extraction failure.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	var lastErr error
	for attempt := 0; attempt < parseAttempts; attempt++ {
		raw, err := c.generate(ctx, prompt, "json")
		if err != nil {
			return err
		}

		if err := json.Unmarshal([]byte(ExtractJSON(raw)), out); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			logging.Debug("llm", "parse attempt %d failed: %v (got: %s)",
				attempt+1, err, logging.Truncate(raw, 200))
			continue
		}
		if v, ok := out.(Validator); ok {
			if err := v.Validate(); err != nil {
				lastErr = fmt.Errorf("validate response: %w", err)
				logging.Debug("llm", "validation attempt %d failed: %v", attempt+1, err)
				continue
			}
		}
		return nil
	}
	return memerr.New(memerr.KindExtraction, "llm.generate_json", lastErr)
}

func (c *Client) generate(ctx context.Context, prompt, format string) (string, error) {
	if prompt == "" {
		return "", memerr.Newf(memerr.KindInvalidInput, "llm.generate", "empty prompt")
	}

	req := generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Format: format,
	}
	opts := map[string]any{}
	if c.cfg.Temperature > 0 {
		opts["temperature"] = c.cfg.Temperature
	}
	if c.cfg.MaxTokens > 0 {
		opts["num_predict"] = c.cfg.MaxTokens
	}
	if len(opts) > 0 {
		req.Options = opts
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	rateLimited := false
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < transportAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff
			if rateLimited {
				// Randomized sleep so concurrent workers don't retry in lockstep.
				wait = backoff + time.Duration(rand.Int63n(int64(backoff)))
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			backoff *= 2
		}

		resp, status, err := c.generateOnce(ctx, jsonBody)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		rateLimited = status == http.StatusTooManyRequests
	}

	if rateLimited {
		return "", memerr.New(memerr.KindRateLimited, "llm.generate", lastErr)
	}
	return "", memerr.New(memerr.KindTransientBackend, "llm.generate", lastErr)
}

func (c *Client) generateOnce(ctx context.Context, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", resp.StatusCode, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(msg))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	c.mu.Lock()
	c.usage.Add(Usage{PromptTokens: result.PromptEvalCount, CompletionTokens: result.EvalCount})
	c.mu.Unlock()

	return result.Response, resp.StatusCode, nil
}

// ExtractJSON extracts JSON from markdown code blocks, or returns the input
// trimmed when no fence is present.
func ExtractJSON(s string) string {
	if start := strings.Index(s, "```json"); start != -1 {
		start += 7
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			// Skip language identifier line if present
			if idx := strings.Index(content, "\n"); idx != -1 && !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
				content = content[idx+1:]
			}
			return strings.TrimSpace(content)
		}
	}
	return strings.TrimSpace(s)
}
