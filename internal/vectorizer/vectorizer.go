// Package vectorizer turns text into fixed-dimension embeddings via the
// Ollama embeddings API. Embeddings are deterministic within a model
// version; the model identity travels with every vector so mixed-model
// searches can be rejected.
package vectorizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/mnemora/mnemora/internal/memerr"
)

const maxAttempts = 3

// Client generates embeddings via Ollama.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates an embedding client. Empty arguments select the
// defaults (local Ollama, nomic-embed-text).
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // 768 dims
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Model returns the identity stored alongside every embedding.
func (c *Client) Model() string { return c.model }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text. Transport failures are
// retried with capped backoff before surfacing as a transient error.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, memerr.Newf(memerr.KindInvalidInput, "vectorizer.embed", "empty text")
	}

	jsonBody, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		emb, err := c.embedOnce(ctx, jsonBody)
		if err == nil {
			return emb, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, memerr.New(memerr.KindTransientBackend, "vectorizer.embed", lastErr)
}

func (c *Client) embedOnce(ctx context.Context, body []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(msg))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return result.Embedding, nil
}

// Cosine computes cosine similarity between two embeddings (-1 to 1).
// Mismatched or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}

// IsZero reports whether the vector is absent or all zeros.
func IsZero(v []float64) bool {
	if len(v) == 0 {
		return true
	}
	return floats.Norm(v, 2) == 0
}

// Average computes the centroid of multiple embeddings, skipping any with a
// mismatched dimension.
func Average(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}
	dims := len(embeddings[0])
	result := make([]float64, dims)
	n := 0
	for _, emb := range embeddings {
		if len(emb) != dims {
			continue
		}
		floats.Add(result, emb)
		n++
	}
	if n == 0 {
		return nil
	}
	floats.Scale(1/float64(n), result)
	return result
}

// RunningMean folds one new vector into a centroid that already averages
// count members, returning the mean over count+1.
func RunningMean(centroid []float64, count int, v []float64) []float64 {
	if len(centroid) == 0 || count <= 0 {
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}
	if len(centroid) != len(v) {
		return centroid
	}
	out := make([]float64, len(centroid))
	n := float64(count)
	for i := range centroid {
		out[i] = (centroid[i]*n + v[i]) / (n + 1)
	}
	return out
}

// Normalize returns a unit-length copy of the vector; zero vectors are
// returned unchanged.
func Normalize(v []float64) []float64 {
	norm := floats.Norm(v, 2)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// l2 distance relates to cosine on unit vectors: cos_sim = 1 - l2^2/2.
func L2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// CosineDistToL2 converts a cosine distance threshold to an L2 threshold
// for unit-normalized vectors.
func CosineDistToL2(cosineDist float64) float64 {
	return math.Sqrt(2.0 * cosineDist)
}
