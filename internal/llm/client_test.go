package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnemora/mnemora/internal/memerr"
)

func newTestClient(url string) *Client {
	return NewClient(Config{BaseURL: url, Model: "test-model"})
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Stream {
			t.Error("streaming should be disabled")
		}
		json.NewEncoder(w).Encode(generateResponse{
			Response:        "hello back",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "hello back" {
		t.Errorf("got %q", got)
	}
	usage := c.Usage()
	if usage.PromptTokens != 12 || usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	c := newTestClient("http://unreachable")
	_, err := c.Generate(context.Background(), "")
	if !memerr.IsKind(err, memerr.KindInvalidInput) {
		t.Errorf("empty prompt should be invalid input, got %v", err)
	}
}

func TestGenerateRateLimitKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !memerr.IsKind(err, memerr.KindRateLimited) {
		t.Errorf("kind = %v, want rate limited", memerr.KindOf(err))
	}
}

type greetingResponse struct {
	Greeting string `json:"greeting"`
}

func (g *greetingResponse) Validate() error {
	if g.Greeting == "" {
		return errors.New("missing greeting")
	}
	return nil
}

func TestGenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Format != "json" {
			t.Errorf("format = %q, want json", req.Format)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: `{"greeting": "hi"}`, Done: true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out greetingResponse
	if err := c.GenerateJSON(context.Background(), "greet me", &out); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if out.Greeting != "hi" {
		t.Errorf("greeting = %q", out.Greeting)
	}
}

func TestGenerateJSONStripsFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			Response: "```json\n{\"greeting\": \"fenced\"}\n```",
			Done:     true,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out greetingResponse
	if err := c.GenerateJSON(context.Background(), "greet me", &out); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if out.Greeting != "fenced" {
		t.Errorf("greeting = %q", out.Greeting)
	}
}

func TestGenerateJSONRetriesOnValidationFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := `{"greeting": ""}`
		if calls >= 2 {
			resp = `{"greeting": "finally"}`
		}
		json.NewEncoder(w).Encode(generateResponse{Response: resp, Done: true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out greetingResponse
	if err := c.GenerateJSON(context.Background(), "greet me", &out); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2", calls)
	}
	if out.Greeting != "finally" {
		t.Errorf("greeting = %q", out.Greeting)
	}
}

func TestGenerateJSONExhaustedIsExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "not json at all", Done: true})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out greetingResponse
	err := c.GenerateJSON(context.Background(), "greet me", &out)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !memerr.IsKind(err, memerr.KindExtraction) {
		t.Errorf("kind = %v, want extraction", memerr.KindOf(err))
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"  {\"a\": 1}\n", `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```yaml\nnot: json\n```", "not: json"},
		{"Here you go:\n```json\n[1,2]\n```\nEnjoy!", "[1,2]"},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
