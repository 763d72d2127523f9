package brain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		ItemID:      "abc",
		Title:       "Senate passes budget",
		SourceGroup: "news",
		Categories:  []string{"Politics", "Violence"},
		Tags:        []string{"government", "economy"},
	}
}

func TestOpenAIAvailable(t *testing.T) {
	if !NewOpenAI("key", "", 0).Available() {
		t.Error("Expected Available() = true when API key is set")
	}
	if NewOpenAI("", "", 0).Available() {
		t.Error("Expected Available() = false when API key is empty")
	}
	_, err := NewOpenAI("", "", 0).Categorize(context.Background(), testRequest())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestOpenAICategorizeText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}

		var body struct {
			Model       string          `json:"model"`
			Temperature float64         `json:"temperature"`
			MaxTokens   int             `json:"max_tokens"`
			Messages    []openAIMessage `json:"messages"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "gpt-4.1-nano" {
			t.Errorf("model = %q, want gpt-4.1-nano", body.Model)
		}
		if body.Temperature != 0.1 || body.MaxTokens != 1000 {
			t.Errorf("unexpected sampling params: %v %d", body.Temperature, body.MaxTokens)
		}
		if len(body.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(body.Messages))
		}
		user, ok := body.Messages[1].Content.(string)
		if !ok {
			t.Fatalf("text request should send string content, got %T", body.Messages[1].Content)
		}
		for _, want := range []string{"Senate passes budget", "r/news", "Self Text: N/A", "AVAILABLE CATEGORIES: Politics, Violence", "AVAILABLE TAGS: government, economy"} {
			if !strings.Contains(user, want) {
				t.Errorf("prompt missing %q", want)
			}
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4.1-nano-2025",
			"choices": []map[string]any{{
				"message":       map[string]string{"content": `{"categories":["Politics"],"tags":["government"],"explanation":"budget vote"}`},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	o := NewOpenAI("test-key", "", time.Second).WithEndpoint(server.URL)
	res, err := o.Categorize(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	if len(res.Categories) != 1 || res.Categories[0] != "Politics" {
		t.Errorf("unexpected categories %v", res.Categories)
	}
	if res.Explanation != "budget vote" || res.Model != "gpt-4.1-nano-2025" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestOpenAICategorizeImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		var parts []openAIPart
		if err := json.Unmarshal(body.Messages[1].Content, &parts); err != nil {
			t.Fatalf("image request should send content parts: %v", err)
		}
		if len(parts) != 2 || parts[1].Type != "image_url" || parts[1].ImageURL == nil {
			t.Fatalf("unexpected parts %+v", parts)
		}
		if parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
			t.Errorf("image url = %q", parts[1].ImageURL.URL)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": `{"categories":[],"tags":[],"explanation":""}`}}},
		})
	}))
	defer server.Close()

	req := testRequest()
	req.Image = &Image{MIME: "image/png", Base64: "AAAA"}
	if _, err := NewOpenAI("k", "", time.Second).WithEndpoint(server.URL).Categorize(context.Background(), req); err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	_, err := NewOpenAI("k", "", time.Second).WithEndpoint(server.URL).Categorize(context.Background(), testRequest())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestOllamaCategorize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "llava:7b"}}})
		case "/api/chat":
			var body struct {
				Model    string           `json:"model"`
				Format   string           `json:"format"`
				Messages []map[string]any `json:"messages"`
			}
			json.NewDecoder(req.Body).Decode(&body)
			if body.Model != "llava:7b" || body.Format != "json" {
				t.Errorf("unexpected model/format %q %q", body.Model, body.Format)
			}
			images, _ := body.Messages[1]["images"].([]any)
			if len(images) != 1 || images[0] != "QkFTRTY0" {
				t.Errorf("expected raw base64 image, got %v", body.Messages[1]["images"])
			}
			json.NewEncoder(w).Encode(map[string]any{
				"model":   "llava:7b",
				"message": map[string]string{"content": "```json\n{\"categories\":[\"Violence\"],\"tags\":[],\"explanation\":\"fight\"}\n```"},
			})
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	o := NewOllama(server.URL, "", time.Second)
	if !o.Available() {
		t.Fatal("expected auto-detected model")
	}
	req := testRequest()
	req.Image = &Image{MIME: "image/jpeg", Base64: "QkFTRTY0"}
	res, err := o.Categorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Categorize failed: %v", err)
	}
	if len(res.Categories) != 1 || res.Categories[0] != "Violence" || res.Explanation != "fight" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestOllamaRetriesModelDetection(t *testing.T) {
	var up atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !up.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "llama3"}}})
	}))
	defer server.Close()

	o := NewOllama(server.URL, "", time.Second)
	o.detectRetry = 0
	if o.Available() {
		t.Fatal("no model while the server is down")
	}
	up.Store(true)
	if !o.Available() {
		t.Fatal("detection should be retried once the server is up")
	}
	if got := o.getModel(); got != "llama3" {
		t.Errorf("model = %q", got)
	}
}

func TestParseResult(t *testing.T) {
	long := strings.Repeat("é", 300)
	res, err := ParseResult(`Sure! {"categories":[" Politics ",""],"tags":["war"],"explanation":"` + long + `"} hope that helps`)
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if len(res.Categories) != 1 || res.Categories[0] != "Politics" {
		t.Errorf("unexpected categories %q", res.Categories)
	}
	if n := len([]rune(res.Explanation)); n != MaxExplanationRunes {
		t.Errorf("explanation has %d runes, want %d", n, MaxExplanationRunes)
	}

	if _, err := ParseResult("no json here"); err == nil {
		t.Error("expected error for missing JSON")
	}
	if _, err := ParseResult(`{"categories": "oops"}`); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

type stubCategorizer struct {
	name  string
	avail bool
	err   error
	calls atomic.Int32
}

func (s *stubCategorizer) Name() string    { return s.name }
func (s *stubCategorizer) Available() bool { return s.avail }
func (s *stubCategorizer) Categorize(ctx context.Context, req Request) (Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Explanation: s.name}, nil
}

func TestBreakerTripsAfterFailures(t *testing.T) {
	stub := &stubCategorizer{name: "flaky", avail: true, err: errors.New("boom")}
	b := NewBreaker(stub, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, FailureThreshold: 0.5, MinRequests: 3})

	for i := 0; i < 3; i++ {
		if _, err := b.Categorize(context.Background(), testRequest()); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != "open" {
		t.Fatalf("breaker state = %s, want open", b.State())
	}
	_, err := b.Categorize(context.Background(), testRequest())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("open breaker should not call through, calls = %d", got)
	}
	if b.Available() {
		t.Error("open breaker should report unavailable")
	}
}

func TestManagerPrefersConfigured(t *testing.T) {
	a := &stubCategorizer{name: "openai", avail: false}
	b := &stubCategorizer{name: "ollama", avail: true}
	m := NewManager(a, b)

	if got := m.GetAvailable(); got != b {
		t.Errorf("expected fallback to ollama, got %v", got)
	}
	a.avail = true
	m.SetPreferred("ollama")
	if got := m.GetAvailable(); got != b {
		t.Errorf("expected preferred ollama, got %v", got)
	}
	if names := m.ListAvailable(); len(names) != 2 {
		t.Errorf("expected 2 available, got %v", names)
	}
}

func TestManagerCategorizes(t *testing.T) {
	none := NewManager(&stubCategorizer{name: "openai", avail: false})
	if none.Available() {
		t.Error("manager with no available provider should be unavailable")
	}
	if _, err := none.Categorize(context.Background(), Request{Title: "x"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	b := &stubCategorizer{name: "ollama", avail: true}
	m := NewManager(b)
	m.SetPreferred("openai")
	if m.Name() != "openai" {
		t.Errorf("Name = %q", m.Name())
	}
	if _, err := m.Categorize(context.Background(), Request{Title: "x"}); err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if b.calls.Load() != 1 {
		t.Errorf("fallback provider calls = %d", b.calls.Load())
	}
}
