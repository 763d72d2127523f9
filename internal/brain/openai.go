package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
)

const (
	defaultOpenAIModel    = "gpt-4.1-nano"
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
)

// OpenAI categorizes items with the chat completions API. Image requests use
// a content-parts message with an image_url part.
type OpenAI struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOpenAI creates an OpenAI categorizer. Empty model selects gpt-4.1-nano;
// zero timeout selects 60s.
func NewOpenAI(apiKey, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		apiKey:      apiKey,
		model:       model,
		endpoint:    defaultOpenAIEndpoint,
		temperature: 0.1,
		maxTokens:   1000,
		client:      &http.Client{Timeout: timeout},
	}
}

// WithEndpoint points the client at a compatible API (or a test server).
func (o *OpenAI) WithEndpoint(endpoint string) *OpenAI {
	if endpoint != "" {
		o.endpoint = endpoint
	}
	return o
}

func (o *OpenAI) Name() string {
	return "openai"
}

func (o *OpenAI) Available() bool {
	return o.apiKey != ""
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []openAIPart
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (o *OpenAI) Categorize(ctx context.Context, req Request) (Result, error) {
	if !o.Available() {
		return Result{}, fmt.Errorf("openai: %w", ErrNotConfigured)
	}

	prompt := BuildPrompt(req)
	user := openAIMessage{Role: "user", Content: prompt}
	if req.Image != nil {
		user.Content = []openAIPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &openAIImageURL{URL: req.Image.DataURL(), Detail: "low"}},
		}
	}

	body := map[string]any{
		"model":           o.model,
		"temperature":     o.temperature,
		"max_tokens":      o.maxTokens,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []openAIMessage{
			{Role: "system", Content: SystemPrompt(req.Image != nil)},
			user,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	logging.Debug("OpenAI categorize request", "model", o.model, "item", req.ItemID, "image", req.Image != nil)

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		metrics.CategorizerDuration.WithLabelValues(o.Name(), "error").Observe(time.Since(start).Seconds())
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.CategorizerDuration.WithLabelValues(o.Name(), strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logging.Error("OpenAI API error", "status", resp.StatusCode, "body", string(respBody))
		return Result{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("openai returned no choices")
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "length" {
		logging.Warn("OpenAI response truncated due to max tokens",
			"model", parsed.Model,
			"max_tokens", o.maxTokens,
			"item", req.ItemID)
	}

	result, err := ParseResult(choice.Message.Content)
	if err != nil {
		return Result{}, err
	}
	result.Model = parsed.Model
	return result, nil
}
