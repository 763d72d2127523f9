package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
)

// Ollama categorizes items with a local model. Images need a vision model
// such as llava; text-only models ignore them.
type Ollama struct {
	endpoint string
	model    string
	client   *http.Client

	detectMu    sync.Mutex
	detected    string
	lastDetect  time.Time
	detectRetry time.Duration // min gap between failed detections
}

const defaultDetectRetry = 30 * time.Second

// NewOllama creates a new Ollama categorizer.
// If model is empty, the first installed model is used.
func NewOllama(endpoint, model string, timeout time.Duration) *Ollama {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second // Longer timeout for local inference
	}
	return &Ollama{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},

		detectRetry: defaultDetectRetry,
	}
}

// getModel returns the configured model or auto-detects one. A failed
// detection is retried on a later call, at most once per detectRetry.
func (o *Ollama) getModel() string {
	if o.model != "" {
		return o.model
	}
	o.detectMu.Lock()
	defer o.detectMu.Unlock()
	if o.detected != "" {
		return o.detected
	}
	if !o.lastDetect.IsZero() && time.Since(o.lastDetect) < o.detectRetry {
		return ""
	}
	o.lastDetect = time.Now()
	o.detected = o.detectModel()
	if o.detected != "" {
		logging.Info("Ollama auto-detected model", "model", o.detected)
	}
	return o.detected
}

func (o *Ollama) detectModel() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.endpoint+"/api/tags", nil)
	if err != nil {
		return ""
	}
	resp, err := o.client.Do(req)
	if err != nil {
		logging.Debug("Ollama model detection failed", "endpoint", o.endpoint, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result.Models) == 0 {
		return ""
	}
	return result.Models[0].Name
}

func (o *Ollama) Name() string {
	return "ollama"
}

func (o *Ollama) Available() bool {
	if o.getModel() == "" {
		logging.Debug("Ollama not available - no models found", "endpoint", o.endpoint)
		return false
	}
	return true
}

func (o *Ollama) Categorize(ctx context.Context, req Request) (Result, error) {
	model := o.getModel()
	if model == "" {
		return Result{}, fmt.Errorf("ollama at %s: %w", o.endpoint, ErrNotConfigured)
	}

	user := map[string]any{"role": "user", "content": BuildPrompt(req)}
	if req.Image != nil {
		user["images"] = []string{req.Image.Base64}
	}

	body := map[string]any{
		"model":  model,
		"stream": false,
		"format": "json",
		"messages": []map[string]any{
			{"role": "system", "content": SystemPrompt(req.Image != nil)},
			user,
		},
		"options": map[string]any{
			"temperature": 0.1,
			"num_predict": 1000,
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.endpoint+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		logging.Error("Ollama API error", "status", resp.StatusCode, "body", string(respBody))
		return Result{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed struct {
		Model   string `json:"model"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse response: %w", err)
	}

	result, err := ParseResult(parsed.Message.Content)
	if err != nil {
		return Result{}, err
	}
	result.Model = parsed.Model
	return result, nil
}
