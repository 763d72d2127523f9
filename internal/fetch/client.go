package fetch

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// BrowserUserAgent is sent to sources that reject unknown clients.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// retryLogger routes retryablehttp output into the process logger.
type retryLogger struct{}

// Intermediate failures are retried, so they are only warnings.
func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	logging.Warn(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	logging.Warn(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	logging.Debug(msg, keysAndValues...)
}

// NewClient returns a stdlib *http.Client that retries connection errors,
// 5xx (except 501) and 429 responses up to retries times, honouring
// Retry-After. timeout bounds each attempt.
func NewClient(timeout time.Duration, retries int) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(retryLogger{})

	rc.HTTPClient.Timeout = timeout
	return rc.StandardClient()
}
