// Package httpclient builds the resty and retryable HTTP clients used for
// outbound calls.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// SlogAdapter adapts a slog.Logger to the resty logger interface.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter forwards resty messages to logger, or the default logger when nil.
func NewSlogAdapter(logger *slog.Logger) resty.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Errorf logs a message at error level.
func (a *SlogAdapter) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

// Warnf logs a message at warning level.
func (a *SlogAdapter) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...))
}

// Debugf logs a message at debug level.
func (a *SlogAdapter) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

// Config holds outbound client settings.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
	RetryMaxWait  time.Duration
	Headers       map[string]string
}

// NewResty initializes a resty client with retries on transport errors
// and 5xx responses.
func NewResty(cfg Config, logger *slog.Logger) *resty.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitTime <= 0 {
		cfg.RetryWaitTime = 200 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 2 * time.Second
	}

	client := resty.New()
	client.SetLogger(NewSlogAdapter(logger))
	client.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeaders(cfg.Headers).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return client
}

// NewRetryable returns a standard http.Client with retry logic.
func NewRetryable(cfg Config) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryCount
	if cfg.RetryWaitTime > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitTime
	}
	if cfg.RetryMaxWait > 0 {
		retryClient.RetryWaitMax = cfg.RetryMaxWait
	}
	retryClient.Logger = slog.Default()

	standardClient := retryClient.StandardClient()
	if cfg.Timeout > 0 {
		standardClient.Timeout = cfg.Timeout
	}
	return standardClient
}
