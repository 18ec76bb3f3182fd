package captioner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/caption-demo/internal/logging"
)

// Client exposes the captioning call used by the upload view.
type Client interface {
	// Caption sends payload as the request body and returns the response body
	// verbatim.
	Caption(ctx context.Context, payload string) (string, error)
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("caption endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("caption endpoint returned status %d: %s", e.StatusCode, e.Body)
}

const errorBodyLimit = 1024

// Options configures an HTTP captioner.
type Options struct {
	Endpoint    string
	ContentType string
	// Timeout bounds a single call. Zero means wait until the transport fails.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient posts data URLs to a remote captioning endpoint.
type HTTPClient struct {
	endpoint    string
	contentType string
	timeout     time.Duration
	client      *http.Client
	logger      *zap.Logger
}

// NewHTTPClient returns a captioner for opts.Endpoint.
func NewHTTPClient(opts Options, logger *zap.Logger) *HTTPClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPClient{
		endpoint:    opts.Endpoint,
		contentType: opts.ContentType,
		timeout:     opts.Timeout,
		client:      client,
		logger:      logger.Named("captioner"),
	}
}

// Caption performs one POST to the endpoint. It never retries.
func (c *HTTPClient) Caption(ctx context.Context, payload string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(payload))
	if err != nil {
		return "", logging.NewOperationError("captioner.build_request", "", err)
	}
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("captioner.post", "", err)
		c.logger.Warn("caption request failed", zap.Error(wrapped), zap.String("endpoint", c.endpoint))
		return "", wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		c.logger.Warn("caption endpoint rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("endpoint", c.endpoint))
		return "", logging.NewOperationError("captioner.post", "", statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", logging.NewOperationError("captioner.read_body", "", err)
	}

	c.logger.Debug("caption received",
		zap.Int("status", resp.StatusCode),
		zap.Int("payload_bytes", len(payload)),
		zap.Int("caption_bytes", len(body)),
		zap.Duration("latency", time.Since(start)))

	return string(body), nil
}
