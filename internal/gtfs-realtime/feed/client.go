package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/ptvtracker-eta/internal/common/logger"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

const (
	HeaderAPIKey   = "Ocp-Apim-Subscription-Key"
	UserAgent      = "ptvtracker-eta/1.0"
	DefaultTimeout = 8 * time.Second
)

// Client fetches and decodes one GTFS-Realtime feed message.
type Client interface {
	Fetch(ctx context.Context, url string) (*gtfs.FeedMessage, error)
}

// TransportError covers request construction, network, timeout, non-200
// status and body read failures.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is returned when the payload is not a valid FeedMessage.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding feed from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HTTPClient performs exactly one GET per Fetch. Retrying is left to the
// caller's next scheduled cycle.
type HTTPClient struct {
	httpClient *http.Client
	apiKey     string
	limiter    *rate.Limiter
	logger     logger.Logger
}

type Option func(*HTTPClient)

// WithTimeout bounds the whole round trip including the body read.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAPIKey sends the key in the subscription header on every request.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithRateLimit caps requests per minute; zero or negative disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(c *HTTPClient) {
		if perMinute > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		}
	}
}

// WithHTTPClient replaces the underlying transport, e.g. for httptest servers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *HTTPClient) {
		if log != nil {
			c.logger = log
		}
	}
}

func NewHTTPClient(opts ...Option) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Fetch(ctx context.Context, url string) (*gtfs.FeedMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{URL: url, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/x-protobuf")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	msg, err := Decode(body)
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}

	c.logger.Debug("Fetched feed",
		"url", url,
		"bytes", len(body),
		"entities", len(msg.GetEntity()),
		"duration_ms", time.Since(start).Milliseconds())

	return msg, nil
}

// Decode parses a raw protobuf payload. Missing required fields below the
// header are tolerated so the mapper can drop just the affected entities; a
// FeedMessage without a header is rejected.
func Decode(payload []byte) (*gtfs.FeedMessage, error) {
	msg := &gtfs.FeedMessage{}
	if err := (proto.UnmarshalOptions{AllowPartial: true}).Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal protobuf: %w", err)
	}
	if msg.GetHeader() == nil {
		return nil, fmt.Errorf("feed message has no header")
	}
	return msg, nil
}
