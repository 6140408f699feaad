package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker"

	"github.com/kittclouds/kittsync/internal/metrics"
	"github.com/kittclouds/kittsync/internal/store"
)

// maxErrorBody caps how much of a failed response is kept in a StatusError.
const maxErrorBody = 4 << 10

// TokenFunc supplies a bearer token per request. An empty token sends no
// Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// ReadyToTrip trips once FailureThreshold of at least MinRequests fail.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the circuit breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Options configures an HTTPClient.
type Options struct {
	HTTP    *http.Client
	Token   TokenFunc
	Timeout time.Duration
	Breaker BreakerConfig
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	base    string
	http    *http.Client
	token   TokenFunc
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a client rooted at baseURL (for example
// "https://kitt.example.com/api").
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	if opts.Breaker.Name == "" {
		opts.Breaker = DefaultBreakerConfig("kittsync-remote")
	}
	return &HTTPClient{
		base:    strings.TrimRight(baseURL, "/"),
		http:    opts.HTTP,
		token:   opts.Token,
		timeout: opts.Timeout,
		cb:      newBreaker(opts.Breaker),
	}, nil
}

func newBreaker(config BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("remote circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.Set(float64(to))
		},
		// 4xx responses do not count against the service.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// BreakerState reports the current state of the circuit breaker.
func (c *HTTPClient) BreakerState() gobreaker.State {
	return c.cb.State()
}

func (c *HTTPClient) FetchAll(ctx context.Context, coll store.Collection, userID string) (json.RawMessage, error) {
	path, err := Path(coll)
	if err != nil {
		return nil, err
	}
	var resp map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, url.Values{"userId": {userID}}, nil, &resp); err != nil {
		return nil, err
	}
	rows, ok := resp[string(coll)]
	if !ok || len(rows) == 0 || string(rows) == "null" {
		return json.RawMessage("[]"), nil
	}
	return rows, nil
}

func (c *HTTPClient) Upsert(ctx context.Context, coll store.Collection, entity json.RawMessage) error {
	path, err := Path(coll)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, nil, entity, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, coll store.Collection, id string) error {
	path, err := Path(coll)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, url.Values{"id": {id}}, nil, nil)
}

type backupRequest struct {
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

type restoreResponse struct {
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) PushBackup(ctx context.Context, userID string, data json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/sync/backup", nil, backupRequest{UserID: userID, Data: data}, nil)
}

func (c *HTTPClient) FetchBackup(ctx context.Context, userID string) (json.RawMessage, error) {
	var resp restoreResponse
	if err := c.do(ctx, http.MethodGet, "/sync/restore", url.Values{"userId": {userID}}, nil, &resp); err != nil {
		return nil, err
	}
	if string(resp.Data) == "null" {
		return nil, nil
	}
	return resp.Data, nil
}

// do runs one request through the circuit breaker. in is sent as JSON
// (json.RawMessage is sent verbatim); a 2xx body is decoded into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, query, in, out)
	})
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RemoteLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
