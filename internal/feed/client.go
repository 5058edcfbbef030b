package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rickgao/chainheat/internal/model"
)

// Client provides access to the provider's REST chain API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST chain client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// APIError represents an error response from the provider.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chain api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// apiChain mirrors the provider's chain payload.
type apiChain struct {
	Underlying  string `json:"underlying"`
	EventTS     int64  `json:"event_ts"`
	Expirations []struct {
		Expiry    string        `json:"expiry"`
		Contracts []apiContract `json:"contracts"`
	} `json:"expirations"`
}

type apiContract struct {
	Strike       float64 `json:"strike"`
	Right        string  `json:"right"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Mid          float64 `json:"mid"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	OpenInterest int64   `json:"open_interest"`
	EventTS      int64   `json:"event_ts"`
}

// GetChain fetches the complete option chain for an underlying and
// normalizes it into a ChainSnapshot.
func (c *Client) GetChain(ctx context.Context, symbol string) (model.ChainSnapshot, error) {
	body, err := c.doWithRetry(ctx, http.MethodGet, "/v1/chains/"+url.PathEscape(symbol), nil)
	if err != nil {
		return model.ChainSnapshot{}, err
	}

	var chain apiChain
	if err := json.Unmarshal(body, &chain); err != nil {
		return model.ChainSnapshot{}, fmt.Errorf("parse chain response: %w", err)
	}

	snap := model.ChainSnapshot{
		Underlying: symbol,
		EventTS:    chain.EventTS,
	}
	for _, exp := range chain.Expirations {
		for _, ac := range exp.Contracts {
			right := model.Right(ac.Right)
			if !right.Valid() {
				continue
			}
			ts := ac.EventTS
			if ts == 0 {
				ts = chain.EventTS
			}
			snap.Contracts = append(snap.Contracts, model.SnapshotContract{
				Underlying: symbol,
				Expiry:     exp.Expiry,
				Strike:     model.PriceFromDollars(ac.Strike),
				Right:      right,
				Bid:        model.PriceFromDollars(ac.Bid),
				Ask:        model.PriceFromDollars(ac.Ask),
				Mid:        model.PriceFromDollars(ac.Mid),
				Greeks: model.Greeks{
					Delta: ac.Delta,
					Gamma: ac.Gamma,
					Theta: ac.Theta,
					Vega:  ac.Vega,
				},
				OpenInterest: ac.OpenInterest,
				EventTS:      ts,
			})
		}
	}

	return snap, nil
}

// doRequest performs a single HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	return body, nil
}

// doWithRetry performs a request with exponential backoff and jitter.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}
			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if apiErr, ok := err.(*APIError); ok && !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}
