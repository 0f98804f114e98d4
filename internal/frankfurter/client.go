// Package frankfurter fetches current exchange rates from a Frankfurter-compatible API.
package frankfurter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/ratealert/internal/models"
	"github.com/shopspring/decimal"
)

// maxBodyBytes caps how much of a response is read; a latest-rates body is a few KB.
const maxBodyBytes = 1 << 20

// Client provides access to the rates API
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxAttempts    int
	retryDelayBase time.Duration
	now            func() time.Time
}

// ClientConfig holds tunables for the HTTP transport and attempt policy.
type ClientConfig struct {
	MaxAttempts         int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// latestResponse is the body of GET /latest
type latestResponse struct {
	Amount float64                    `json:"amount"`
	Base   string                     `json:"base"`
	Date   string                     `json:"date"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

// NewClient creates a new rates client
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxAttempts:    cfg.MaxAttempts,
		retryDelayBase: cfg.RetryDelayBase,
		now:            time.Now,
	}
}

// GetRates returns the latest rates of every currency relative to base.
// The snapshot is all-or-nothing: any entry that cannot be parsed into a
// positive rate fails the whole call.
func (c *Client) GetRates(ctx context.Context, base string) (models.RateSnapshot, error) {
	base = strings.ToUpper(base)

	u, err := url.Parse(c.baseURL + "/latest")
	if err != nil {
		return models.RateSnapshot{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("from", base)
	u.RawQuery = q.Encode()

	body, err := c.doRequest(ctx, u.String())
	if err != nil {
		return models.RateSnapshot{}, fmt.Errorf("failed to fetch rates: %w", err)
	}

	var resp latestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.RateSnapshot{}, fmt.Errorf("failed to decode rates: %w", err)
	}
	return toSnapshot(resp, base, c.now())
}

func toSnapshot(resp latestResponse, base string, fetchedAt time.Time) (models.RateSnapshot, error) {
	if !strings.EqualFold(resp.Base, base) {
		return models.RateSnapshot{}, fmt.Errorf("response base %q does not match requested %q", resp.Base, base)
	}
	if len(resp.Rates) == 0 {
		return models.RateSnapshot{}, errors.New("response carries no rates")
	}

	rates := make(map[string]float64, len(resp.Rates))
	for code, d := range resp.Rates {
		if !models.IsCurrencyCode(code) {
			return models.RateSnapshot{}, fmt.Errorf("invalid currency code %q in response", code)
		}
		if !d.IsPositive() {
			return models.RateSnapshot{}, fmt.Errorf("non-positive rate for %s: %s", code, d.String())
		}
		f := d.InexactFloat64()
		if math.IsInf(f, 0) {
			return models.RateSnapshot{}, fmt.Errorf("rate for %s overflows: %s", code, d.String())
		}
		rates[code] = f
	}

	return models.NewRateSnapshot(resp.Base, resp.Date, fetchedAt, rates), nil
}

// doRequest performs the GET and returns the body, retrying transport errors and
// 5xx responses up to maxAttempts with linear backoff.
func (c *Client) doRequest(ctx context.Context, urlStr string) ([]byte, error) {
	var lastErr error

	for i := 0; i < c.maxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelayBase * time.Duration(i)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read body: %w", readErr)
		}
		return body, nil
	}

	if c.maxAttempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max attempts exceeded: %w", lastErr)
}
