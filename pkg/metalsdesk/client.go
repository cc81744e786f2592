// Package metalsdesk is a Go client for the metalsdesk REST API.
package metalsdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the metalsdesk server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new metalsdesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("metalsdesk: %d %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("metalsdesk: %d %s", e.StatusCode, e.Message)
}

// GetSeries retrieves the daily series for code over [from, to], dates in
// YYYY-MM-DD.
func (c *Client) GetSeries(ctx context.Context, code, from, to string) (*Series, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	var out Series
	if err := c.do(ctx, http.MethodGet, "/api/series/"+url.PathEscape(code), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecent retrieves the last days calendar days for code.
func (c *Client) GetRecent(ctx context.Context, code string, days int) (*Series, error) {
	q := url.Values{"days": {strconv.Itoa(days)}}
	var out Series
	if err := c.do(ctx, http.MethodGet, "/api/series/"+url.PathEscape(code), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLatest retrieves the latest quote for code.
func (c *Client) GetLatest(ctx context.Context, code string) (*Quote, error) {
	var out Quote
	if err := c.do(ctx, http.MethodGet, "/api/latest/"+url.PathEscape(code), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLatestMany retrieves latest quotes for codes, or for every Raw
// instrument when codes is empty.
func (c *Client) GetLatestMany(ctx context.Context, codes ...string) ([]QuoteResult, error) {
	var q url.Values
	if len(codes) > 0 {
		q = url.Values{"codes": {strings.Join(codes, ",")}}
	}
	var out struct {
		Quotes []QuoteResult `json:"quotes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/latest", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Quotes, nil
}

// GetStatus retrieves the live source status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconnect asks the server to reopen the live session. A failed attempt is
// reported in the returned status, not as an error, unless the source is
// unavailable.
func (c *Client) Reconnect(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodPost, "/api/status/reconnect", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstruments lists instruments, optionally filtered by category.
func (c *Client) ListInstruments(ctx context.Context, category string) ([]Instrument, error) {
	var q url.Values
	if category != "" {
		q = url.Values{"category": {category}}
	}
	var out struct {
		Instruments []Instrument `json:"instruments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/instruments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Instruments, nil
}

// RegisterInstrument registers a new instrument.
func (c *Client) RegisterInstrument(ctx context.Context, inst Instrument) (*Instrument, error) {
	var out Instrument
	if err := c.do(ctx, http.MethodPost, "/api/instruments", nil, inst, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteInstrument removes an instrument.
func (c *Client) DeleteInstrument(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodDelete, "/api/instruments/"+url.PathEscape(code), nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message, apiErr.RequestID = e.Error, e.RequestID
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
