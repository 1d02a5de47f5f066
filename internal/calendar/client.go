// Package calendar is the HTTP client for the remote calendar service.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tasksync/tasksync/internal/batchcodec"
	"github.com/tasksync/tasksync/internal/routing"
)

// Config holds client settings.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns settings for the public Google Calendar API.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://www.googleapis.com/calendar/v3",
		RequestsPerSecond: 5,
		Timeout:           30 * time.Second,
	}
}

// Client talks to the calendar API.
type Client struct {
	base     *url.URL
	batchURL string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient builds a client. A non-empty token is sent as a bearer token.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid calendar base URL %q", cfg.BaseURL)
	}

	hc := &http.Client{}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		hc = oauth2.NewClient(context.Background(), ts)
	}
	hc.Timeout = cfg.Timeout

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	batchURL := *base
	batchURL.Path = "/batch" + base.Path

	return &Client{
		base:     base,
		batchURL: batchURL.String(),
		http:     hc,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With("component", "calendar"),
	}, nil
}

// BasePath is the path prefix for sub-requests.
func (c *Client) BasePath() string {
	return c.base.Path
}

// ListCollections returns the calendars visible to the account.
func (c *Client) ListCollections(ctx context.Context) ([]routing.Collection, error) {
	var page struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Primary bool   `json:"primary"`
		} `json:"items"`
		NextPageToken string `json:"nextPageToken"`
	}

	var out []routing.Collection
	token := ""
	for {
		q := url.Values{}
		if token != "" {
			q.Set("pageToken", token)
		}
		page.Items, page.NextPageToken = nil, ""
		if err := c.getJSON(ctx, "/users/me/calendarList", q, &page); err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, it := range page.Items {
			out = append(out, routing.Collection{ID: it.ID, Name: it.Summary, Primary: it.Primary})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// ListEvents returns the events of a calendar that overlap [from, to).
func (c *Client) ListEvents(ctx context.Context, collectionID string, from, to time.Time) ([]Event, error) {
	var page struct {
		Items         []Event `json:"items"`
		NextPageToken string  `json:"nextPageToken"`
	}

	var out []Event
	token := ""
	for {
		q := url.Values{}
		q.Set("timeMin", from.Format(time.RFC3339))
		q.Set("timeMax", to.Format(time.RFC3339))
		q.Set("singleEvents", "true")
		if token != "" {
			q.Set("pageToken", token)
		}
		page.Items, page.NextPageToken = nil, ""
		if err := c.getJSON(ctx, "/calendars/"+url.PathEscape(collectionID)+"/events", q, &page); err != nil {
			return nil, fmt.Errorf("failed to list events of %s: %w", collectionID, err)
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}

// Do sends one batch envelope. A non-2xx envelope yields a *StatusError.
func (c *Client) Do(ctx context.Context, reqs []batchcodec.Request) ([]batchcodec.Response, error) {
	boundary := "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	body, err := batchcodec.EncodeRequests(boundary, reqs)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", batchcodec.ContentType(boundary))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %v: %w", err, ErrTransient)
	}
	defer resp.Body.Close()

	c.logger.Debug("batch sent", "requests", len(reqs), "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return batchcodec.DecodeResponses(resp.Header.Get("Content-Type"), resp.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, into any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	target := c.base.String() + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
