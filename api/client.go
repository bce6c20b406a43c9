// Package api fetches a device's media list from the content server.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"caesartv/config"
	"caesartv/models"

	log "github.com/sirupsen/logrus"
)

var ErrNoMedia = errors.New("no active media")

type Client struct {
	httpClient *http.Client
	baseURL    string
	pageLimit  int
	maxRetries int
	baseDelay  time.Duration
	online     func(context.Context) bool
	logger     *log.Entry
}

type Options struct {
	BaseURL    string
	PageLimit  int
	MaxRetries int
	BaseDelay  time.Duration
	// Online is consulted before every attempt; nil means always online.
	Online     func(context.Context) bool
	HTTPClient *http.Client
}

func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
		},
	}
}

func New(opts Options) *Client {
	c := &Client{
		httpClient: opts.HTTPClient,
		baseURL:    opts.BaseURL,
		pageLimit:  opts.PageLimit,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		online:     opts.Online,
		logger:     log.WithFields(log.Fields{"module": "api"}),
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient()
	}
	if c.pageLimit <= 0 {
		c.pageLimit = 10
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 2 * time.Second
	}
	return c
}

func mediaURL(base, deviceID string, limit int) string {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", strconv.Itoa(limit))
	return base + url.PathEscape(deviceID) + "?" + q.Encode()
}

// FetchMedia returns the device's active media, retrying with exponential
// backoff until an attempt yields at least one item.
func (c *Client) FetchMedia(ctx context.Context, deviceID string) ([]models.MediaItem, error) {
	logger := c.logger.WithField("deviceID", deviceID)
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			logger.Debugf("retrying media fetch, attempt %d/%d, delay %v", attempt+1, c.maxRetries, delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		if c.online != nil && !c.online(ctx) {
			logger.Warn("no network available for media fetch")
			lastErr = errors.New("network unavailable")
			continue
		}

		items, err := c.fetchOnce(ctx, deviceID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("media fetch canceled: %w", ctx.Err())
			}
			logger.Warnf("media fetch attempt %d failed: %v", attempt+1, err)
			lastErr = err
			continue
		}
		if len(items) == 0 {
			logger.Warnf("no active media from API, attempt %d", attempt+1)
			lastErr = ErrNoMedia
			continue
		}

		logger.Infof("fetched %d media items: %v", len(items), models.MediaIDs(items))
		return items, nil
	}

	return nil, fmt.Errorf("media fetch failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, deviceID string) ([]models.MediaItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL(c.baseURL, deviceID, c.pageLimit), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "caesartv/"+config.Version)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("media API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media response: %w", err)
	}
	return ParseMediaResponse(body)
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("media fetch canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
