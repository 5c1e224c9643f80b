// Package geo resolves client IPs to coarse locations for event
// enrichment. Lookups are best-effort: any failure or timeout produces
// an empty result and never surfaces to the pixel path.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/pixel-tracker/internal/config"
	"github.com/ignite/pixel-tracker/internal/pkg/httpretry"
	"github.com/ignite/pixel-tracker/internal/pkg/logger"
)

// Location is the enrichment subset we persist on open events
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// Client is an ip-api style geolocation client with a Redis cache in
// front. redisClient may be nil; the client then works uncached.
type Client struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
	cache      *redis.Client
	cacheTTL   time.Duration
	timeout    time.Duration
}

// NewClient creates a geolocation client from config
func NewClient(cfg config.GeoConfig, redisClient *redis.Client) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 1),
		cache:    redisClient,
		cacheTTL: cfg.CacheTTL(),
		timeout:  cfg.Timeout(),
	}
}

type lookupResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// Lookup resolves an IP to a location. The whole call is bounded by the
// configured timeout regardless of the parent context.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	if ip == "" {
		return nil, fmt.Errorf("geo: empty ip")
	}

	if loc := c.cacheGet(ctx, ip); loc != nil {
		return loc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	lookupURL := fmt.Sprintf("%s/json/%s?fields=status,country,city", c.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("geo: creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo: executing lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("geo: lookup returned status %d", resp.StatusCode)
	}

	var parsed lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("geo: decoding response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("geo: provider returned status %q", parsed.Status)
	}

	loc := &Location{Country: parsed.Country, City: parsed.City}
	c.cacheSet(ctx, ip, loc)
	return loc, nil
}

func cacheKey(ip string) string {
	return "geo:ip:" + ip
}

func (c *Client) cacheGet(ctx context.Context, ip string) *Location {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.Get(ctx, cacheKey(ip)).Bytes()
	if err != nil {
		return nil
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil
	}
	return &loc
}

func (c *Client) cacheSet(ctx context.Context, ip string, loc *Location) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(ip), data, c.cacheTTL).Err(); err != nil {
		logger.Debug("geo cache write failed", "ip", ip, "error", err.Error())
	}
}
