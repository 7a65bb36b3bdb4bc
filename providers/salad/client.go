// Package salad drives workload groups hosted as Salad container groups.
package salad

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"job-broker/core/brokererr"
)

// DefaultBaseURL is the public Salad API
const DefaultBaseURL = "https://api.salad.com/api/public"

// Settings configures the Salad fleet
type Settings struct {
	BaseURL      string
	APIKey       string
	Organization string
	Project      string
	// RequestsPerSecond caps the request rate against the API
	RequestsPerSecond float64
	// CacheSize bounds the group id to name cache
	CacheSize int
	Timeout   time.Duration
}

// Client is the Salad provider client. Workload group ids are container
// group ids; the API addresses groups by name, so names are resolved through
// a cached list call.
type Client struct {
	http     *resty.Client
	limiter  *rate.Limiter
	names    *lru.Cache
	settings Settings
}

// NewClient creates a Salad client
func NewClient(settings Settings) (*Client, error) {
	if settings.Organization == "" || settings.Project == "" {
		return nil, fmt.Errorf("salad organization and project are required")
	}
	if settings.BaseURL == "" {
		settings.BaseURL = DefaultBaseURL
	}
	if settings.RequestsPerSecond <= 0 {
		settings.RequestsPerSecond = 5
	}
	if settings.CacheSize <= 0 {
		settings.CacheSize = 1024
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}

	names, err := lru.New(settings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create group name cache: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(settings.BaseURL)
	client.SetTimeout(settings.Timeout)
	client.SetHeader("Salad-Api-Key", settings.APIKey)
	client.SetHeader("Accept", "application/json")

	return &Client{
		http:     client,
		limiter:  rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), 1),
		names:    names,
		settings: settings,
	}, nil
}

func (c *Client) containersPath() string {
	return fmt.Sprintf("/organizations/%s/projects/%s/containers", c.settings.Organization, c.settings.Project)
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx), nil
}

// classify maps a Salad response onto the broker's error kinds
func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		return brokererr.Upstream(err, "salad %s", op)
	}
	switch code := resp.StatusCode(); {
	case code < 300:
		return nil
	case code == http.StatusNotFound:
		return brokererr.NotFound("salad %s: not found", op)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return brokererr.InvalidRequest("salad %s rejected: %s", op, resp.String())
	default:
		return brokererr.Upstream(fmt.Errorf("status %d: %s", code, resp.String()), "salad %s", op)
	}
}
