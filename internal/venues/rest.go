package venues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RESTConfig configures the shared REST client one adapter instance owns.
type RESTConfig struct {
	Venue     string
	BaseURL   string
	Timeout   time.Duration // defaults to 10s
	RateLimit rate.Limit    // requests per second, defaults to 8
	Burst     int           // defaults to 16
	Log       zerolog.Logger
}

// RESTClient wraps resty with the per-venue guards every adapter needs:
// a token-bucket limiter ahead of each call and a circuit breaker around it.
type RESTClient struct {
	venue   string
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// Request describes one venue call. Adapters that sign requests compute
// their headers (and byte-exact bodies) before handing the request over;
// signed query strings travel inside Path to keep parameter order stable.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    interface{}
	Result  interface{} // unmarshalled from the response body when non-nil
}

// NewRESTClient creates the REST base for one venue.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 8
	}
	if cfg.Burst == 0 {
		cfg.Burst = 16
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Venue,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &RESTClient{
		venue:   cfg.Venue,
		http:    client,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		breaker: breaker,
		log:     cfg.Log.With().Str("venue", cfg.Venue).Logger(),
	}
}

// Do executes one request through the limiter and breaker, returning the
// raw response body. Failures come back as *Error values.
func (c *RESTClient) Do(ctx context.Context, req Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewNetworkError(c.venue, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.execute(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewVenueError(c.venue, 0, "circuit breaker open")
		}
		return nil, err
	}

	body := result.([]byte)
	if req.Result != nil {
		if err := json.Unmarshal(body, req.Result); err != nil {
			return nil, NewVenueError(c.venue, 0, fmt.Sprintf("invalid response: %v", err))
		}
	}
	return body, nil
}

func (c *RESTClient) execute(ctx context.Context, req Request) ([]byte, error) {
	r := c.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	started := time.Now()
	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		c.log.Debug().Err(err).Str("path", req.Path).Msg("Request transport failure")
		return nil, NewNetworkError(c.venue, err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode()).
		Dur("took", time.Since(started)).
		Msg("Venue request")

	if resp.IsSuccess() {
		return resp.Body(), nil
	}

	retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
	return nil, FromStatusCode(c.venue, resp.StatusCode(), string(resp.Body()), retryAfter)
}

// Get is shorthand for a GET request decoded into result.
func (c *RESTClient) Get(ctx context.Context, path string, query map[string]string, result interface{}) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Result: result})
	return err
}

// Post is shorthand for a JSON POST decoded into result.
func (c *RESTClient) Post(ctx context.Context, path string, body, result interface{}) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body, Result: result})
	return err
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
