// Package fetchhttp implements plain HTTP page fetching with gocolly. A
// Client wraps one collector with a dedicated transport; clients are meant
// to be pooled, so a Client never serves two fetches concurrently.
package fetchhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	// UserAgent sent with every request.
	UserAgent string
	// Timeout bounds one request. Defaults to 15s.
	Timeout time.Duration
	// MaxBodyBytes truncates oversized responses. Zero means colly's default.
	MaxBodyBytes int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Request describes one HTTP page fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the fetched document.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client fetches pages over plain HTTP. Construct with New; pool for
// concurrency.
type Client struct {
	cfg       Config
	collector *colly.Collector
	transport *http.Transport
}

// New builds a Client with its own pooled transport.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	return &Client{cfg: cfg, collector: c, transport: transport}
}

// Factory adapts New to the pool factory signature.
func Factory(cfg Config) func(context.Context) (*Client, error) {
	return func(context.Context) (*Client, error) {
		return New(cfg), nil
	}
}

// Close drops the client's idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Fetch executes a single GET and returns the response document.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	collector := c.collector.Clone()

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	c.registerHooks(collector, req, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch %s canceled: %w", req.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		if fetchErr != nil {
			return Response{}, fmt.Errorf("fetch %s: response failed: %w", req.URL, fetchErr)
		}
		return result, nil
	}
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (c *Client) registerHooks(hooks collectorHooks, req Request, start time.Time, result *Response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}
