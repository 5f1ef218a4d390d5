// Package session provides long-lived headless browser sessions suitable for
// pooling. A Launcher owns one shared Chrome allocator; each Session is a
// dedicated tab that stays warm across navigations until the pool retires it.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls browser behavior for every session the launcher spawns.
type Config struct {
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// NavigationTimeout bounds a single Navigate call. Defaults to 45s.
	NavigationTimeout time.Duration
	// SettleDelay is a grace period after body readiness so late scripts can
	// finish mutating the DOM. Defaults to 500ms.
	SettleDelay time.Duration
	// ProxyURL routes browser traffic through a proxy when non-empty.
	ProxyURL string
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	return c
}

// Launcher owns the Chrome exec allocator shared by all sessions. Its Spawn,
// Check, and Destroy methods are shaped to plug directly into a resource
// pool as factory, health check, and disposal hook.
type Launcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// LauncherOption customizes a Launcher.
type LauncherOption func(*Launcher)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) LauncherOption {
	return func(la *Launcher) { la.logger = l }
}

// NewLauncher builds the shared allocator. Browsers are not started here;
// each Spawn boots its own tab lazily.
func NewLauncher(cfg Config, opts ...LauncherOption) *Launcher {
	cfg = cfg.withDefaults()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	la := &Launcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(la)
	}
	return la
}

// Close tears down the allocator and with it every remaining browser.
func (la *Launcher) Close() {
	la.allocCancel()
}

// Spawn boots a fresh browser tab and verifies it responds before handing it
// out. Satisfies the pool factory signature.
func (la *Launcher) Spawn(ctx context.Context) (*Session, error) {
	taskCtx, cancel := chromedp.NewContext(la.allocator)

	bootCtx, bootCancel := context.WithTimeout(taskCtx, la.cfg.NavigationTimeout)
	defer bootCancel()
	stop := context.AfterFunc(ctx, bootCancel)
	defer stop()

	if err := chromedp.Run(bootCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("boot browser session: %w", err)
	}
	la.logger.Debug("browser session started")
	return &Session{cfg: la.cfg, taskCtx: taskCtx, cancel: cancel}, nil
}

// Check probes the session with a trivial script evaluation. Satisfies the
// pool health check signature.
func (la *Launcher) Check(ctx context.Context, s *Session) bool {
	probeCtx, cancel := context.WithTimeout(s.taskCtx, 3*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var one int
	if err := chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)); err != nil {
		la.logger.Debug("browser session failed health probe", zap.Error(err))
		return false
	}
	return one == 1
}

// Destroy closes the session's tab. Satisfies the pool disposal signature.
func (la *Launcher) Destroy(s *Session) {
	s.cancel()
}

// Session is a single warm browser tab. It is not safe for concurrent use;
// the pool's exclusive checkout provides that guarantee.
type Session struct {
	cfg     Config
	taskCtx context.Context
	cancel  context.CancelFunc
}

// Alive reports whether the session's browser context is still usable. A
// false result after a failed navigation means the tab itself is gone, not
// just the page.
func (s *Session) Alive() bool {
	return s.taskCtx.Err() == nil
}

// Request describes one page render.
type Request struct {
	URL     string
	Headers http.Header
}

// RenderedPage is the fully rendered result of a navigation.
type RenderedPage struct {
	URL        string
	StatusCode int
	Headers    http.Header
	HTML       string
	Duration   time.Duration
}

// Navigate loads the requested URL, waits for the DOM to settle, and returns
// the rendered document. Cancellation of ctx aborts the navigation.
func (s *Session) Navigate(ctx context.Context, req Request) (RenderedPage, error) {
	navCtx, cancel := context.WithTimeout(s.taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	watch := newDocumentWatch()
	chromedp.ListenTarget(navCtx, watch.onEvent)

	var (
		html     string
		finalURL string
	)
	start := time.Now()
	err := chromedp.Run(navCtx,
		s.setupAction(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return RenderedPage{}, fmt.Errorf("navigate %s: %w", req.URL, ctx.Err())
		}
		return RenderedPage{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	status, headers, docURL := watch.result(req.URL, finalURL)
	return RenderedPage{
		URL:        docURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

func (s *Session) setupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(headers) > 0 {
			extra := network.Headers{}
			for key, values := range headers {
				extra[key] = strings.Join(values, ", ")
			}
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentWatch records the response metadata of the main document as CDP
// network events stream in. Subresource responses are ignored.
type documentWatch struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newDocumentWatch() *documentWatch {
	return &documentWatch{headers: http.Header{}}
}

func (w *documentWatch) onEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, item := range v {
				headers.Add(key, fmt.Sprint(item))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	w.mu.Lock()
	w.status = int(resp.Response.Status)
	w.headers = headers
	w.url = resp.Response.URL
	w.mu.Unlock()
}

// result returns the captured metadata, falling back to the browser location
// and then the request URL when no document response was observed.
func (w *documentWatch) result(requestURL, finalURL string) (int, http.Header, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	url := w.url
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(http.Header, len(w.headers))
	for k, values := range w.headers {
		headers[k] = append([]string(nil), values...)
	}
	return status, headers, url
}
