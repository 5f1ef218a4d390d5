// Package harvest runs the page harvesting pipeline: politeness wait, fetch
// through a protected backend, content extraction, archival, persistence,
// and downstream publish.
package harvest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quayside/undertow/internal/admission"
	"github.com/quayside/undertow/internal/clock"
	"github.com/quayside/undertow/internal/extract"
	"github.com/quayside/undertow/internal/fetchhttp"
	"github.com/quayside/undertow/internal/id/uuid"
	"github.com/quayside/undertow/internal/ratelimit"
	"github.com/quayside/undertow/internal/session"
)

// BrowserSession is the slice of a pooled browser session the pipeline
// needs. *session.Session satisfies it.
type BrowserSession interface {
	Navigate(ctx context.Context, req session.Request) (session.RenderedPage, error)
	Alive() bool
}

// HTTPClient is the slice of a pooled HTTP client the pipeline needs.
// *fetchhttp.Client satisfies it.
type HTTPClient interface {
	Fetch(ctx context.Context, req fetchhttp.Request) (fetchhttp.Response, error)
}

// Deps wires the harvester's collaborators. Store, Clock, and at least one
// of Browser/HTTP are required; the rest degrade to no-ops when nil. A nil
// backend rejects requests that name its mode and is skipped by auto mode.
type Deps struct {
	Browser   *admission.Controller[BrowserSession]
	HTTP      *admission.Controller[HTTPClient]
	Limiter   *ratelimit.Limiter
	Store     RecordStore
	Blobs     BlobStore
	Publisher Publisher
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Harvester executes harvest requests end to end.
type Harvester struct {
	deps   Deps
	ids    *uuid.Generator
	logger *zap.Logger
}

// New validates deps and builds a Harvester.
func New(deps Deps) (*Harvester, error) {
	if deps.Browser == nil && deps.HTTP == nil {
		return nil, fmt.Errorf("at least one fetch backend is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{
		deps:   deps,
		ids:    uuid.New(),
		logger: logger,
	}, nil
}

// bodyDigest is the hex SHA-256 of a fetched body, recorded for downstream
// change detection and deduplication.
func bodyDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fetched is the backend-agnostic intermediate result of one page fetch.
type fetched struct {
	url      string
	status   int
	headers  http.Header
	body     []byte
	duration time.Duration
	mode     Mode
}

// Harvest runs one request through the full pipeline.
func (h *Harvester) Harvest(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}

	if h.deps.Limiter != nil {
		if err := h.deps.Limiter.Wait(ctx, req.URL); err != nil {
			return Result{}, err
		}
	}

	start := h.deps.Clock.Now()
	f, err := h.fetch(ctx, req, mode)
	if err != nil {
		harvestsTotal.WithLabelValues(string(mode), "fetch_error").Inc()
		return Result{}, err
	}

	doc, err := extract.Parse(string(f.body), f.url)
	if err != nil {
		harvestsTotal.WithLabelValues(string(f.mode), "extract_error").Inc()
		return Result{}, err
	}

	result, err := h.persist(ctx, req, f, doc)
	if err != nil {
		harvestsTotal.WithLabelValues(string(f.mode), "persist_error").Inc()
		return Result{}, err
	}

	harvestsTotal.WithLabelValues(string(f.mode), "ok").Inc()
	harvestDuration.WithLabelValues(string(f.mode)).Observe(h.deps.Clock.Now().Sub(start).Seconds())
	h.logger.Info("page harvested",
		zap.String("url", req.URL),
		zap.String("mode", string(f.mode)),
		zap.Int("status", f.status),
		zap.Int("words", doc.WordCount),
	)
	return result, nil
}

func (h *Harvester) fetch(ctx context.Context, req Request, mode Mode) (fetched, error) {
	switch mode {
	case ModeBrowser:
		return h.fetchBrowser(ctx, req)
	case ModeHTTP:
		return h.fetchHTTP(ctx, req)
	case ModeAuto:
		if h.deps.HTTP == nil {
			return h.fetchBrowser(ctx, req)
		}
		f, err := h.fetchHTTP(ctx, req)
		if err != nil {
			return fetched{}, err
		}
		if h.deps.Browser == nil || !needsBrowser(f.status, f.body) {
			return f, nil
		}
		promotionsTotal.Inc()
		h.logger.Debug("promoting fetch to browser backend", zap.String("url", req.URL))
		return h.fetchBrowser(ctx, req)
	default:
		return fetched{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
}

func (h *Harvester) fetchHTTP(ctx context.Context, req Request) (fetched, error) {
	if h.deps.HTTP == nil {
		return fetched{}, fmt.Errorf("%w: http backend disabled", ErrInvalidRequest)
	}
	return admission.Run(ctx, h.deps.HTTP, func(ctx context.Context, c HTTPClient) (fetched, error) {
		resp, err := c.Fetch(ctx, fetchhttp.Request{URL: req.URL, Headers: req.Headers})
		if err != nil {
			return fetched{}, err
		}
		return fetched{
			url:      resp.URL,
			status:   resp.StatusCode,
			headers:  resp.Headers,
			body:     resp.Body,
			duration: resp.Duration,
			mode:     ModeHTTP,
		}, nil
	})
}

func (h *Harvester) fetchBrowser(ctx context.Context, req Request) (fetched, error) {
	if h.deps.Browser == nil {
		return fetched{}, fmt.Errorf("%w: browser backend disabled", ErrInvalidRequest)
	}
	return admission.Run(ctx, h.deps.Browser, func(ctx context.Context, s BrowserSession) (fetched, error) {
		page, err := s.Navigate(ctx, session.Request{URL: req.URL, Headers: req.Headers})
		if err != nil {
			if !s.Alive() {
				return fetched{}, admission.Corrupt(err)
			}
			return fetched{}, err
		}
		return fetched{
			url:      page.URL,
			status:   page.StatusCode,
			headers:  page.Headers,
			body:     []byte(page.HTML),
			duration: page.Duration,
			mode:     ModeBrowser,
		}, nil
	})
}

func (h *Harvester) persist(ctx context.Context, req Request, f fetched, doc extract.Document) (Result, error) {
	id, err := h.ids.NewID()
	if err != nil {
		return Result{}, err
	}
	digest := bodyDigest(f.body)
	now := h.deps.Clock.Now()

	var blobURI string
	if h.deps.Blobs != nil {
		key := fmt.Sprintf("pages/%s/%s.html", now.Format("2006/01/02"), id)
		contentType := f.headers.Get("Content-Type")
		if contentType == "" {
			contentType = "text/html"
		}
		blobURI, err = h.deps.Blobs.Put(ctx, key, contentType, f.body)
		if err != nil {
			return Result{}, fmt.Errorf("archive body: %w", err)
		}
	}

	record := PageRecord{
		ID:            id,
		URL:           req.URL,
		FinalURL:      f.url,
		StatusCode:    f.status,
		ContentType:   f.headers.Get("Content-Type"),
		RenderMode:    f.mode,
		Title:         doc.Title,
		Description:   doc.Description,
		Hash:          digest,
		BlobURI:       blobURI,
		WordCount:     doc.WordCount,
		LinkCount:     len(doc.Links),
		FetchDuration: f.duration,
		HarvestedAt:   now,
		Headers:       f.headers,
	}
	if err := h.deps.Store.SavePage(ctx, record); err != nil {
		return Result{}, fmt.Errorf("save page record: %w", err)
	}
	if h.deps.Publisher != nil {
		if err := h.deps.Publisher.Publish(ctx, record); err != nil {
			// The record is durable; a publish failure should not fail the
			// harvest. Downstream consumers reconcile from the store.
			h.logger.Warn("publish harvested page failed",
				zap.String("record_id", record.ID),
				zap.Error(err),
			)
		}
	}
	return Result{Record: record, Document: doc}, nil
}

func validate(req Request) error {
	if req.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalidRequest)
	}
	return nil
}
