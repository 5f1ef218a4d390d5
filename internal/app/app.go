// Package app initializes and holds the service's long-lived components,
// acting as a dependency injection container. It is built once at startup,
// handed to the HTTP server, and torn down in reverse order on shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quayside/undertow/internal/admission"
	"github.com/quayside/undertow/internal/api"
	gcsblob "github.com/quayside/undertow/internal/blob/gcs"
	memoryblob "github.com/quayside/undertow/internal/blob/memory"
	"github.com/quayside/undertow/internal/clock/system"
	"github.com/quayside/undertow/internal/config"
	"github.com/quayside/undertow/internal/events"
	"github.com/quayside/undertow/internal/events/sinks"
	"github.com/quayside/undertow/internal/fetchhttp"
	"github.com/quayside/undertow/internal/harvest"
	"github.com/quayside/undertow/internal/metrics"
	"github.com/quayside/undertow/internal/pool"
	pubsubpublish "github.com/quayside/undertow/internal/publish/pubsub"
	"github.com/quayside/undertow/internal/ratelimit"
	"github.com/quayside/undertow/internal/session"
	memorystore "github.com/quayside/undertow/internal/store/memory"
	postgresstore "github.com/quayside/undertow/internal/store/postgres"
)

// App owns every long-lived component: the event hub, the protected fetch
// backends, persistence, and the HTTP API. Construct with New; release with
// Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	hub      *events.Hub
	launcher *session.Launcher

	browserPool *pool.Pool[harvest.BrowserSession]
	httpPool    *pool.Pool[harvest.HTTPClient]
	browserCtrl *admission.Controller[harvest.BrowserSession]
	httpCtrl    *admission.Controller[harvest.HTTPClient]

	harvester *harvest.Harvester
	server    *api.Server

	pageStore    *postgresstore.PageStore
	gcsClient    *gcstorage.Client
	pubsubClient *gcpubsub.Client
	publisher    *pubsubpublish.Publisher

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

// New wires the full component graph from configuration. External backends
// are optional: an empty DB DSN keeps records in memory, an empty GCS bucket
// keeps blobs in memory, and an empty Pub/Sub topic disables publishing.
// Disabled fetch backends are left unwired; the harvester rejects requests
// that name them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics.Init()

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("register event collectors: %w", err)
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		hub: events.NewHub(
			events.Config{Logger: logger.Named("events")},
			sinks.NewLogSink(logger.Named("events")),
			promSink,
		),
	}

	clk := system.New()
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	a.sweepCancel = sweepCancel

	if cfg.Browser.Enabled {
		a.launcher = session.NewLauncher(cfg.SessionConfig(), session.WithLogger(logger.Named("browser")))
		a.browserPool = pool.New[harvest.BrowserSession]("browser", cfg.Browser.PoolConfig(),
			func(ctx context.Context) (harvest.BrowserSession, error) {
				s, err := a.launcher.Spawn(ctx)
				if err != nil {
					return nil, err
				}
				return s, nil
			},
			clk,
			pool.WithHealthCheck[harvest.BrowserSession](func(ctx context.Context, r harvest.BrowserSession) bool {
				s, ok := r.(*session.Session)
				return ok && a.launcher.Check(ctx, s)
			}),
			pool.WithDestroy[harvest.BrowserSession](func(r harvest.BrowserSession) {
				if s, ok := r.(*session.Session); ok {
					a.launcher.Destroy(s)
				}
			}),
			pool.WithLogger[harvest.BrowserSession](logger.Named("pool")),
			pool.WithEvents[harvest.BrowserSession](a.hub),
		)
		a.browserCtrl = admission.New("browser", cfg.Browser.BreakerConfig(), a.browserPool, clk,
			admission.WithLogger[harvest.BrowserSession](logger.Named("admission")),
			admission.WithEvents[harvest.BrowserSession](a.hub),
		)
		a.sweepWG.Add(1)
		go func() {
			defer a.sweepWG.Done()
			a.browserPool.Sweep(sweepCtx)
		}()
	}

	if cfg.HTTP.Enabled {
		factory := fetchhttp.Factory(cfg.FetchConfig())
		a.httpPool = pool.New[harvest.HTTPClient]("http", cfg.HTTP.PoolConfig(),
			func(ctx context.Context) (harvest.HTTPClient, error) {
				c, err := factory(ctx)
				if err != nil {
					return nil, err
				}
				return c, nil
			},
			clk,
			pool.WithDestroy[harvest.HTTPClient](func(r harvest.HTTPClient) {
				if c, ok := r.(*fetchhttp.Client); ok {
					c.Close()
				}
			}),
			pool.WithLogger[harvest.HTTPClient](logger.Named("pool")),
			pool.WithEvents[harvest.HTTPClient](a.hub),
		)
		a.httpCtrl = admission.New("http", cfg.HTTP.BreakerConfig(), a.httpPool, clk,
			admission.WithLogger[harvest.HTTPClient](logger.Named("admission")),
			admission.WithEvents[harvest.HTTPClient](a.hub),
		)
		a.sweepWG.Add(1)
		go func() {
			defer a.sweepWG.Done()
			a.httpPool.Sweep(sweepCtx)
		}()
	}

	store, err := a.initStore(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	blobs, err := a.initBlobs(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	publisher, err := a.initPublisher(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.harvester, err = harvest.New(harvest.Deps{
		Browser:   a.browserCtrl,
		HTTP:      a.httpCtrl,
		Limiter:   ratelimit.New(cfg.LimiterConfig()),
		Store:     store,
		Blobs:     blobs,
		Publisher: publisher,
		Clock:     clk,
		Logger:    logger.Named("harvest"),
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build harvester: %w", err)
	}

	var backends []api.Backend
	if a.browserCtrl != nil {
		backends = append(backends, a.browserCtrl)
	}
	if a.httpCtrl != nil {
		backends = append(backends, a.httpCtrl)
	}
	a.server = api.NewServer(api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}, a.harvester, logger.Named("api"), backends...)

	return a, nil
}

func (a *App) initStore(ctx context.Context) (harvest.RecordStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory page store")
		return memorystore.NewPageStore(), nil
	}
	a.logger.Info("connecting to postgres", zap.String("table", a.cfg.DB.Table))
	store, err := postgresstore.NewPageStore(ctx, postgresstore.PageStoreConfig{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("init page store: %w", err)
	}
	a.pageStore = store
	return store, nil
}

func (a *App) initBlobs(ctx context.Context) (harvest.BlobStore, error) {
	if a.cfg.Blob.GCSBucket == "" {
		a.logger.Info("using in-memory blob store")
		return memoryblob.NewBlobStore(), nil
	}
	a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Blob.GCSBucket))
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}
	a.gcsClient = client
	blobs, err := gcsblob.New(client, gcsblob.Config{
		Bucket: a.cfg.Blob.GCSBucket,
		Prefix: a.cfg.Blob.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}
	return blobs, nil
}

func (a *App) initPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("publishing disabled")
		return nil, nil
	}
	a.logger.Info("connecting to pub/sub", zap.String("topic", a.cfg.PubSub.TopicName))
	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	publisher, err := pubsubpublish.New(client.Topic(a.cfg.PubSub.TopicName))
	if err != nil {
		return nil, fmt.Errorf("init publisher: %w", err)
	}
	a.publisher = publisher
	return publisher, nil
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Harvester exposes the pipeline for embedding callers.
func (a *App) Harvester() *harvest.Harvester {
	return a.harvester
}

// Close tears components down in reverse dependency order: sweeps stop
// first, then the pools drain and dispose their resources, then external
// clients disconnect, and finally the event hub flushes its last batch.
func (a *App) Close(ctx context.Context) {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	a.sweepWG.Wait()

	if a.browserPool != nil {
		a.browserPool.Close()
	}
	if a.httpPool != nil {
		a.httpPool.Close()
	}
	if a.launcher != nil {
		a.launcher.Close()
	}

	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("storage client close", zap.Error(err))
		}
	}
	if a.pageStore != nil {
		a.pageStore.Close()
	}

	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("event hub close", zap.Error(err))
	}
}
