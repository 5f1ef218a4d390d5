package harvest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quayside/undertow/internal/admission"
	"github.com/quayside/undertow/internal/breaker"
	"github.com/quayside/undertow/internal/clock/fake"
	"github.com/quayside/undertow/internal/fetchhttp"
	"github.com/quayside/undertow/internal/pool"
	"github.com/quayside/undertow/internal/session"
)

const plainPage = `<html><head><title>Harbor News</title>
<meta name="description" content="All the harbor news.">
</head><body><p>Fog expected through noon.</p>
<a href="https://example.com/tides">tides</a></body></html>`

const shellPage = `<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`

const renderedPage = `<html><head><title>Harbor News (rendered)</title></head>
<body><p>Hydrated content.</p></body></html>`

type fakeHTTPClient struct {
	mu      sync.Mutex
	calls   int
	body    string
	code    int
	err     error
	onFetch func()
}

func (c *fakeHTTPClient) Fetch(_ context.Context, req fetchhttp.Request) (fetchhttp.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.onFetch != nil {
		c.onFetch()
	}
	if c.err != nil {
		return fetchhttp.Response{}, c.err
	}
	code := c.code
	if code == 0 {
		code = http.StatusOK
	}
	return fetchhttp.Response{
		URL:        req.URL,
		StatusCode: code,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(c.body),
		Duration:   5 * time.Millisecond,
	}, nil
}

type fakeSession struct {
	mu    sync.Mutex
	calls int
	html  string
	err   error
	alive bool
}

func (s *fakeSession) Navigate(_ context.Context, req session.Request) (session.RenderedPage, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return session.RenderedPage{}, s.err
	}
	return session.RenderedPage{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		HTML:       s.html,
		Duration:   20 * time.Millisecond,
	}, nil
}

func (s *fakeSession) Alive() bool { return s.alive }

type memStore struct {
	mu      sync.Mutex
	records []PageRecord
	err     error
}

func (m *memStore) SavePage(_ context.Context, rec PageRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type memBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *memBlobs) Put(_ context.Context, key, _ string, _ []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "mem://archive/" + key, nil
}

type memPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (m *memPublisher) Publish(_ context.Context, rec PageRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, rec.ID)
	return nil
}

type harness struct {
	h        *Harvester
	client   *fakeHTTPClient
	sess     *fakeSession
	store    *memStore
	blobs    *memBlobs
	pub      *memPublisher
	clk      *fake.Clock
	destroys *int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := fake.New(time.Unix(1_700_000_000, 0))
	client := &fakeHTTPClient{body: plainPage}
	sess := &fakeSession{html: renderedPage, alive: true}

	destroys := 0
	browserPool := pool.New("browser", pool.Config{MaxSize: 2},
		func(context.Context) (BrowserSession, error) { return sess, nil }, clk,
		pool.WithDestroy[BrowserSession](func(BrowserSession) { destroys++ }),
	)
	t.Cleanup(browserPool.Close)
	httpPool := pool.New("http", pool.Config{MaxSize: 2},
		func(context.Context) (HTTPClient, error) { return client, nil }, clk)
	t.Cleanup(httpPool.Close)

	store := &memStore{}
	blobs := &memBlobs{}
	pub := &memPublisher{}

	h, err := New(Deps{
		Browser:   admission.New("browser", breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute}, browserPool, clk),
		HTTP:      admission.New("http", breaker.Config{FailureThreshold: 3, OpenDuration: time.Minute}, httpPool, clk),
		Store:     store,
		Blobs:     blobs,
		Publisher: pub,
		Clock:     clk,
	})
	require.NoError(t, err)
	return &harness{h: h, client: client, sess: sess, store: store, blobs: blobs, pub: pub, clk: clk, destroys: &destroys}
}

func TestHarvestHTTPMode(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)

	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com/news", Mode: ModeHTTP})
	require.NoError(t, err)

	rec := res.Record
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "https://example.com/news", rec.URL)
	require.Equal(t, ModeHTTP, rec.RenderMode)
	require.Equal(t, "Harbor News", rec.Title)
	require.Equal(t, "All the harbor news.", rec.Description)
	require.Len(t, rec.Hash, 64)
	require.Equal(t, 1, rec.LinkCount)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC().Unix(), rec.HarvestedAt.Unix())
	require.Contains(t, rec.BlobURI, rec.ID)

	require.Len(t, hn.store.records, 1)
	require.Equal(t, []string{rec.ID}, hn.pub.published)
	require.Equal(t, 0, hn.sess.calls)
}

func TestHarvestAutoPromotesScriptShell(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.client.body = shellPage

	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://spa.example.com"})
	require.NoError(t, err)
	require.Equal(t, ModeBrowser, res.Record.RenderMode)
	require.Equal(t, "Harbor News (rendered)", res.Record.Title)
	require.Equal(t, 1, hn.client.calls)
	require.Equal(t, 1, hn.sess.calls)
}

func TestHarvestAutoKeepsStaticResult(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)

	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, ModeHTTP, res.Record.RenderMode)
	require.Equal(t, 0, hn.sess.calls)
}

func TestHarvestBrowserCorruptionDestroysSession(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.sess.err = errors.New("tab crashed")
	hn.sess.alive = false

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeBrowser})
	require.Error(t, err)
	require.Equal(t, 1, *hn.destroys, "dead session must be destroyed, not returned to the pool")
}

func TestHarvestBrowserPageErrorKeepsSession(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.sess.err = errors.New("net::ERR_NAME_NOT_RESOLVED")
	hn.sess.alive = true

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://nope.example.com", Mode: ModeBrowser})
	require.Error(t, err)
	require.Equal(t, 0, *hn.destroys, "a bad page is not a broken session")
}

func TestHarvestRepeatedFailuresOpenCircuit(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.client.err = errors.New("connection refused")

	for i := 0; i < 3; i++ {
		_, err := hn.h.Harvest(context.Background(), Request{URL: "https://down.example.com", Mode: ModeHTTP})
		require.Error(t, err)
	}
	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://down.example.com", Mode: ModeHTTP})
	require.ErrorIs(t, err, admission.ErrCircuitOpen)
	require.Equal(t, 3, hn.client.calls, "open circuit must not reach the backend")
}

func TestHarvestValidatesRequests(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)

	cases := []Request{
		{},
		{URL: "ftp://example.com/file"},
		{URL: "https://"},
		{URL: "https://example.com", Mode: Mode("warp")},
	}
	for _, req := range cases {
		_, err := hn.h.Harvest(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest, "request %+v", req)
	}
}

func TestHarvestStoreFailurePropagates(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.store.err = errors.New("relation does not exist")

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeHTTP})
	require.ErrorContains(t, err, "save page record")
	require.Empty(t, hn.pub.published)
}

func TestHarvestPublishFailureIsTolerated(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.pub.err = errors.New("topic unavailable")

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeHTTP})
	require.NoError(t, err, "durable record plus failed publish is still a successful harvest")
	require.Len(t, hn.store.records, 1)
}

func TestHarvestWithoutBlobStore(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.h.deps.Blobs = nil

	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeHTTP})
	require.NoError(t, err)
	require.Empty(t, res.Record.BlobURI)
}

func TestHarvestDisabledBrowserBackend(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.h.deps.Browser = nil

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeBrowser})
	require.ErrorIs(t, err, ErrInvalidRequest)

	hn.client.body = shellPage
	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeAuto})
	require.NoError(t, err, "auto mode keeps the plain result when no browser backend exists")
	require.Equal(t, ModeHTTP, res.Record.RenderMode)
	require.Equal(t, 0, hn.sess.calls)
}

func TestHarvestDisabledHTTPBackend(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.h.deps.HTTP = nil

	_, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeHTTP})
	require.ErrorIs(t, err, ErrInvalidRequest)

	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeAuto})
	require.NoError(t, err)
	require.Equal(t, ModeBrowser, res.Record.RenderMode)
	require.Equal(t, 0, hn.client.calls)
}

func TestNewRequiresFetchBackend(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{Store: &memStore{}, Clock: fake.New(time.Unix(0, 0))})
	require.Error(t, err)
}

func TestBodyDigest(t *testing.T) {
	t.Parallel()
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		bodyDigest([]byte("hello")))
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		bodyDigest(nil))
}

func harvestDurationSum(t *testing.T, mode string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "undertow_harvest_duration_seconds" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "mode" && l.GetValue() == mode {
					return m.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	return 0
}

func TestHarvestDurationObservedThroughClock(t *testing.T) {
	t.Parallel()
	hn := newHarness(t)
	hn.client.onFetch = func() { hn.clk.Advance(250 * time.Millisecond) }

	before := harvestDurationSum(t, "http")
	res, err := hn.h.Harvest(context.Background(), Request{URL: "https://example.com", Mode: ModeHTTP})
	require.NoError(t, err)

	require.GreaterOrEqual(t, harvestDurationSum(t, "http")-before, 0.25,
		"pipeline duration is measured on the injected clock")
	require.Equal(t, time.Unix(1_700_000_000, 0).Add(250*time.Millisecond).UTC(), res.Record.HarvestedAt)
}
