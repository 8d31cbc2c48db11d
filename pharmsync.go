// Package pharmsync wires the offline write queue, connectivity monitor,
// dispatch gateway, identifier resolution and sync engine into one client
// for a pharmacy terminal. UI code talks to the Client; everything behind
// it is replaceable through the builder.
package pharmsync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rxops/pharmsync/config"
	"github.com/rxops/pharmsync/connectivity"
	"github.com/rxops/pharmsync/engine"
	"github.com/rxops/pharmsync/gateway"
	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/metrics"
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/resolver"
	"github.com/rxops/pharmsync/restapi"
	"github.com/rxops/pharmsync/storage/sqlite"
	"github.com/rxops/pharmsync/view"
)

// Client is the assembled offline-first sync client.
type Client struct {
	store   queue.Store
	monitor *connectivity.Monitor
	ids     *resolver.Map
	gateway *gateway.Gateway
	engine  *engine.Engine
	merger  *view.Merger
	logger  *logging.Logger

	ownsStore bool
}

// ClientBuilder constructs a Client step by step.
type ClientBuilder struct {
	baseURL     string
	api         restapi.Client
	store       queue.Store
	sqlitePath  string
	probeURL    string
	connOpts    *connectivity.Options
	retry       *engine.RetryConfig
	interval    time.Duration
	callTimeout time.Duration
	logger      *logging.Logger
	metrics     metrics.Collector
}

// NewClientBuilder creates a builder with defaults: an in-memory store, a
// 10 second call timeout and no periodic sync pass.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		callTimeout: 10 * time.Second,
	}
}

// WithBaseURL sets the remote API base URL. An HTTP client is built from it
// unless WithAPIClient overrides it.
func (b *ClientBuilder) WithBaseURL(url string) *ClientBuilder {
	b.baseURL = url
	return b
}

// WithAPIClient sets a custom API client.
func (b *ClientBuilder) WithAPIClient(api restapi.Client) *ClientBuilder {
	b.api = api
	return b
}

// WithStore sets a custom queue store.
func (b *ClientBuilder) WithStore(store queue.Store) *ClientBuilder {
	b.store = store
	return b
}

// WithSQLitePath selects the durable SQLite store at path.
func (b *ClientBuilder) WithSQLitePath(path string) *ClientBuilder {
	b.sqlitePath = path
	return b
}

// WithProbeURL sets the endpoint probed for reachability. Defaults to the
// base URL's health endpoint.
func (b *ClientBuilder) WithProbeURL(url string) *ClientBuilder {
	b.probeURL = url
	return b
}

// WithConnectivityOptions overrides the probe and debounce settings. The
// prober is supplied by the builder unless the options carry their own.
func (b *ClientBuilder) WithConnectivityOptions(opts connectivity.Options) *ClientBuilder {
	b.connOpts = &opts
	return b
}

// WithRetryConfig overrides the replay retry policy.
func (b *ClientBuilder) WithRetryConfig(rc engine.RetryConfig) *ClientBuilder {
	b.retry = &rc
	return b
}

// WithSyncInterval enables a periodic background sync pass.
func (b *ClientBuilder) WithSyncInterval(d time.Duration) *ClientBuilder {
	b.interval = d
	return b
}

// WithCallTimeout bounds each network call.
func (b *ClientBuilder) WithCallTimeout(d time.Duration) *ClientBuilder {
	b.callTimeout = d
	return b
}

// WithLogger sets the logger for all components.
func (b *ClientBuilder) WithLogger(l *logging.Logger) *ClientBuilder {
	b.logger = l
	return b
}

// WithMetrics sets the metrics collector for all components.
func (b *ClientBuilder) WithMetrics(c metrics.Collector) *ClientBuilder {
	b.metrics = c
	return b
}

// FromConfig applies a loaded configuration file to the builder.
func (b *ClientBuilder) FromConfig(cfg *config.Config) *ClientBuilder {
	b.baseURL = cfg.API.BaseURL
	if cfg.API.CallTimeout.Duration > 0 {
		b.callTimeout = cfg.API.CallTimeout.Duration
	}
	if cfg.Store.Path != "" {
		b.sqlitePath = cfg.Store.Path
	}
	if cfg.Connectivity.ProbeURL != "" {
		b.probeURL = cfg.Connectivity.ProbeURL
	}
	b.connOpts = &connectivity.Options{
		ProbeInterval:   cfg.Connectivity.ProbeInterval.Duration,
		ProbeTimeout:    cfg.Connectivity.ProbeTimeout.Duration,
		StabilityWindow: cfg.Connectivity.StabilityWindow.Duration,
	}
	b.interval = cfg.Sync.Interval.Duration
	b.retry = &engine.RetryConfig{
		MaxAttempts:  cfg.Sync.MaxAttempts,
		InitialDelay: cfg.Sync.InitialDelay.Duration,
		MaxDelay:     cfg.Sync.MaxDelay.Duration,
		Multiplier:   cfg.Sync.Multiplier,
	}
	return b
}

// Build assembles the Client.
func (b *ClientBuilder) Build() (*Client, error) {
	logger := b.logger
	if logger == nil {
		logger = logging.Default()
	}
	collector := b.metrics
	if collector == nil {
		collector = metrics.NoOp()
	}

	api := b.api
	if api == nil {
		if b.baseURL == "" {
			return nil, fmt.Errorf("an API base URL or client is required")
		}
		api = restapi.NewHTTPClient(b.baseURL, restapi.WithTimeout(b.callTimeout))
	}

	store := b.store
	ownsStore := false
	if store == nil {
		if b.sqlitePath != "" {
			s, err := sqlite.New(&sqlite.Config{
				DataSourceName: b.sqlitePath,
				EnableWAL:      true,
				Logger:         logger,
			})
			if err != nil {
				return nil, fmt.Errorf("open queue store: %w", err)
			}
			store = s
			ownsStore = true
		} else {
			store = queue.NewMemoryStore()
			ownsStore = true
		}
	}

	var connOpts connectivity.Options
	if b.connOpts != nil {
		connOpts = *b.connOpts
	}
	if connOpts.Prober == nil {
		probeURL := b.probeURL
		if probeURL == "" && b.baseURL != "" {
			probeURL = b.baseURL + "/api/health"
		}
		if probeURL != "" {
			connOpts.Prober = connectivity.HTTPProber(probeURL, &http.Client{})
		}
	}
	if connOpts.Logger == nil {
		connOpts.Logger = logger
	}
	monitor := connectivity.NewMonitor(connOpts)

	resolverOpts := []resolver.Option{resolver.WithLogger(logger)}
	if p, ok := store.(resolver.Persistence); ok {
		resolverOpts = append(resolverOpts, resolver.WithPersistence(p))
	}
	ids := resolver.New(resolverOpts...)

	gw := gateway.New(store, api, monitor, ids,
		gateway.WithCallTimeout(b.callTimeout),
		gateway.WithLogger(logger),
		gateway.WithMetrics(collector),
	)

	engineOpts := []engine.Option{
		engine.WithCallTimeout(b.callTimeout),
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
	}
	if b.retry != nil {
		engineOpts = append(engineOpts, engine.WithRetryConfig(*b.retry))
	}
	if b.interval > 0 {
		engineOpts = append(engineOpts, engine.WithSyncInterval(b.interval))
	}
	eng := engine.New(store, api, monitor, ids, engineOpts...)

	return &Client{
		store:     store,
		monitor:   monitor,
		ids:       ids,
		gateway:   gw,
		engine:    eng,
		merger:    view.New(view.WithResolver(ids)),
		logger:    logger,
		ownsStore: ownsStore,
	}, nil
}

// Start begins connectivity probing and queue replay. It returns
// immediately; background work stops when ctx is cancelled or Close is
// called.
func (c *Client) Start(ctx context.Context) error {
	c.monitor.Start(ctx)
	return c.engine.Start(ctx)
}

// Close stops background work and releases the store.
func (c *Client) Close() error {
	err := c.engine.Close()
	c.monitor.Stop()
	if c.ownsStore {
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Execute dispatches one domain write through the gateway.
func (c *Client) Execute(ctx context.Context, collection queue.Collection, method queue.Method, payload map[string]any, targetID string) (*gateway.Result, error) {
	return c.gateway.Execute(ctx, collection, method, payload, targetID)
}

// GetPending returns the queued writes for a collection.
func (c *Client) GetPending(ctx context.Context, collection queue.Collection) []*queue.PendingMutation {
	return c.gateway.GetPending(ctx, collection)
}

// PendingCounts returns per-collection queue depths.
func (c *Client) PendingCounts(ctx context.Context) map[queue.Collection]int {
	return c.gateway.PendingCounts(ctx)
}

// Merge combines a server-fetched list with the collection's queued writes
// into an optimistic view.
func (c *Client) Merge(ctx context.Context, collection queue.Collection, serverRows []restapi.Entity) []view.Row {
	return c.merger.Merge(serverRows, c.gateway.GetPending(ctx, collection))
}

// SyncNow runs a full sync pass immediately.
func (c *Client) SyncNow(ctx context.Context) (*engine.Summary, error) {
	return c.engine.SyncAll(ctx)
}

// RetryFailed resets a collection's permanently failed writes for another
// replay attempt.
func (c *Client) RetryFailed(ctx context.Context, collection queue.Collection) (int, error) {
	return c.engine.RetryFailed(ctx, collection)
}

// DiscardFailed drops a collection's permanently failed writes along with
// any queued writes that depend on them.
func (c *Client) DiscardFailed(ctx context.Context, collection queue.Collection) (int, error) {
	return c.engine.DiscardFailed(ctx, collection)
}

// Subscribe registers a handler for sync progress events.
func (c *Client) Subscribe(handler func(engine.Event)) func() {
	return c.engine.Subscribe(handler)
}

// SubscribeConnectivity registers a handler for stable online/offline
// transitions.
func (c *Client) SubscribeConnectivity(handler func(online bool)) func() {
	return c.monitor.Subscribe(handler)
}

// Online reports the current debounced connectivity state.
func (c *Client) Online() bool {
	return c.monitor.Online()
}

// SetOnline feeds a platform connectivity event into the monitor.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}
