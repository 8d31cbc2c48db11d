// Package gateway is the single entry point every domain write passes
// through. Per call it decides between an immediate network request and a
// durable enqueue, so pages never perform their own connectivity checks. A
// mutation enters the queue exactly here and is only ever touched by the sync
// engine afterwards.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/metrics"
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/resolver"
	"github.com/rxops/pharmsync/restapi"
	"github.com/rxops/pharmsync/syncerrors"
)

// OnlineReporter is the slice of the connectivity monitor the gateway needs.
type OnlineReporter interface {
	Online() bool
}

// Result is the outcome of a dispatched write. Exactly one of Entity
// (immediate server result) or Queued/LocalID (saved offline) is meaningful.
type Result struct {
	Queued  bool
	LocalID string
	Entity  *restapi.Entity
}

// Gateway routes domain writes.
type Gateway struct {
	store       queue.Store
	api         restapi.Client
	monitor     OnlineReporter
	ids         *resolver.Map
	callTimeout time.Duration
	logger      *logging.Logger
	metrics     metrics.Collector
	now         func() time.Time
	newLocalID  func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCallTimeout bounds the immediate network attempt. Default 10s.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.callTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(g *Gateway) {
		g.metrics = c
	}
}

// New creates a Gateway.
func New(store queue.Store, api restapi.Client, monitor OnlineReporter, ids *resolver.Map, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		api:         api,
		monitor:     monitor,
		ids:         ids,
		callTimeout: 10 * time.Second,
		metrics:     metrics.NoOp(),
		now:         time.Now,
		newLocalID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.WithComponent(logging.Component("gateway"))
	}
	return g
}

// Execute dispatches one domain write.
//
// Offline: the write is enqueued immediately. Online: a bounded network
// attempt is made; connectivity-class failures fall back to the queue,
// validation-class failures propagate to the caller and are never enqueued.
func (g *Gateway) Execute(ctx context.Context, collection queue.Collection, method queue.Method, payload map[string]any, targetID string) (*Result, error) {
	if !collection.Valid() {
		return nil, syncerrors.NewWithComponent(syncerrors.OpDispatch, "gateway", fmt.Errorf("unknown collection %q", collection))
	}
	if !method.Valid() {
		return nil, syncerrors.NewWithComponent(syncerrors.OpDispatch, "gateway", fmt.Errorf("unknown method %q", method))
	}

	if !g.monitor.Online() {
		return g.enqueue(ctx, collection, method, payload, targetID, "offline")
	}

	opCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	entity, err := g.call(opCtx, collection, method, payload, targetID)
	if err == nil {
		g.metrics.RecordDispatch(string(collection), metrics.OutcomeDirect)
		return &Result{Entity: entity}, nil
	}

	if syncerrors.IsValidation(err) {
		// The server already rejected this request as invalid; queueing it
		// would just replay a guaranteed failure.
		g.metrics.RecordDispatch(string(collection), metrics.OutcomeRejected)
		return nil, err
	}

	if ctx.Err() != nil {
		// The caller gave up, not the network.
		return nil, ctx.Err()
	}

	g.logger.Warn("direct dispatch failed, falling back to queue",
		slog.String("collection", string(collection)),
		slog.String("method", string(method)),
		slog.String("error", err.Error()),
	)
	return g.enqueue(ctx, collection, method, payload, targetID, "dispatch_failed")
}

// GetPending returns the pending mutations for one collection, for "Pending
// Sync" banners and rows. Storage failures degrade to an empty list with a
// surfaced warning; losing visibility into pending work must not crash a
// page.
func (g *Gateway) GetPending(ctx context.Context, collection queue.Collection) []*queue.PendingMutation {
	muts, err := g.store.List(ctx, collection)
	if err != nil {
		g.logger.LogError(ctx, err, "pending list unavailable, rendering empty set",
			slog.String("collection", string(collection)),
		)
		return nil
	}
	return muts
}

// PendingCounts returns per-collection queue depths, degraded the same way as
// GetPending.
func (g *Gateway) PendingCounts(ctx context.Context) map[queue.Collection]int {
	counts, err := g.store.Counts(ctx)
	if err != nil {
		g.logger.LogError(ctx, err, "pending counts unavailable")
		return nil
	}
	for collection, depth := range counts {
		g.metrics.SetQueueDepth(string(collection), depth)
	}
	return counts
}

func (g *Gateway) call(ctx context.Context, collection queue.Collection, method queue.Method, payload map[string]any, targetID string) (*restapi.Entity, error) {
	switch method {
	case queue.MethodCreate:
		return g.api.Create(ctx, collection, payload)
	case queue.MethodUpdate:
		return g.api.Update(ctx, collection, targetID, payload)
	case queue.MethodDelete:
		return nil, g.api.Delete(ctx, collection, targetID)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (g *Gateway) enqueue(ctx context.Context, collection queue.Collection, method queue.Method, payload map[string]any, targetID string, reason string) (*Result, error) {
	deps := g.ids.PendingRefs(payload)
	if targetID != "" && g.ids.IsLocal(targetID) {
		if _, resolved := g.ids.Resolve(targetID); !resolved {
			deps = appendUnique(deps, targetID)
		}
	}

	m := &queue.PendingMutation{
		LocalID:            g.newLocalID(),
		Collection:         collection,
		Method:             method,
		TargetID:           targetID,
		Payload:            payload,
		DependencyLocalIDs: deps,
		Status:             queue.StatusPending,
		CreatedAt:          g.now().UTC(),
	}

	if err := g.store.Enqueue(ctx, m); err != nil {
		return nil, syncerrors.NewStorageError(syncerrors.OpEnqueue, err)
	}

	if method == queue.MethodCreate {
		// A later offline write may reference this id before the create syncs.
		g.ids.TrackLocal(m.LocalID)
	}

	g.metrics.RecordEnqueue(string(collection))
	g.metrics.RecordDispatch(string(collection), metrics.OutcomeQueued)
	g.logger.Info("write saved offline",
		slog.String("collection", string(collection)),
		slog.String("method", string(method)),
		slog.String("local_id", m.LocalID),
		slog.String("reason", reason),
		slog.Int("dependencies", len(deps)),
	)

	return &Result{Queued: true, LocalID: m.LocalID}, nil
}

func appendUnique(list []string, s string) []string {
	for _, item := range list {
		if item == s {
			return list
		}
	}
	return append(list, s)
}
