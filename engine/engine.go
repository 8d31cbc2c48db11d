// Package engine replays the offline write queue against the remote API.
// Drains run per collection in strict FIFO order; a blocked head (failed
// permanently, waiting on an unresolved dependency, or inside its backoff
// window) halts that collection's pass so later writes can never overtake
// earlier ones. Cross-collection dependency chains settle over multiple
// rounds of a full sync pass.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/metrics"
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/resolver"
	"github.com/rxops/pharmsync/restapi"
	"github.com/rxops/pharmsync/syncerrors"
)

// ConnectivityMonitor is the slice of the connectivity package the engine
// depends on.
type ConnectivityMonitor interface {
	Online() bool
	Subscribe(handler func(online bool)) func()
}

// RetryConfig configures replay retry behavior.
type RetryConfig struct {
	// MaxAttempts is the number of replay attempts before a mutation is
	// escalated to failed_permanent.
	MaxAttempts int

	// InitialDelay is the backoff after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier is the factor by which the backoff grows per attempt.
	Multiplier float64
}

// DefaultRetryConfig returns the retry policy used when none is supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
	}
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
	}

	result := time.Duration(delay)
	if result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}

// Event types delivered to subscribers.
const (
	EventSyncStarted   = "sync:started"
	EventItemSynced    = "sync:item_synced"
	EventItemFailed    = "sync:item_failed"
	EventSyncCompleted = "sync:completed"
)

// Summary describes the outcome of a sync pass.
type Summary struct {
	Synced    int
	Failed    int
	Remaining int
	Duration  time.Duration
}

// Event is delivered to subscribers as the engine makes progress. Collection,
// LocalID, ServerID and Err are set for item events; Summary only on
// EventSyncCompleted.
type Event struct {
	Type       string
	Collection queue.Collection
	LocalID    string
	ServerID   string
	Err        string
	Summary    *Summary
}

// Engine drains the durable queue when connectivity allows.
type Engine struct {
	store   queue.Store
	api     restapi.Client
	monitor ConnectivityMonitor
	ids     *resolver.Map

	retry        RetryConfig
	backoff      exponentialBackoff
	syncInterval time.Duration
	callTimeout  time.Duration
	passTimeout  time.Duration
	logger       *logging.Logger
	metrics      metrics.Collector
	now          func() time.Time

	mu           sync.Mutex
	draining     map[queue.Collection]bool
	subscribers  map[int]func(Event)
	nextSubID    int
	autoSyncStop chan struct{}
	unsubscribe  func()
	closed       bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(e *Engine) {
		e.retry = rc
	}
}

// WithSyncInterval enables a periodic background sync pass. Zero disables it;
// reconnect-triggered passes still run.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.syncInterval = d
	}
}

// WithCallTimeout bounds each individual replay request. Default 10s.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.callTimeout = d
	}
}

// WithPassTimeout bounds a background sync pass as a whole. Default 2m.
func WithPassTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.passTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// New creates an Engine. Call Start to begin reacting to connectivity.
func New(store queue.Store, api restapi.Client, monitor ConnectivityMonitor, ids *resolver.Map, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		api:         api,
		monitor:     monitor,
		ids:         ids,
		retry:       DefaultRetryConfig(),
		callTimeout: 10 * time.Second,
		passTimeout: 2 * time.Minute,
		metrics:     metrics.NoOp(),
		now:         time.Now,
		draining:    make(map[queue.Collection]bool),
		subscribers: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.WithComponent(logging.Component("engine"))
	}
	e.backoff = exponentialBackoff{
		initialDelay: e.retry.InitialDelay,
		maxDelay:     e.retry.MaxDelay,
		multiplier:   e.retry.Multiplier,
	}
	return e
}

// Start restores persisted resolution state, recovers mutations interrupted
// mid-replay by a crash, subscribes to connectivity transitions, and starts
// the periodic pass if configured. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	if e.autoSyncStop != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.autoSyncStop = make(chan struct{})
	stop := e.autoSyncStop
	e.mu.Unlock()

	if err := e.ids.Restore(ctx); err != nil {
		e.logger.LogError(ctx, err, "resolution state not restored, replaying with session-only map")
	}
	e.recoverInterrupted(ctx)

	unsub := e.monitor.Subscribe(func(online bool) {
		if online {
			go e.backgroundPass()
		}
	})
	e.mu.Lock()
	e.unsubscribe = unsub
	e.mu.Unlock()

	if e.syncInterval > 0 {
		go func() {
			ticker := time.NewTicker(e.syncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case <-ticker.C:
					if e.monitor.Online() {
						e.backgroundPass()
					}
				}
			}
		}()
	}

	if e.monitor.Online() {
		go e.backgroundPass()
	}
	return nil
}

// Close stops background work. Queued mutations stay in the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.autoSyncStop != nil {
		close(e.autoSyncStop)
		e.autoSyncStop = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	return nil
}

// Subscribe registers a handler for sync events. The returned cancel function
// removes it. Handlers run synchronously on the draining goroutine; panics
// are contained.
func (e *Engine) Subscribe(handler func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscribers, id)
	}
}

// SyncAll drains every collection, repeating rounds until a pass makes no
// further progress. Multiple rounds let a dependency chain that spans
// collections (a queued medicine plus a sale referencing it) settle in one
// call.
func (e *Engine) SyncAll(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}
	e.mu.Unlock()

	start := e.now()
	e.emit(Event{Type: EventSyncStarted})

	total := &Summary{}
	defer func() {
		total.Duration = e.now().Sub(start)
		e.emit(Event{Type: EventSyncCompleted, Summary: total})
	}()

	for {
		if ctx.Err() != nil {
			e.reportRemaining(ctx, total)
			return total, ctx.Err()
		}
		if !e.monitor.Online() {
			break
		}

		var (
			wg          sync.WaitGroup
			roundMu     sync.Mutex
			roundSynced int
		)
		for _, collection := range queue.Collections() {
			wg.Add(1)
			go func(c queue.Collection) {
				defer wg.Done()
				sum, err := e.DrainCollection(ctx, c)
				if err != nil {
					e.logger.LogError(ctx, err, "drain aborted",
						slog.String("collection", string(c)),
					)
				}
				if sum != nil {
					roundMu.Lock()
					roundSynced += sum.Synced
					total.Synced += sum.Synced
					total.Failed += sum.Failed
					roundMu.Unlock()
				}
			}(collection)
		}
		wg.Wait()

		if roundSynced == 0 {
			break
		}
	}

	e.reportRemaining(ctx, total)
	return total, nil
}

// DrainCollection replays one collection's queue head-first. A second drain
// of a collection already draining is a no-op. The pass halts, leaving the
// remainder queued, when the head cannot currently be replayed or when
// connectivity drops.
func (e *Engine) DrainCollection(ctx context.Context, collection queue.Collection) (*Summary, error) {
	if !e.acquire(collection) {
		return &Summary{}, nil
	}
	defer e.release(collection)

	start := e.now()
	defer func() {
		e.metrics.RecordDrainDuration(string(collection), e.now().Sub(start))
	}()

	sum := &Summary{}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if !e.monitor.Online() {
			// connectivity dropped mid-drain; the head stays queued
			return sum, nil
		}

		muts, err := e.store.List(ctx, collection)
		if err != nil {
			return sum, syncerrors.NewStorageError(syncerrors.OpDrain, err)
		}

		head := firstIncomplete(muts)
		if head == nil {
			return sum, nil
		}
		if reason := e.blockReason(head); reason != "" {
			e.logger.Debug("drain halted at blocked head",
				slog.String("collection", string(collection)),
				slog.String("local_id", head.LocalID),
				slog.String("reason", reason),
			)
			return sum, nil
		}

		if err := e.replayOne(ctx, head, sum); err != nil {
			return sum, err
		}
	}
}

// replayOne replays the head mutation and records the outcome. The returned
// error is only non-nil for infrastructure failures that should abort the
// drain; replay failures are recorded on the mutation itself.
func (e *Engine) replayOne(ctx context.Context, mut *queue.PendingMutation, sum *Summary) error {
	attempts := mut.AttemptCount + 1
	attemptAt := e.now().UTC()
	syncing := queue.StatusSyncing
	if err := e.store.Update(ctx, mut.LocalID, queue.Patch{
		Status:        &syncing,
		AttemptCount:  &attempts,
		LastAttemptAt: &attemptAt,
	}); err != nil {
		return syncerrors.NewStorageError(syncerrors.OpReplay, err)
	}

	serverID, replayErr := e.dispatch(ctx, mut)
	if replayErr == nil {
		if err := e.store.Remove(ctx, mut.LocalID); err != nil {
			return syncerrors.NewStorageError(syncerrors.OpReplay, err)
		}
		if mut.Method == queue.MethodCreate && serverID != "" {
			e.ids.Record(ctx, mut.LocalID, serverID)
		}
		sum.Synced++
		e.metrics.RecordItemSynced(string(mut.Collection))
		e.emit(Event{
			Type:       EventItemSynced,
			Collection: mut.Collection,
			LocalID:    mut.LocalID,
			ServerID:   serverID,
		})
		return nil
	}

	if ctx.Err() != nil {
		// The pass was cancelled, not the write rejected. Put the head back
		// exactly as it was so the next drain retries it first. The rollback
		// must outlive the cancelled pass or a ctx-honoring store would leave
		// the head stuck in syncing until restart.
		pending := queue.StatusPending
		prev := mut.AttemptCount
		prevAt := mut.LastAttemptAt
		if err := e.store.Update(context.WithoutCancel(ctx), mut.LocalID, queue.Patch{
			Status:        &pending,
			AttemptCount:  &prev,
			LastAttemptAt: &prevAt,
		}); err != nil {
			e.logger.Warn("failed to roll back cancelled replay",
				slog.String("collection", string(mut.Collection)),
				slog.String("local_id", mut.LocalID),
				slog.String("error", err.Error()),
			)
		}
		return ctx.Err()
	}

	permanent := syncerrors.IsValidation(replayErr) || attempts >= e.retry.MaxAttempts
	status := queue.StatusFailedRetryable
	if permanent {
		status = queue.StatusFailedPermanent
	}
	lastError := replayErr.Error()
	if err := e.store.Update(ctx, mut.LocalID, queue.Patch{
		Status:    &status,
		LastError: &lastError,
	}); err != nil {
		return syncerrors.NewStorageError(syncerrors.OpReplay, err)
	}

	if permanent {
		sum.Failed++
	}
	e.metrics.RecordItemFailed(string(mut.Collection), permanent)
	e.emit(Event{
		Type:       EventItemFailed,
		Collection: mut.Collection,
		LocalID:    mut.LocalID,
		Err:        lastError,
	})
	e.logger.Warn("replay failed",
		slog.String("collection", string(mut.Collection)),
		slog.String("local_id", mut.LocalID),
		slog.Int("attempts", attempts),
		slog.Bool("permanent", permanent),
		slog.String("error", lastError),
	)
	return nil
}

// dispatch rewrites temporary ids in the mutation and issues the network
// call. Creates carry the mutation's local id as an idempotency key so a
// replay after an ambiguous failure is applied at most once.
func (e *Engine) dispatch(ctx context.Context, mut *queue.PendingMutation) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	payload := e.ids.RewritePayload(mut.Payload)
	target := e.ids.RewriteTarget(mut.TargetID)

	switch mut.Method {
	case queue.MethodCreate:
		callCtx = restapi.WithIdempotencyKey(callCtx, mut.LocalID)
		entity, err := e.api.Create(callCtx, mut.Collection, payload)
		if err != nil {
			return "", err
		}
		return entity.ID, nil
	case queue.MethodUpdate:
		_, err := e.api.Update(callCtx, mut.Collection, target, payload)
		return "", err
	case queue.MethodDelete:
		return "", e.api.Delete(callCtx, mut.Collection, target)
	default:
		return "", syncerrors.NewWithComponent(syncerrors.OpReplay, "engine", fmt.Errorf("unknown method %q", mut.Method))
	}
}

// RetryFailed moves a collection's permanently failed mutations back to
// pending with a fresh attempt budget. Returns how many were reset.
func (e *Engine) RetryFailed(ctx context.Context, collection queue.Collection) (int, error) {
	muts, err := e.store.List(ctx, collection)
	if err != nil {
		return 0, syncerrors.NewStorageError(syncerrors.OpUpdate, err)
	}

	reset := 0
	for _, mut := range muts {
		if mut.Status != queue.StatusFailedPermanent {
			continue
		}
		pending := queue.StatusPending
		zero := 0
		empty := ""
		if err := e.store.Update(ctx, mut.LocalID, queue.Patch{
			Status:       &pending,
			AttemptCount: &zero,
			LastError:    &empty,
		}); err != nil {
			return reset, syncerrors.NewStorageError(syncerrors.OpUpdate, err)
		}
		reset++
	}
	return reset, nil
}

// DiscardFailed removes a collection's permanently failed mutations. Queued
// writes in any collection that depend on a discarded create are discarded
// with it; their referenced id will never exist server-side.
func (e *Engine) DiscardFailed(ctx context.Context, collection queue.Collection) (int, error) {
	muts, err := e.store.List(ctx, collection)
	if err != nil {
		return 0, syncerrors.NewStorageError(syncerrors.OpRemove, err)
	}

	var discarded []string
	for _, mut := range muts {
		if mut.Status != queue.StatusFailedPermanent {
			continue
		}
		if err := e.store.Remove(ctx, mut.LocalID); err != nil {
			return len(discarded), syncerrors.NewStorageError(syncerrors.OpRemove, err)
		}
		discarded = append(discarded, mut.LocalID)
	}

	total := len(discarded)
	for len(discarded) > 0 {
		next, err := e.removeDependents(ctx, discarded)
		if err != nil {
			return total, err
		}
		total += len(next)
		discarded = next
	}
	return total, nil
}

func (e *Engine) removeDependents(ctx context.Context, localIDs []string) ([]string, error) {
	gone := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		gone[id] = true
	}

	var removed []string
	for _, collection := range queue.Collections() {
		muts, err := e.store.List(ctx, collection)
		if err != nil {
			return removed, syncerrors.NewStorageError(syncerrors.OpRemove, err)
		}
		for _, mut := range muts {
			if !dependsOnAny(mut, gone) {
				continue
			}
			if err := e.store.Remove(ctx, mut.LocalID); err != nil {
				return removed, syncerrors.NewStorageError(syncerrors.OpRemove, err)
			}
			e.logger.Warn("discarded dependent write",
				slog.String("collection", string(mut.Collection)),
				slog.String("local_id", mut.LocalID),
			)
			removed = append(removed, mut.LocalID)
		}
	}
	return removed, nil
}

func dependsOnAny(mut *queue.PendingMutation, gone map[string]bool) bool {
	for _, dep := range mut.DependencyLocalIDs {
		if gone[dep] {
			return true
		}
	}
	return false
}

// blockReason reports why the head mutation cannot be replayed right now, or
// "" when it is eligible.
func (e *Engine) blockReason(mut *queue.PendingMutation) string {
	if mut.Status == queue.StatusFailedPermanent {
		return "failed_permanent"
	}
	if !e.ids.Resolved(mut.DependencyLocalIDs) {
		return "unresolved_dependency"
	}
	if mut.AttemptCount > 0 {
		next := mut.LastAttemptAt.Add(e.backoff.nextDelay(mut.AttemptCount - 1))
		if e.now().Before(next) {
			return "backoff"
		}
	}
	return ""
}

// firstIncomplete returns the oldest mutation still awaiting replay.
func firstIncomplete(muts []*queue.PendingMutation) *queue.PendingMutation {
	for _, mut := range muts {
		switch mut.Status {
		case queue.StatusPending, queue.StatusFailedRetryable, queue.StatusFailedPermanent:
			return mut
		}
	}
	return nil
}

// recoverInterrupted returns mutations left in syncing by a crash to pending.
// Their idempotency keys make a double apply on the next replay harmless.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	for _, collection := range queue.Collections() {
		muts, err := e.store.List(ctx, collection)
		if err != nil {
			e.logger.LogError(ctx, err, "crash recovery scan failed",
				slog.String("collection", string(collection)),
			)
			continue
		}
		for _, mut := range muts {
			if mut.Status != queue.StatusSyncing {
				continue
			}
			pending := queue.StatusPending
			if err := e.store.Update(ctx, mut.LocalID, queue.Patch{Status: &pending}); err != nil {
				e.logger.LogError(ctx, err, "crash recovery update failed",
					slog.String("local_id", mut.LocalID),
				)
				continue
			}
			e.logger.Info("recovered interrupted replay",
				slog.String("collection", string(collection)),
				slog.String("local_id", mut.LocalID),
			)
		}
	}
}

func (e *Engine) backgroundPass() {
	ctx, cancel := context.WithTimeout(context.Background(), e.passTimeout)
	defer cancel()

	if _, err := e.SyncAll(ctx); err != nil {
		e.logger.LogError(ctx, err, "background sync pass aborted")
	}
}

func (e *Engine) reportRemaining(ctx context.Context, sum *Summary) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		e.logger.LogError(ctx, err, "queue depth unavailable after sync pass")
		return
	}
	remaining := 0
	for collection, depth := range counts {
		remaining += depth
		e.metrics.SetQueueDepth(string(collection), depth)
	}
	sum.Remaining = remaining
}

func (e *Engine) acquire(collection queue.Collection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.draining[collection] {
		return false
	}
	e.draining[collection] = true
	return true
}

func (e *Engine) release(collection queue.Collection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.draining, collection)
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	handlers := make([]func(Event), 0, len(e.subscribers))
	for _, h := range e.subscribers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("subscriber panicked", slog.Any("panic", r))
				}
			}()
			handler(ev)
		}()
	}
}
