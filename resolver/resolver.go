// Package resolver maintains the mapping from client-generated temporary
// local ids to server-assigned ids. The dispatch gateway uses it to discover
// dependencies between queued mutations; the sync engine uses it to rewrite
// payloads and target ids immediately before replay.
package resolver

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rxops/pharmsync/logging"
)

// Persistence stores resolution entries so they survive a restart. The SQLite
// queue store implements it.
type Persistence interface {
	SaveResolution(ctx context.Context, localID, serverID string) error
	LoadResolutions(ctx context.Context) (map[string]string, error)
}

// Map is the identifier resolution map. Entries are never deleted during the
// life of a session.
type Map struct {
	mu      sync.RWMutex
	entries map[string]string
	// locals tracks every temporary id issued for a queued create this
	// session, so payload scans can tell a temporary reference from a real
	// server id.
	locals  map[string]struct{}
	persist Persistence
	logger  *logging.Logger
}

// Option configures a Map.
type Option func(*Map)

// WithPersistence makes recorded entries durable.
func WithPersistence(p Persistence) Option {
	return func(m *Map) {
		m.persist = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Map) {
		m.logger = l
	}
}

// New creates an empty Map.
func New(opts ...Option) *Map {
	m := &Map{
		entries: make(map[string]string),
		locals:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent(logging.Component("resolver"))
	}
	return m
}

// Restore loads persisted entries, typically right after opening the store on
// startup. Safe to call without persistence configured.
func (m *Map) Restore(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}

	entries, err := m.persist.LoadResolutions(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for localID, serverID := range entries {
		m.entries[localID] = serverID
		m.locals[localID] = struct{}{}
	}
	return nil
}

// TrackLocal registers a temporary id issued for a queued create. Only
// tracked ids are treated as rewritable references.
func (m *Map) TrackLocal(localID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locals[localID] = struct{}{}
}

// Record commits a local-id to server-id mapping after a create synced.
// Persistence failures are logged, not fatal: the in-memory entry is already
// committed and replay correctness does not depend on the durable copy.
func (m *Map) Record(ctx context.Context, localID, serverID string) {
	m.mu.Lock()
	m.entries[localID] = serverID
	m.mu.Unlock()

	if m.persist != nil {
		if err := m.persist.SaveResolution(ctx, localID, serverID); err != nil {
			m.logger.Warn("failed to persist id resolution",
				slog.String("local_id", localID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Resolve returns the server id for a temporary local id.
func (m *Map) Resolve(localID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	serverID, ok := m.entries[localID]
	return serverID, ok
}

// Resolved reports whether every id in deps has a committed mapping.
func (m *Map) Resolved(deps []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dep := range deps {
		if _, ok := m.entries[dep]; !ok {
			return false
		}
	}
	return true
}

// PendingRefs scans a payload for tracked temporary ids and returns them
// sorted and deduplicated. The gateway records them as the mutation's
// dependencies at enqueue time.
func (m *Map) PendingRefs(payload map[string]any) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	scanValue(payload, func(s string) {
		if _, ok := m.locals[s]; ok {
			seen[s] = struct{}{}
		}
	})

	if len(seen) == 0 {
		return nil
	}
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// IsLocal reports whether id was issued as a temporary id this session.
func (m *Map) IsLocal(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locals[id]
	return ok
}

// RewritePayload returns a copy of payload with every resolvable temporary id
// replaced by its server id. Unresolved references are left untouched; the
// engine checks Resolved before replaying, so an unresolved reference here
// means the caller is inspecting, not replaying.
func (m *Map) RewritePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewriteMap(payload)
}

// RewriteTarget resolves a target id if it is a temporary reference.
func (m *Map) RewriteTarget(target string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if serverID, ok := m.entries[target]; ok {
		return serverID
	}
	return target
}

func (m *Map) rewriteMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = m.rewriteValue(v)
	}
	return out
}

func (m *Map) rewriteValue(v any) any {
	switch val := v.(type) {
	case string:
		if serverID, ok := m.entries[val]; ok {
			return serverID
		}
		return val
	case map[string]any:
		return m.rewriteMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.rewriteValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = m.rewriteValue(item)
		}
		return out
	default:
		return v
	}
}

func scanValue(v any, visit func(string)) {
	switch val := v.(type) {
	case string:
		visit(val)
	case map[string]any:
		for _, item := range val {
			scanValue(item, visit)
		}
	case []any:
		for _, item := range val {
			scanValue(item, visit)
		}
	case []string:
		for _, item := range val {
			visit(item)
		}
	}
}
