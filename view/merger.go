// Package view builds optimistic read models: server-fetched lists combined
// with the still-pending local writes for the same collection, so a page
// shows its own unsynced records immediately. Merge semantics are identical
// for every collection; pages render the result instead of reimplementing
// the overlay.
package view

import (
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/restapi"
)

// State tags how a merged row relates to the server truth.
type State string

const (
	// StateSynced rows come straight from the server with no pending write.
	StateSynced State = "synced"

	// StatePendingCreate rows are synthetic, built from a queued create.
	StatePendingCreate State = "pending_create"

	// StatePendingUpdate rows are server rows with queued changes overlaid,
	// or a standalone delta when the server row is not in the fetched list.
	StatePendingUpdate State = "pending_update"

	// StatePendingDelete rows are server rows awaiting a queued delete.
	StatePendingDelete State = "pending_delete"
)

// Row is one entry of a merged view.
type Row struct {
	// Key is the server id for fetched rows and the local id for synthetic
	// ones. Stable across re-renders while the record stays in its state.
	Key string

	State State

	// Fields is the renderable record body.
	Fields map[string]any

	// LocalID is set when a queued write contributed to this row.
	LocalID string
}

// Resolver maps temporary local ids to server ids, when known.
type Resolver interface {
	Resolve(localID string) (string, bool)
}

// Merger combines server lists with pending local writes.
type Merger struct {
	resolver Resolver
}

// Option configures a Merger.
type Option func(*Merger)

// WithResolver lets the merger match pending updates and deletes whose
// target is still a temporary id against rows the server already knows.
func WithResolver(r Resolver) Option {
	return func(m *Merger) {
		m.resolver = r
	}
}

// New creates a Merger.
func New(opts ...Option) *Merger {
	m := &Merger{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge overlays pending onto serverRows. Server order is preserved;
// synthetic rows for queued creates follow in queue order. The merger only
// considers the current pending set: once a write syncs and leaves the
// store, the next server fetch replaces its synthetic row on its own.
func (m *Merger) Merge(serverRows []restapi.Entity, pending []*queue.PendingMutation) []Row {
	rows := make([]Row, 0, len(serverRows)+len(pending))
	index := make(map[string]int, len(serverRows))
	for _, entity := range serverRows {
		index[entity.ID] = len(rows)
		rows = append(rows, Row{
			Key:    entity.ID,
			State:  StateSynced,
			Fields: entity.Data,
		})
	}

	for _, mut := range pending {
		switch mut.Method {
		case queue.MethodCreate:
			rows = append(rows, Row{
				Key:     mut.LocalID,
				State:   StatePendingCreate,
				Fields:  mut.Payload,
				LocalID: mut.LocalID,
			})
		case queue.MethodUpdate:
			if i, ok := index[m.targetKey(mut.TargetID)]; ok {
				row := &rows[i]
				row.Fields = overlay(row.Fields, mut.Payload)
				row.LocalID = mut.LocalID
				if row.State != StatePendingDelete {
					row.State = StatePendingUpdate
				}
				continue
			}
			// The server row is not in this page's fetch; surface the
			// change as a standalone delta.
			rows = append(rows, Row{
				Key:     mut.TargetID,
				State:   StatePendingUpdate,
				Fields:  mut.Payload,
				LocalID: mut.LocalID,
			})
		case queue.MethodDelete:
			if i, ok := index[m.targetKey(mut.TargetID)]; ok {
				row := &rows[i]
				row.State = StatePendingDelete
				row.LocalID = mut.LocalID
			}
		}
	}

	return rows
}

// targetKey maps a mutation target onto a fetched row id, resolving
// temporary ids when possible.
func (m *Merger) targetKey(target string) string {
	if m.resolver != nil {
		if serverID, ok := m.resolver.Resolve(target); ok {
			return serverID
		}
	}
	return target
}

// overlay returns base with patch fields applied, leaving both inputs
// untouched.
func overlay(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
