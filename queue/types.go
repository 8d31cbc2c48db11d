// Package queue defines the pending-mutation model and the durable local
// store contract used by the dispatch gateway and the sync engine. A
// PendingMutation is a snapshot of a domain write captured while offline,
// replayed against the server in per-collection FIFO order once connectivity
// returns.
package queue

import (
	"fmt"
	"time"
)

// Collection identifies a domain collection of the pharmacy dashboard.
type Collection string

const (
	Medicines  Collection = "medicines"
	Sales      Collection = "sales"
	Debts      Collection = "debts"
	Expenses   Collection = "expenses"
	LabRecords Collection = "lab_records"
	Payments   Collection = "payments"
)

// Collections returns all known collections in a stable order.
func Collections() []Collection {
	return []Collection{Medicines, Sales, Debts, Expenses, LabRecords, Payments}
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Medicines, Sales, Debts, Expenses, LabRecords, Payments:
		return true
	}
	return false
}

// Method is the kind of write a mutation performs.
type Method string

const (
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a pending mutation. Synced mutations are
// removed from the store rather than retained; FailedPermanent mutations stay
// visible until a user retries or discards them.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSyncing         Status = "syncing"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusSynced          Status = "synced"
)

// PendingMutation is the unit stored in the durable local store.
type PendingMutation struct {
	// LocalID is the client-generated identifier, unique across all
	// collections, never reused.
	LocalID string `json:"local_id"`

	Collection Collection `json:"collection"`
	Method     Method     `json:"method"`

	// TargetID holds the server identifier for update/delete; empty for
	// create. May contain a temporary local id that the resolver rewrites
	// before replay.
	TargetID string `json:"target_id,omitempty"`

	// Payload is a snapshot of the domain fields captured at enqueue time.
	Payload map[string]any `json:"payload,omitempty"`

	// DependencyLocalIDs lists other local ids this mutation's payload or
	// target references. The mutation may not be replayed until all of them
	// have synced.
	DependencyLocalIDs []string `json:"dependency_local_ids,omitempty"`

	Status        Status    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// Validate checks the structural invariants of a mutation before it enters
// the store.
func (m *PendingMutation) Validate() error {
	if m.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if !m.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", m.Collection)
	}
	if !m.Method.Valid() {
		return fmt.Errorf("unknown method %q", m.Method)
	}
	if m.Method == MethodCreate && m.TargetID != "" {
		return fmt.Errorf("create mutations must not carry a target id")
	}
	if (m.Method == MethodUpdate || m.Method == MethodDelete) && m.TargetID == "" {
		return fmt.Errorf("%s mutations require a target id", m.Method)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Clone returns a deep copy so callers can hand mutations across goroutines
// without sharing the payload map.
func (m *PendingMutation) Clone() *PendingMutation {
	if m == nil {
		return nil
	}
	out := *m
	if m.Payload != nil {
		out.Payload = clonePayload(m.Payload)
	}
	if m.DependencyLocalIDs != nil {
		out.DependencyLocalIDs = append([]string(nil), m.DependencyLocalIDs...)
	}
	return &out
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Patch describes a partial update applied by the sync engine. Nil fields are
// left untouched.
type Patch struct {
	Status        *Status
	AttemptCount  *int
	LastError     *string
	LastAttemptAt *time.Time
	TargetID      *string
	Payload       map[string]any
}

// Apply copies the non-nil patch fields onto m.
func (p Patch) Apply(m *PendingMutation) {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.AttemptCount != nil {
		m.AttemptCount = *p.AttemptCount
	}
	if p.LastError != nil {
		m.LastError = *p.LastError
	}
	if p.LastAttemptAt != nil {
		m.LastAttemptAt = *p.LastAttemptAt
	}
	if p.TargetID != nil {
		m.TargetID = *p.TargetID
	}
	if p.Payload != nil {
		m.Payload = clonePayload(p.Payload)
	}
}

// StatusPatch is a convenience constructor for the most common patch.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}
