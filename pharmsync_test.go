package pharmsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxops/pharmsync/connectivity"
	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/restapi"
	"github.com/rxops/pharmsync/view"
)

// countingAPI assigns sequential server ids and remembers created payloads.
type countingAPI struct {
	mu      sync.Mutex
	nextID  int
	created []map[string]any
}

func (a *countingAPI) Create(ctx context.Context, collection queue.Collection, payload map[string]any) (*restapi.Entity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.created = append(a.created, payload)
	return &restapi.Entity{ID: fmt.Sprintf("srv-%d", a.nextID), Data: payload}, nil
}

func (a *countingAPI) Update(ctx context.Context, collection queue.Collection, id string, payload map[string]any) (*restapi.Entity, error) {
	return &restapi.Entity{ID: id, Data: payload}, nil
}

func (a *countingAPI) Delete(ctx context.Context, collection queue.Collection, id string) error {
	return nil
}

func offlineOptions() connectivity.Options {
	offline := false
	return connectivity.Options{
		InitialOnline:   &offline,
		StabilityWindow: time.Millisecond,
	}
}

func TestBuildRequiresAnAPI(t *testing.T) {
	_, err := NewClientBuilder().Build()
	require.Error(t, err)
}

func TestOfflineWriteFlowsThroughQueueAndSync(t *testing.T) {
	api := &countingAPI{}
	client, err := NewClientBuilder().
		WithAPIClient(api).
		WithConnectivityOptions(offlineOptions()).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	res, err := client.Execute(ctx, queue.Medicines, queue.MethodCreate,
		map[string]any{"name": "Amoxicillin", "stock": 20}, "")
	require.NoError(t, err)
	require.True(t, res.Queued)

	sale, err := client.Execute(ctx, queue.Sales, queue.MethodCreate,
		map[string]any{"medicine_id": res.LocalID, "quantity": 2}, "")
	require.NoError(t, err)
	require.True(t, sale.Queued)

	assert.False(t, client.Online())
	assert.Len(t, client.GetPending(ctx, queue.Medicines), 1)
	assert.Equal(t, map[queue.Collection]int{
		queue.Medicines: 1,
		queue.Sales:     1,
	}, client.PendingCounts(ctx))

	// The merged view shows both writes before any sync happens.
	rows := client.Merge(ctx, queue.Medicines, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, view.StatePendingCreate, rows[0].State)

	// Back online, one pass lands the chain with rewritten references.
	client.SetOnline(true)
	requireOnline(t, client)

	sum, err := client.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Synced)
	assert.Equal(t, 0, sum.Remaining)

	api.mu.Lock()
	defer api.mu.Unlock()
	var salePayload map[string]any
	for _, p := range api.created {
		if _, ok := p["medicine_id"]; ok {
			salePayload = p
		}
	}
	require.NotNil(t, salePayload)
	assert.Equal(t, "srv-1", salePayload["medicine_id"])
}

func TestOnlineWriteBypassesQueue(t *testing.T) {
	api := &countingAPI{}
	client, err := NewClientBuilder().
		WithAPIClient(api).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Execute(context.Background(), queue.Expenses, queue.MethodCreate,
		map[string]any{"amount": 10}, "")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Entity)
	assert.Equal(t, "srv-1", res.Entity.ID)
	assert.Empty(t, client.GetPending(context.Background(), queue.Expenses))
}

// requireOnline drives the debounce state machine until the online
// transition commits.
func requireOnline(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !client.Online() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never committed the online transition")
		}
		client.SetOnline(true)
		time.Sleep(5 * time.Millisecond)
	}
}
