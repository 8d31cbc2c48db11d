package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxops/pharmsync/queue"
	"github.com/rxops/pharmsync/syncerrors"
)

func TestHTTPClient_Create(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Amoxicillin", payload["name"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "M1", "name": payload["name"], "quantity": payload["quantity"]})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithHTTPClient(server.Client()))
	ctx := WithIdempotencyKey(context.Background(), "local-abc")

	entity, err := client.Create(ctx, queue.Medicines, map[string]any{"name": "Amoxicillin", "quantity": 50})
	require.NoError(t, err)
	assert.Equal(t, "/api/medicines", gotPath)
	assert.Equal(t, "local-abc", gotKey)
	assert.Equal(t, "M1", entity.ID)
	assert.Equal(t, "Amoxicillin", entity.Data["name"])
}

func TestHTTPClient_UpdateAndDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, "/api/sales/S7", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{"id": "S7", "quantity": 3})
		case http.MethodDelete:
			assert.Equal(t, "/api/debts/D2", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithHTTPClient(server.Client()))

	entity, err := client.Update(context.Background(), queue.Sales, "S7", map[string]any{"quantity": 3})
	require.NoError(t, err)
	assert.Equal(t, "S7", entity.ID)

	require.NoError(t, client.Delete(context.Background(), queue.Debts, "D2"))
}

func TestHTTPClient_ValidationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "INSUFFICIENT_STOCK", "message": "only 2 units left"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithHTTPClient(server.Client()))

	_, err := client.Create(context.Background(), queue.Sales, map[string]any{"quantity": 5})
	require.Error(t, err)
	assert.True(t, syncerrors.IsValidation(err), "4xx must classify as validation")
	assert.False(t, syncerrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "INSUFFICIENT_STOCK")
}

func TestHTTPClient_ServerFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithHTTPClient(server.Client()))

	_, err := client.Create(context.Background(), queue.Expenses, map[string]any{"amount": 10})
	require.Error(t, err)
	assert.True(t, syncerrors.IsConnectivity(err), "5xx must classify as connectivity")
	assert.True(t, syncerrors.IsRetryable(err))
}

func TestHTTPClient_NetworkFailureIsRetryable(t *testing.T) {
	// Nothing listens here.
	client := NewHTTPClient("http://127.0.0.1:1", WithTimeout(200*time.Millisecond))

	_, err := client.Create(context.Background(), queue.Medicines, map[string]any{"name": "x"})
	require.Error(t, err)
	assert.True(t, syncerrors.IsConnectivity(err))
	assert.True(t, syncerrors.IsRetryable(err))
}

func TestHTTPClient_NumericEntityID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 42, "name": "Paracetamol"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithHTTPClient(server.Client()))

	entity, err := client.Create(context.Background(), queue.Medicines, map[string]any{"name": "Paracetamol"})
	require.NoError(t, err)
	assert.Equal(t, "42", entity.ID)
}
