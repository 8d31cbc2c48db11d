package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/rxops/pharmsync/logging"
	"github.com/rxops/pharmsync/queue"
)

func newDevServerCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory pharmacy API for local development",
		Long: `Run an in-memory implementation of the pharmacy REST API. Records live
only as long as the process; sales are validated against medicine stock so
the client's rejected-write path can be exercised locally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Default()
			srv := newDevServer(logger)
			logger.Info("dev API listening", slog.String("addr", listen))
			return http.ListenAndServe(listen, srv.router())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to listen on")
	return cmd
}

// devServer is an in-memory pharmacy API. One map per collection, ids
// assigned server-side, idempotency keys deduplicated per collection.
type devServer struct {
	logger *logging.Logger

	mu          sync.Mutex
	nextID      int
	records     map[queue.Collection]map[string]map[string]any
	order       map[queue.Collection][]string
	idempotency map[string]map[string]any
}

func newDevServer(logger *logging.Logger) *devServer {
	records := make(map[queue.Collection]map[string]map[string]any)
	order := make(map[queue.Collection][]string)
	for _, c := range queue.Collections() {
		records[c] = make(map[string]map[string]any)
	}
	return &devServer{
		logger:      logger,
		records:     records,
		order:       order,
		idempotency: make(map[string]map[string]any),
	}
}

func (s *devServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/api/{collection}", func(r chi.Router) {
		r.Use(s.collectionCtx)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

type collectionKey struct{}

func (s *devServer) collectionCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		collection := queue.Collection(chi.URLParam(r, "collection"))
		if !collection.Valid() {
			writeError(w, http.StatusNotFound, "unknown_collection",
				fmt.Sprintf("unknown collection %q", collection))
			return
		}
		ctx := context.WithValue(r.Context(), collectionKey{}, collection)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func collectionFrom(r *http.Request) queue.Collection {
	collection, _ := r.Context().Value(collectionKey{}).(queue.Collection)
	return collection
}

func (s *devServer) handleList(w http.ResponseWriter, r *http.Request) {
	collection := collectionFrom(r)

	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.order[collection]))
	for _, id := range s.order[collection] {
		if rec, ok := s.records[collection][id]; ok {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *devServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := collectionFrom(r)

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A replayed create with the same key returns the original record
	// instead of applying twice.
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if rec, ok := s.idempotency[string(collection)+"/"+key]; ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}

	if collection == queue.Sales {
		if msg := s.checkStockLocked(payload); msg != "" {
			writeError(w, http.StatusUnprocessableEntity, "insufficient_stock", msg)
			return
		}
	}

	s.nextID++
	id := fmt.Sprintf("srv-%d", s.nextID)
	record := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		record[k] = v
	}
	record["id"] = id
	s.records[collection][id] = record
	s.order[collection] = append(s.order[collection], id)
	if key != "" {
		s.idempotency[string(collection)+"/"+key] = record
	}

	if collection == queue.Sales {
		s.applyStockLocked(payload)
	}

	s.logger.Info("record created",
		slog.String("collection", string(collection)),
		slog.String("id", id),
	)
	writeJSON(w, http.StatusCreated, record)
}

func (s *devServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection := collectionFrom(r)
	id := chi.URLParam(r, "id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[collection][id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no record %q", id))
		return
	}
	for k, v := range payload {
		record[k] = v
	}
	record["id"] = id
	writeJSON(w, http.StatusOK, record)
}

func (s *devServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := collectionFrom(r)
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[collection][id]; !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no record %q", id))
		return
	}
	delete(s.records[collection], id)
	w.WriteHeader(http.StatusNoContent)
}

// checkStockLocked validates a sale against the referenced medicine's stock.
func (s *devServer) checkStockLocked(payload map[string]any) string {
	medID, _ := payload["medicine_id"].(string)
	if medID == "" {
		return ""
	}
	med, ok := s.records[queue.Medicines][medID]
	if !ok {
		return fmt.Sprintf("medicine %q not found", medID)
	}
	stock := asInt(med["stock"])
	quantity := asInt(payload["quantity"])
	if quantity > stock {
		return fmt.Sprintf("requested %d units of %q, only %d in stock", quantity, medID, stock)
	}
	return ""
}

func (s *devServer) applyStockLocked(payload map[string]any) {
	medID, _ := payload["medicine_id"].(string)
	med, ok := s.records[queue.Medicines][medID]
	if !ok {
		return
	}
	med["stock"] = asInt(med["stock"]) - asInt(payload["quantity"])
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
