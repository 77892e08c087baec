// Package api exposes a read-only operations API over the order
// store: order listings, aggregate stats, and the revenue report.
// Mutation happens only through the chat lifecycle.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/remfix/dispatchd/internal/category"
	"github.com/remfix/dispatchd/internal/store"
)

// Deps carries the handler dependencies.
type Deps struct {
	Store      *store.Store
	Token      string
	Commission int
	Logger     *slog.Logger
}

// NewHandler builds the operations router. /health is open; everything
// else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/orders", handleListOrders(deps))
		r.Get("/orders/{id}", handleGetOrder(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/finance", handleFinance(deps))
	})

	return r
}

type orderJSON struct {
	ID            int64  `json:"id"`
	RequesterID   int64  `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	Contacts      string `json:"contacts"`
	Status        string `json:"status"`
	MasterID      int64  `json:"master_id,omitempty"`
	MasterName    string `json:"master_name,omitempty"`
	CreatedAt     string `json:"created_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

func toJSON(o store.Order) orderJSON {
	out := orderJSON{
		ID:            o.ID,
		RequesterID:   o.RequesterID,
		RequesterName: o.RequesterName,
		Category:      string(o.Category),
		Description:   o.Description,
		Contacts:      o.Contacts,
		Status:        string(o.Status),
		MasterID:      o.MasterID,
		MasterName:    o.MasterName,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
	}
	if !o.CompletedAt.IsZero() {
		out.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func handleListOrders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = string(store.StatusNew)
		}

		var orders []store.Order
		var err error
		switch store.Status(status) {
		case store.StatusNew:
			var filter category.Key
			if c := r.URL.Query().Get("category"); c != "" {
				filter, err = category.Parse(c)
				if err != nil {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown category %q", c)
					return
				}
			}
			orders, err = deps.Store.ListNew(filter)
		case store.StatusCompleted:
			limit := parseIntParam(r, "limit", 50, 500)
			orders, err = deps.Store.CompletedOrders(limit)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported status filter %q", status)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing orders: %v", err)
			return
		}

		out := make([]orderJSON, 0, len(orders))
		for _, o := range orders {
			out = append(out, toJSON(o))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid order id")
			return
		}
		o, err := deps.Store.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "order %d not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading order: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toJSON(o))
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting orders: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"total":       st.Total,
			"new":         st.New,
			"in_progress": st.InProgress,
			"completed":   st.Completed,
		})
	}
}

type financeJSON struct {
	Completed  int          `json:"completed"`
	Commission int          `json:"commission"`
	Earnings   int          `json:"earnings"`
	Masters    []masterJSON `json:"masters"`
	Recent     []orderJSON  `json:"recent"`
}

type masterJSON struct {
	MasterID   int64  `json:"master_id"`
	MasterName string `json:"master_name"`
	Completed  int    `json:"completed"`
}

func handleFinance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		completed, err := deps.Store.CompletedOrders(0)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing completed orders: %v", err)
			return
		}
		tallies, err := deps.Store.MasterCompletionTallies()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "tallying masters: %v", err)
			return
		}

		out := financeJSON{
			Completed:  len(completed),
			Commission: deps.Commission,
			Earnings:   len(completed) * deps.Commission,
			Masters:    make([]masterJSON, 0, len(tallies)),
			Recent:     make([]orderJSON, 0, 5),
		}
		for _, t := range tallies {
			out.Masters = append(out.Masters, masterJSON{MasterID: t.MasterID, MasterName: t.MasterName, Completed: t.Completed})
		}
		for i, o := range completed {
			if i == 5 {
				break
			}
			out.Recent = append(out.Recent, toJSON(o))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// requestLogger tags every request with a uuid and logs it on the way
// out.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := uuid.New().String()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
