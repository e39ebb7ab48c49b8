// Package httpapi exposes the queue commands and status to the local UI over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/queue"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

// ConnectivityReporter accepts connectivity reports from the UI.
type ConnectivityReporter interface {
	SetOnlineStatus(online bool)
	IsOnline() bool
}

// Deps are the services behind the API. Events and Metrics are optional.
type Deps struct {
	Queue          *queue.Service
	Resolver       *conflict.Resolver
	Connectivity   ConnectivityReporter
	Events         http.Handler // WebSocket event stream
	Metrics        *telemetry.Registry
	AllowedOrigins []string
}

// API holds the handlers.
type API struct {
	queue    *queue.Service
	resolver *conflict.Resolver
	conn     ConnectivityReporter
	metrics  *telemetry.Registry
	started  time.Time
}

// NewRouter builds the HTTP router.
func NewRouter(d Deps) http.Handler {
	api := &API{
		queue:    d.Queue,
		resolver: d.Resolver,
		conn:     d.Connectivity,
		metrics:  d.Metrics,
		started:  time.Now(),
	}
	if api.metrics == nil {
		api.metrics = telemetry.Default
	}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", api.Health)
		r.Get("/metrics", api.Metrics)
		r.Put("/connectivity", api.SetConnectivity)
		r.Get("/connectivity", api.GetConnectivity)

		r.Route("/records", func(r chi.Router) {
			r.Post("/", api.Enqueue)
			r.Get("/", api.ListRecords)
			r.Get("/{id}", api.GetRecord)
			r.Delete("/{id}", api.DeleteRecord)
			r.Post("/{id}/retry", api.RetryRecord)
			r.Post("/{id}/resolve", api.ResolveDuplicate)
		})

		r.Route("/owners/{owner}", func(r chi.Router) {
			r.Get("/status", api.Status)
			r.Get("/duplicates", api.ListDuplicates)
			r.Post("/sync", api.SyncNow)
			r.Post("/clear-synced", api.ClearSynced)
		})
	})

	if d.Events != nil {
		r.Handle("/ws", d.Events)
	}
	return r
}

// requestLogger logs each request through the fieldsync logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
