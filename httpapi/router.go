// Package httpapi exposes the Ingest and Permission Endpoints, and the
// read-only infrastructures inspection routes, as the HTTP surface of §6.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/ingest"
	"github.com/lbbence95/macrostepd/permission"
	"github.com/lbbence95/macrostepd/store"
)

// Server holds the component services a router needs to answer HTTP
// requests; it carries no state of its own.
type Server struct {
	Ingest     *ingest.Service
	Permission *permission.Service
	Instances  store.InstanceStore
	Emitter    emit.Emitter
}

// NewServer constructs a Server, defaulting Emitter to a no-op sink.
func NewServer(ing *ingest.Service, perm *permission.Service, instances store.InstanceStore, emitter emit.Emitter) *Server {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Server{Ingest: ing, Permission: perm, Instances: instances, Emitter: emitter}
}

// NewRouter builds the chi router for the routes of §6: Submit, Refresh,
// Next, and the three read-only infrastructures routes.
func (s *Server) NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/Submit/{instance}/{process}/", s.handleSubmit)
	r.Post("/Refresh/{instance}/{process}/", s.handleRefresh)
	r.Get("/Next/{instance}/{process}/", s.handleNext)
	r.Get("/infrastructures/", s.handleListInstances)
	r.Get("/infrastructures/{instance}", s.handleListProcesses)
	r.Get("/infrastructures/{instance}/{process}", s.handleListBreakpoints)

	return r
}

// logRequest emits one event per request through the same Emitter the rest
// of the system uses, rather than reaching for a separate logging stack.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Emitter.Emit(emit.Event{
			Msg: "http_request",
			Meta: map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	})
}
