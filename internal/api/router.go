package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/auth"
)

// NewRouter builds the HTTP surface over the engine.
func NewRouter(engine Engine, corsOrigins []string, logger *logrus.Logger) http.Handler {
	aliases := NewAliasesHandler(engine, logger)
	admin := NewAdminHandler(engine, logger)
	ws := NewWebSocketHandler(engine, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", auth.OwnerHeader},
		MaxAge:         300,
	}))

	r.Get("/", handleRoot)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireOwner)
			r.Post("/aliases", aliases.Generate)
			r.Post("/aliases/rotate", aliases.Rotate)
			r.Post("/aliases/resolve", aliases.Resolve)
			r.Get("/aliases/{address}/messages", aliases.Messages)
			r.Get("/ws", ws.Handle)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/accounts", admin.RegisterAccount)
			r.Get("/accounts", admin.ListAccounts)
			r.Put("/accounts/{id}/status", admin.SetStatus)
			r.Post("/accounts/{id}/poll", admin.Poll)
			r.Get("/aliases", admin.ListAliases)
			r.Get("/retrieval", admin.Retrieval)
			r.Get("/stats", admin.Stats)
		})
	})

	return r
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "aliasmail API is running")
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}
