package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docsense/internal/api/middlewares"
	"github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/logger"
)

// ServerDeps are the collaborators the HTTP surface calls into.
type ServerDeps struct {
	DB        core.DbClient
	Objects   core.ObjectClient // optional
	Ingestor  ingestion_engine.Ingestor
	Index     core.VectorIndex
	Retriever handlers.Retriever
	LLM       core.LLMProvider // optional
	Health    func(ctx context.Context) error
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, deps ServerDeps, log *zap.Logger) *Server {
	log = logger.OrNop(log)
	docHandler := handlers.NewDocumentHandler(deps.DB, deps.Objects, deps.Ingestor, deps.Index, log)
	chatHandler := handlers.NewChatHandler(deps.Retriever, deps.LLM, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", healthz(deps.Health))
	r.Handle("/metrics", promhttp.Handler())

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, API routes are unauthenticated")
	}

	r.Route("/api/workspaces/{workspaceID}", func(ws chi.Router) {
		if cfg.JWTSecret != "" {
			ws.Use(appMiddleware.JWTMiddleware([]byte(cfg.JWTSecret)))
		}

		// Uploads carry their own longer deadline.
		ws.Post("/documents", docHandler.UploadDocument)

		ws.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(60 * time.Second))
			api.Get("/documents", docHandler.GetDocuments)
			api.Get("/documents/{documentID}", docHandler.GetDocument)
			api.Post("/documents/{documentID}/ingest", docHandler.IngestDocument)
			api.Delete("/documents/{documentID}", docHandler.DeleteDocument)
			api.Delete("/documents/{documentID}/vectors", docHandler.DeleteVectors)
			api.Get("/stats", docHandler.Stats)
			api.Post("/retrieve", chatHandler.Retrieve)
			api.Post("/ask", chatHandler.Ask)
		})
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: httpSrv, log: log}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
