package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yegors/zonewatch/pkg/logger"
)

// Router wires the handlers onto a chi mux
type Router struct {
	handler        *Handler
	allowedOrigins []string
	logger         *logger.Logger
}

// NewRouter creates a router. Empty allowedOrigins accepts any origin.
func NewRouter(handler *Handler, allowedOrigins []string, log *logger.Logger) *Router {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Router{
		handler:        handler,
		allowedOrigins: allowedOrigins,
		logger:         log.Named("api-router"),
	}
}

// Routes returns the HTTP handler for every endpoint
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", rt.handler.GetHealth)
	r.Get("/ws", rt.handler.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tracks", rt.handler.GetTracks)
		r.Get("/tracks/{flight}", rt.handler.GetTrack)
		r.Get("/proximity", rt.handler.GetProximity)
		r.Get("/proximity/history", rt.handler.GetProximityHistory)
		r.Get("/operations", rt.handler.GetOperations)
		r.Get("/zones", rt.handler.GetZones)
		r.Get("/status", rt.handler.GetStatus)
		r.Get("/selftest", rt.handler.GetSimulatedAircraft)
	})

	return r
}

// requestLogger logs each request at debug level. The websocket upgrade is
// logged by the hub instead.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
