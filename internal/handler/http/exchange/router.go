package exchange_http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"exchange/internal/app/exchange"
)

func NewRouter(s exchange.ExchangeService, sessions SessionCounter, allowedOrigins []string, l *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(l))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	RegisterRoutes(r, s, sessions, l)
	return r
}

func RegisterRoutes(r chi.Router, s exchange.ExchangeService, sessions SessionCounter, l *zap.Logger) {
	handler := NewExchangeHandler(s, sessions, l.With(zap.String("component", "ExchangeHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Exchange service is healthy!"))
		})
	})

	r.Route("/accounts/{username}", func(r chi.Router) {
		r.Get("/", handler.GetBalanceHandler)
		r.Get("/holdings", handler.GetHoldingsHandler)
		r.Get("/history", handler.GetHistoryHandler)
	})

	r.Get("/rates/{code}", handler.GetRateHandler)
	r.Get("/sessions", handler.GetSessionsHandler)
}

// RequestLogger logs one line per request through zap.
func RequestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				l.Info("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
