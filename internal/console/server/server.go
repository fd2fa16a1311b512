package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/handler"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/domain"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    infra.ServerConfig

	// Проверка токенов (RS256). nil — API открыт.
	authValidator auth.TokenValidator
	limiter       *rate.Limiter
	gatherer      prometheus.Gatherer

	runHandler    *handler.RunHandler    // /v1/runs, /v1/profiles
	verifyHandler *handler.VerifyHandler // /v1/verify, /v1/runs/{id}/verify
}

// NewConsoleServer инициализирует HTTP API рекордера со всеми зависимостями.
func NewConsoleServer(
	cfg infra.ServerConfig,
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	runH *handler.RunHandler,
	verifyH *handler.VerifyHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		cfg:           cfg,
		authValidator: validator,
		gatherer:      gatherer,
		runHandler:    runH,
		verifyHandler: verifyH,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. API (лимит, размер тела, токен если настроен) ---
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		if s.cfg.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(s.cfg.MaxBodyBytes))
		}
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Get("/v1/profiles", s.runHandler.Profiles)
		r.With(auth.RequireScope(domain.ScopeRunsWrite)).Post("/v1/runs", s.runHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeVerify))
			r.Post("/v1/verify", s.verifyHandler.Verify)
			r.Get("/v1/runs/{id}/verify", s.verifyHandler.VerifyRun)
		})
	})
}

// rateLimit — общий token bucket на API. Запрос сверх лимита не ждет, а получает 429.
func (s *ConsoleServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
