package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"shelfkeeper/internal/app"
	"shelfkeeper/internal/ratelimit"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Tokens issues bearer tokens for the JSON API.
	Tokens store.SessionStore
	// Sessions backs the browser session cookie.
	Sessions   store.SessionStore
	SessionTTL time.Duration
	// Redis holds rate limiter counters.
	Redis                    redis.Scripter
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	AllowedOrigins           []string
	TrustedProxies           *util.TrustedProxies
}

// Server exposes the JSON API and the HTML interface.
type Server struct {
	app            *app.App
	tokens         store.SessionStore
	sessions       store.SessionStore
	sessionTTL     time.Duration
	trusted        *util.TrustedProxies
	allowedOrigins []string
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	pages          pageSet
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	if cfg.Tokens == nil || cfg.Sessions == nil {
		return nil, errors.New("server requires token and session stores")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "shelfkeeper:ratelimit:"+name, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	pages, err := loadPages()
	if err != nil {
		return nil, err
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		sessions:       cfg.Sessions,
		sessionTTL:     ttl,
		trusted:        cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		pages:          pages,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	s.apiRoutes(api)
	s.mux.Handle("/api/", util.WithCORS(s.allowedOrigins, api))

	web := http.NewServeMux()
	s.webRoutes(web)
	s.mux.Handle("/", util.WithOriginCheck(s.allowedOrigins, web))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind app.Kind) int {
	switch kind {
	case app.KindMissingParameter, app.KindInvalidInput, app.KindOutOfStock,
		app.KindDuplicateLoan, app.KindNoActiveLoan, app.KindHasActiveLoans:
		return http.StatusBadRequest
	case app.KindConflict:
		return http.StatusConflict
	case app.KindUnauthorized:
		return http.StatusUnauthorized
	case app.KindForbidden, app.KindRoleNotEligible, app.KindSelfActionForbidden:
		return http.StatusForbidden
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"requestId,omitempty"`
}

type errorDetail struct {
	Kind    app.Kind `json:"kind"`
	Message string   `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAppError renders err as the API error envelope. Internal errors are
// logged here and reach the client only as a generic message.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := app.KindOf(err)
	if kind == app.KindInternal {
		util.LoggerFromContext(r.Context()).Error("request_failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, statusFor(kind), errorBody{
		Error:     errorDetail{Kind: kind, Message: app.Message(err)},
		RequestID: util.RequestIDFromRequest(r),
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate counts the request against limiter, keyed by path and client
// address. On refusal it sets Retry-After and returns false.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.RetryAfter().Seconds())))
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
