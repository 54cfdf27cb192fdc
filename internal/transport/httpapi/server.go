// Package httpapi serves the client, renderer and admin JSON endpoints.
package httpapi

import (
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"roverworld.ai/internal/game"
	"roverworld.ai/internal/metrics"
	"roverworld.ai/internal/protocol"
)

const (
	maxBody         = 1 << 20
	limiterIdle     = 10 * time.Minute
	playerHeader    = "X-Player-ID"
	loopbackOnlyMsg = "admin endpoints are loopback only"
)

type Options struct {
	Game           *game.Game
	Logger         *log.Logger
	Metrics        *metrics.Metrics
	RendererSecret string

	// AdminEnabled mounts /admin/v1; requests must still come from loopback.
	AdminEnabled bool
}

type Server struct {
	g       *game.Game
	logger  *log.Logger
	metrics *metrics.Metrics
	auth    *rendererAuth
	admin   bool

	limitMu  sync.Mutex
	limiters cache.Cache[string, *rate.Limiter]
	renderer *rate.Limiter
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[http] ", log.LstdFlags|log.Lmicroseconds)
	}
	rl := opts.Game.Tuning().RateLimits
	return &Server{
		g:        opts.Game,
		logger:   logger,
		metrics:  opts.Metrics,
		auth:     newRendererAuth(opts.RendererSecret),
		admin:    opts.AdminEnabled,
		limiters: cache.NewCache[string, *rate.Limiter]().WithTTL(limiterIdle).WithMaxKeys(100_000),
		renderer: rate.NewLimiter(rate.Limit(rl.RendererPerSecond), rl.RendererBurst),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.Handle("POST /api/login", s.route("login", s.login))
	mux.Handle("GET /api/gamestate", s.route("gamestate", s.player(s.gamestate)))
	mux.Handle("POST /api/chips", s.route("chips", s.player(s.fetchChips)))
	mux.Handle("POST /api/create_target", s.route("create_target", s.player(s.createTarget)))
	mux.Handle("POST /api/abort_target", s.route("abort_target", s.player(s.abortTarget)))
	mux.Handle("POST /api/highlight_target", s.route("highlight_target", s.player(s.highlightTarget)))
	mux.Handle("POST /api/mark_viewed", s.route("mark_viewed", s.player(s.markViewed)))
	mux.Handle("POST /api/check_species", s.route("check_species", s.player(s.checkSpecies)))
	mux.Handle("POST /api/create_progress", s.route("create_progress", s.player(s.createProgress)))
	mux.Handle("POST /api/message_content", s.route("message_content", s.player(s.messageContent)))
	mux.Handle("POST /api/message_unlock", s.route("message_unlock", s.player(s.messageUnlock)))
	mux.Handle("POST /api/message_forward", s.route("message_forward", s.player(s.messageForward)))
	mux.Handle("POST /api/update_viewed_alerts_at", s.route("update_viewed_alerts_at", s.player(s.updateViewedAlertsAt)))
	mux.Handle("POST /api/set_notification_frequency", s.route("set_notification_frequency", s.player(s.setNotificationFrequency)))

	mux.Handle("POST /renderer/next_target", s.route("next_target", s.rendererOnly(s.nextTarget)))
	mux.Handle("POST /renderer/processed_target", s.route("processed_target", s.rendererOnly(s.processedTarget)))

	if s.admin {
		mux.Handle("POST /admin/v1/advance_game", s.route("advance_game", s.loopback(s.advanceGame)))
		mux.Handle("POST /admin/v1/rewind_game", s.route("rewind_game", s.loopback(s.rewindGame)))
		mux.Handle("POST /admin/v1/process_deferred", s.route("process_deferred", s.loopback(s.processDeferred)))
	}
	return mux
}

// handlerFunc is an endpoint that returns its response body or an error.
type handlerFunc func(r *http.Request, body []byte) (any, error)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// route reads the body, runs h, writes its result and records the request.
func (s *Server) route(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw, code: http.StatusOK}
		defer func() {
			if s.metrics != nil {
				s.metrics.ObserveHTTP(name, sw.code, time.Since(start))
			}
		}()

		body, err := io.ReadAll(http.MaxBytesReader(sw, r.Body, maxBody))
		if err != nil {
			s.writeError(sw, &protocol.SchemaError{Request: name, Detail: "body too large"})
			return
		}
		resp, err := h(r, body)
		if err != nil {
			s.writeError(sw, err)
			return
		}
		writeJSON(sw, http.StatusOK, resp)
	})
}

type playerFunc func(r *http.Request, userID string, body []byte) (any, error)

// player resolves the calling player and applies its rate limit.
func (s *Server) player(h playerFunc) handlerFunc {
	return func(r *http.Request, body []byte) (any, error) {
		userID := strings.TrimSpace(r.Header.Get(playerHeader))
		if userID == "" {
			return nil, &httpError{status: http.StatusUnauthorized, code: protocol.ErrUnauthorized, msg: "missing " + playerHeader}
		}
		if uuid.Validate(userID) != nil {
			return nil, &httpError{status: http.StatusUnauthorized, code: protocol.ErrUnauthorized, msg: "malformed " + playerHeader}
		}
		if !s.limiter(userID).Allow() {
			return nil, &httpError{status: http.StatusTooManyRequests, code: protocol.ErrRateLimit, msg: "slow down"}
		}
		return h(r, userID, body)
	}
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters.Get(userID)
	if !ok {
		rl := s.g.Tuning().RateLimits
		l = rate.NewLimiter(rate.Limit(rl.PlayerPerSecond), rl.PlayerBurst)
	}
	s.limiters.Set(userID, l, limiterIdle)
	return l
}

func (s *Server) loopback(h handlerFunc) handlerFunc {
	return func(r *http.Request, body []byte) (any, error) {
		if !isLoopbackRemote(r.RemoteAddr) {
			return nil, &httpError{status: http.StatusForbidden, code: protocol.ErrUnauthorized, msg: loopbackOnlyMsg}
		}
		return h(r, body)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// httpError is a transport-level refusal with its own status.
type httpError struct {
	status int
	code   string
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func statusOf(k game.Kind) int {
	switch k {
	case game.KindValidation:
		return http.StatusBadRequest
	case game.KindNotFound:
		return http.StatusNotFound
	case game.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	var (
		he *httpError
		se *protocol.SchemaError
	)
	switch {
	case errors.As(err, &he):
		writeJSON(rw, he.status, protocol.Errors(he.code, he.msg))
	case errors.As(err, &se):
		writeJSON(rw, http.StatusBadRequest, protocol.Errors(protocol.ErrProtoBadRequest, se.Error()))
	default:
		if ge, ok := game.AsError(err); ok {
			status := statusOf(ge.Kind)
			if ge.Code == protocol.ErrUnauthorized {
				status = http.StatusUnauthorized
			}
			writeJSON(rw, status, protocol.Errors(ge.Code, ge.Msg))
			return
		}
		if game.IsInvariant(err) {
			s.logger.Printf("error: invariant: %+v", err)
		} else {
			s.logger.Printf("error: %+v", err)
		}
		writeJSON(rw, http.StatusInternalServerError, protocol.Errors(protocol.ErrInternal, "internal error"))
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = rw.Write(b)
}
