// ============================================================================
// AIGC Gateway HTTP API
// ============================================================================
//
// Package: internal/api
// File: server.go
// Purpose: chi router over the engine. Handlers only translate HTTP to engine
//          calls; every decision is made in the engine.
//
// Caller token: Authorization: Bearer <t> or X-Token. Only its presence is
// checked here; channel ownership is checked by the engine.
// Caller IP: first X-Forwarded-For entry, else the remote address.
//
// ============================================================================

package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/aigc-gateway/internal/engine"
	"github.com/ChuLiYu/aigc-gateway/internal/push"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

const maxBodySize = 4 << 20

// Deps 建立 Handler 所需的元件
type Deps struct {
	Engine *engine.Engine
	Hub    *push.Hub // nil disables the watch endpoints
	Logger *slog.Logger
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type server struct {
	engine *engine.Engine
	hub    *push.Hub
	log    *slog.Logger
}

// NewHandler 建立完整的 HTTP 路由
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: deps.Engine, hub: deps.Hub, log: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/workers", s.handleWorkers)
		r.Post("/replies", s.handleReply)

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{key}", s.handlePoll)
		r.Post("/jobs/{key}/consume", s.handleConsume)
		r.Post("/jobs/{key}/cancel", s.handleCancel)
		r.Get("/jobs/{key}/watch", s.handleWatch("key"))

		r.Post("/channels", s.handleOpenChannel)
		r.Get("/channels/{code}", s.handleGetChannel)
		r.Delete("/channels/{code}", s.handleCloseChannel)
		r.Post("/channels/{code}/stop", s.handleStopChannel)
		r.Post("/channels/{code}/keepalive", s.handleKeepAlive)
		r.Get("/channels/{code}/history", s.handleHistory)
		r.Get("/channels/{code}/watch", s.handleWatch("code"))
	})
	return r
}

// requestLogger 每個請求一行 Debug 日誌，5xx 以 Warn 記錄
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ============================================================================
// Request helpers
// ============================================================================

func callerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Token"))
}

func callerIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return false
	}
	return true
}

// ============================================================================
// Jobs
// ============================================================================

type submitBody struct {
	Operation     string          `json:"operation"`
	ResourceKey   string          `json:"resource_key"`
	Channel       string          `json:"channel"`
	Participant   string          `json:"participant"`
	Payload       json.RawMessage `json:"payload"`
	Mode          string          `json:"mode"`
	TimeoutMillis int64           `json:"timeout_ms"`
	Reset         bool            `json:"reset"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Operation:     types.JobKind(body.Operation),
		ResourceKey:   body.ResourceKey,
		Channel:       body.Channel,
		Token:         callerToken(r),
		CallerIP:      callerIP(r),
		Participant:   body.Participant,
		Payload:       body.Payload,
		Mode:          engine.Mode(body.Mode),
		TimeoutMillis: body.TimeoutMillis,
		Reset:         body.Reset,
	})
	if err != nil && res.Key == "" {
		writeError(w, err)
		return
	}
	writeJSON(w, submitStatus(res), res)
}

// submitStatus: a failed future reports its own error kind, a job still
// running is 202.
func submitStatus(res engine.SubmitResult) int {
	switch {
	case res.State == types.StateFailed && res.Future != nil && res.Future.Error != nil:
		return StatusFor(res.Future.Error.Kind)
	case res.State.IsTerminal():
		return http.StatusOK
	default:
		return http.StatusAccepted
	}
}

func (s *server) handlePoll(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Poll(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Consume(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	f, err := s.engine.Cancel(chi.URLParam(r, "key"), callerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleReply lets units that speak HTTP deliver replies. Unmatched replies
// are accepted and dropped.
func (s *server) handleReply(w http.ResponseWriter, r *http.Request) {
	var reply types.Reply
	if !decodeBody(w, r, &reply) {
		return
	}
	if reply.ResourceKey == "" {
		badRequest(w, "resource_key is required")
		return
	}
	switch reply.Status {
	case types.ReplyAck, types.ReplySuccess, types.ReplyFailure:
	default:
		badRequest(w, "unknown reply status %q", reply.Status)
		return
	}
	matched := s.engine.Gateway().HandleReply(reply)
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

// ============================================================================
// Channels
// ============================================================================

type openChannelBody struct {
	Code        string `json:"code"`
	Participant string `json:"participant"`
}

func (s *server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	var body openChannelBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	view, err := s.engine.OpenChannel(body.Code, callerToken(r), body.Participant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetChannel(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CloseChannel(chi.URLParam(r, "code"), callerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.StopChannel(chi.URLParam(r, "code"), callerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.KeepAlive(chi.URLParam(r, "code")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	code := chi.URLParam(r, "code")
	if _, err := s.engine.GetChannel(code); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.engine.History(r.Context(), code, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "history": entries})
}

// ============================================================================
// Status
// ============================================================================

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{"workers": st.Workers, "load": st.Load})
}
