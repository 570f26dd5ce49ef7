package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/famcall/famcall/internal/api/middleware"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/database"
	"github.com/famcall/famcall/internal/ice"
	"github.com/famcall/famcall/internal/queue"
	"github.com/famcall/famcall/internal/recording"
)

// Config carries the server-level settings handlers and middleware need.
// The values are resolved once at startup; in particular the JWT secret
// must be the same one handed to the recorder coordinator for callback
// tokens.
type Config struct {
	// JWTSecret verifies member bearer tokens and recorder callback tokens.
	JWTSecret []byte
	// CORSOrigins lists allowed browser origins. Empty allows none.
	CORSOrigins []string
	// TLSEnabled switches on HSTS in the security headers.
	TLSEnabled bool
	// Metrics, when set, is mounted at GET /metrics.
	Metrics http.Handler
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux

	coordinator *call.Coordinator
	queue       *queue.Queue
	ice         *ice.Provider
	devices     database.DeviceTokenRepository
	ingestor    *recording.Ingestor
	files       *recording.Store
	db          *database.DB
	cfg         Config

	defaultLimiter *middleware.IPRateLimiter
	signalLimiter  *middleware.IPRateLimiter
	startTime      time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	co *call.Coordinator,
	q *queue.Queue,
	iceProvider *ice.Provider,
	devices database.DeviceTokenRepository,
	ingestor *recording.Ingestor,
	files *recording.Store,
	db *database.DB,
	cfg Config,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		coordinator:    co,
		queue:          q,
		ice:            iceProvider,
		devices:        devices,
		ingestor:       ingestor,
		files:          files,
		db:             db,
		cfg:            cfg,
		defaultLimiter: middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		signalLimiter:  middleware.NewIPRateLimiter(middleware.SignalRateLimitConfig()),
		startTime:      time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.defaultLimiter.Stop()
	s.signalLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled))
	r.Use(middleware.CORS(s.cfg.CORSOrigins))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/groups/{gid}", func(r chi.Router) {
		// Member-facing call surface.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireMemberAuth(s.cfg.JWTSecret))
			r.Use(middleware.RateLimit(s.defaultLimiter))

			r.Get("/calls", s.handleListCalls)
			r.Post("/calls", s.handleInitiateCall)
			r.Get("/calls/active", s.handleActiveCalls)

			r.Put("/calls/{cid}/respond", s.handleRespondCall)
			r.Put("/calls/{cid}/leave", s.handleLeaveCall)
			r.Put("/calls/{cid}/end", s.handleEndCall)
			r.Put("/calls/{cid}/hide-recording", s.handleHideRecording)

			r.Get("/calls/{cid}/ice-servers", s.handleICEServers)
			r.Post("/calls/{cid}/start-recording", s.handleStartRecording)
			r.Post("/calls/{cid}/stop-recording", s.handleStopRecording)
			r.Get("/calls/{cid}/recording-status", s.handleRecordingStatus)
			r.Get("/calls/{cid}/recording/download", s.handleDownloadRecording)

			r.Post("/devices", s.handleRegisterDevice)
			r.Delete("/devices", s.handleUnregisterDevice)
		})

		// Signaling polls several times a second while a call connects,
		// so it gets the looser rate limit bucket.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireMemberAuth(s.cfg.JWTSecret))
			r.Use(middleware.RateLimit(s.signalLimiter))

			r.Post("/calls/{cid}/signal", s.handleDepositSignal)
			r.Get("/calls/{cid}/signal", s.handleDrainSignals)
		})

		// Recorder-facing surface. The headless recorder authenticates
		// with the callback token minted at start; members may also call
		// these for diagnostics.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCallPeerAuth(s.cfg.JWTSecret))
			r.Use(middleware.RateLimit(s.signalLimiter))

			r.Get("/calls/{cid}/recorder-signal", s.handleRecorderDrain)
			r.Post("/calls/{cid}/recorder-signal", s.handleRecorderDeposit)
			r.Post("/calls/{cid}/recording", s.handleIngestRecording)
		})
	})

	r.Route("/recording-queue", func(r chi.Router) {
		r.Use(middleware.RequireMemberAuth(s.cfg.JWTSecret))
		r.Use(middleware.RateLimit(s.defaultLimiter))

		r.Get("/status", s.handleQueueStatus)
		r.Post("/join", s.handleQueueJoin)
		r.Post("/leave", s.handleQueueLeave)
		r.Get("/position/{qid}", s.handleQueuePosition)
		r.Get("/check-turn/{qid}", s.handleQueueCheckTurn)
	})

	slog.Info("api routes mounted")
}

// memberAuth extracts the authenticated member and checks it against the
// group in the request path. Member tokens are group-scoped; a token for
// another group gets a membership rejection, not a lookup.
func (s *Server) memberAuth(w http.ResponseWriter, r *http.Request) (call.AuthContext, bool) {
	auth := middleware.AuthFromContext(r.Context())
	if auth.MemberID == "" || auth.GroupID != chi.URLParam(r, "gid") {
		writeDomainError(w, call.ErrNotMember)
		return call.AuthContext{}, false
	}
	return auth, true
}

// healthResponse is the shape returned by GET /healthz.
type healthResponse struct {
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	UptimeSec int64  `json:"uptime_sec"`
}

// handleHealth reports process liveness and database reachability.
// Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		StartedAt: s.startTime.UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("health check: database ping failed", "error", err)
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
