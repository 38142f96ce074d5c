// Package api serves the campaign control API, the Prometheus endpoint
// and, with the stream gateway, the carrier's callbacks.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callsurvey/internal/api/middleware"
	"github.com/flowpbx/callsurvey/internal/campaign"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// Campaigns is the campaign control surface.
type Campaigns interface {
	CreateTemplate(ctx context.Context, t survey.Template) (survey.Template, error)
	CreateCampaign(ctx context.Context, req campaign.CreateRequest) (survey.Campaign, error)
	StartCampaign(ctx context.Context, id string) (campaign.StartResult, error)
	StopCampaign(ctx context.Context, id string) error
	CampaignStatus(ctx context.Context, id string) (survey.CampaignMetrics, error)
}

// QueueSizer returns the number of queued call requests.
type QueueSizer interface {
	Size(ctx context.Context) (int, error)
}

// ActiveCounter returns the number of calls in progress.
type ActiveCounter interface {
	ActiveCount() int
}

// TrunkHealth reports whether the SIP trunk answers OPTIONS pings.
type TrunkHealth interface {
	Healthy() bool
}

// CarrierCallbacks are the stream gateway's HTTP endpoints.
type CarrierCallbacks interface {
	HandleStream(w http.ResponseWriter, r *http.Request)
	HandleStatus(w http.ResponseWriter, r *http.Request)
}

// Deps are the server's collaborators. Trunk, Carrier, Metrics and
// RateLimiter may be nil.
type Deps struct {
	Campaigns   Campaigns
	Queue       QueueSizer
	Calls       ActiveCounter
	Trunk       TrunkHealth
	Carrier     CarrierCallbacks
	Metrics     http.Handler
	RateLimiter *middleware.IPRateLimiter
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		logger:  logger.With("subsystem", "api"),
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.RateLimiter != nil {
			r.Use(middleware.RateLimit(s.deps.RateLimiter))
		}

		r.Get("/health", s.handleHealth)
		r.Post("/templates", s.handleCreateTemplate)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/start", s.handleStartCampaign)
				r.Post("/stop", s.handleStopCampaign)
				r.Get("/status", s.handleCampaignStatus)
			})
		})
	})

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	// The carrier authenticates with its own token, so these skip the
	// API rate limit.
	if s.deps.Carrier != nil {
		r.Route("/telephony", func(r chi.Router) {
			r.Get("/stream", s.deps.Carrier.HandleStream)
			r.Post("/status", s.deps.Carrier.HandleStatus)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status       string `json:"status"`
	QueueSize    int    `json:"queue_size"`
	ActiveCalls  int    `json:"active_calls"`
	TrunkHealthy *bool  `json:"trunk_healthy,omitempty"`
	UptimeSec    int64  `json:"uptime_sec"`
}

// handleHealth reports queue depth and active calls. A queue backend that
// cannot be read makes the service unhealthy; an unreachable trunk only
// shows in the body, since calls already up are unaffected.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Calls != nil {
		resp.ActiveCalls = s.deps.Calls.ActiveCount()
	}
	if s.deps.Trunk != nil {
		healthy := s.deps.Trunk.Healthy()
		resp.TrunkHealthy = &healthy
	}

	status := http.StatusOK
	if s.deps.Queue != nil {
		n, err := s.deps.Queue.Size(r.Context())
		if err != nil {
			s.logger.Warn("health check could not read queue", "error", err)
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		resp.QueueSize = n
	}
	writeJSON(w, status, resp)
}
