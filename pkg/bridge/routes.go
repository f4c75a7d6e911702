package bridge

import (
	"net/http"

	"github.com/DeBrosOfficial/roverlink/pkg/channel"
	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/httputil"
	"github.com/DeBrosOfficial/roverlink/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server mounts the bridges and the registry introspection endpoints.
type Server struct {
	reg     *channel.Registry
	control *ControlBridge
	video   *VideoBridge
	metrics http.Handler
}

// NewServer builds a server. Any of control, video and metrics may be nil,
// in which case the matching route is not mounted.
func NewServer(reg *channel.Registry, control *ControlBridge, video *VideoBridge, metrics http.Handler) *Server {
	return &Server{reg: reg, control: control, video: video, metrics: metrics}
}

// ChannelsResponse is the body of GET /v1/channels. The optional role
// query parameter limits the listing to one role and stats=false omits the
// totals.
type ChannelsResponse struct {
	Publishers  []channel.ChannelInfo `json:"publishers,omitempty"`
	Subscribers []channel.ChannelInfo `json:"subscribers,omitempty"`
	Stats       *channel.Stats        `json:"stats,omitempty"`
}

// Routes returns the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Get("/v1/channels", s.channelsHandler)
	if s.control != nil {
		r.Handle("/control", s.control)
	}
	if s.video != nil {
		r.Handle("/video", s.video)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w)
}

func (s *Server) channelsHandler(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetReqID(r.Context())
	if s.reg == nil {
		errors.WriteHTTPError(w, errors.NewNotReadyError("registry", "unavailable"), traceID)
		return
	}

	var resp ChannelsResponse
	switch role := httputil.QueryParam(r, "role", ""); role {
	case "":
		resp.Publishers = s.reg.Channels(transport.RolePublisher)
		resp.Subscribers = s.reg.Channels(transport.RoleSubscriber)
	default:
		parsed, err := transport.ParseRole(role)
		if err != nil {
			errors.WriteHTTPError(w, errors.NewValidationError("role", err.Error(), role), traceID)
			return
		}
		if parsed == transport.RolePublisher {
			resp.Publishers = s.reg.Channels(parsed)
		} else {
			resp.Subscribers = s.reg.Channels(parsed)
		}
	}
	if httputil.QueryParamBool(r, "stats", true) {
		stats := s.reg.Stats()
		resp.Stats = &stats
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
