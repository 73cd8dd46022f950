// Package api exposes the orchestrator over HTTP: microservice registration,
// session lifecycle commands and SSE event streams.
package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/orchestrator"
	"github.com/robolinkhq/session-manager/internal/v1/registry"
	"github.com/robolinkhq/session-manager/internal/v1/rtc"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	bus      *events.Bus
}

// NewServer creates the handler set.
func NewServer(orch *orchestrator.Orchestrator, reg *registry.Registry, bus *events.Bus) *Server {
	return &Server{orch: orch, registry: reg, bus: bus}
}

// Routes mounts the /api/v1 surface on the router.
func (s *Server) Routes(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/microservices/register", s.registerMicroservice)
	v1.GET("/microservices", s.listMicroservices)
	v1.POST("/create-session", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.deleteSession)
	v1.GET("/sessions/:id/events", s.sessionEvents)
	v1.GET("/events", s.globalEvents)
}

// errorResponse is the uniform error body. Codes follow the service's error
// taxonomy: invalid_request, session_not_found, rtc_transport,
// microservice_transport, join_timeout, internal.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": errorResponse{Code: code, Message: message}})
}

type registerRequest struct {
	ServiceID string            `json:"service_id" binding:"required"`
	Endpoint  string            `json:"endpoint" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) registerMicroservice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if u, err := url.ParseRequestURI(req.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "endpoint must be an absolute URL")
		return
	}

	s.registry.Register(types.NewMicroservice(types.ServiceIdType(req.ServiceID), req.Endpoint, req.Metadata))

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"service_id": req.ServiceID,
		"message":    "Microservice registered successfully",
	})
}

func (s *Server) listMicroservices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"microservices": s.registry.List()})
}

type createSessionRequest struct {
	UserIdentity string            `json:"user_identity" binding:"required"`
	UserName     string            `json:"user_name"`
	RoomName     string            `json:"room_name"`
	Metadata     map[string]string `json:"metadata"`
	// RequiredServices omitted means all available services; an explicit
	// empty array means none.
	RequiredServices *[]string `json:"required_services"`
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	RoomName    string `json:"room_name"`
	AccessToken string `json:"access_token"`
	RtcURL      string `json:"rtc_url"`
	Status      string `json:"status"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	orchReq := orchestrator.CreateSessionRequest{
		UserIdentity: req.UserIdentity,
		UserName:     req.UserName,
		RoomName:     req.RoomName,
		Metadata:     req.Metadata,
	}
	if req.RequiredServices != nil {
		orchReq.RequiredServices = *req.RequiredServices
		if orchReq.RequiredServices == nil {
			orchReq.RequiredServices = []string{}
		}
	}

	desc, err := s.orch.CreateSession(c.Request.Context(), orchReq)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, orchestrator.ErrShuttingDown):
			respondError(c, http.StatusServiceUnavailable, "internal", err.Error())
		case errors.Is(err, rtc.ErrTransport):
			respondError(c, http.StatusInternalServerError, "rtc_transport", err.Error())
		default:
			logging.Error(c.Request.Context(), "Create session failed", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, createSessionResponse{
		SessionID:   string(desc.SessionID),
		RoomName:    string(desc.RoomName),
		AccessToken: desc.AccessToken,
		RtcURL:      desc.RtcURL,
		Status:      string(desc.Status),
	})
}

type sessionStatusResponse struct {
	SessionID        string            `json:"session_id"`
	RoomName         string            `json:"room_name"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	RequiredServices []string          `json:"required_services"`
	ReadyServices    []string          `json:"ready_services"`
	PendingServices  []string          `json:"pending_services"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (s *Server) getSession(c *gin.Context) {
	id := types.SessionIdType(c.Param("id"))
	session, err := s.orch.GetSession(id)
	if err != nil {
		respondError(c, http.StatusNotFound, "session_not_found", "session "+c.Param("id")+" not found")
		return
	}

	required := make([]string, 0, len(session.RequiredServices))
	for _, svc := range session.RequiredServices {
		required = append(required, string(svc.ServiceId))
	}
	ready := make([]string, 0, len(session.ReadyServices))
	for sid := range session.ReadyServices {
		ready = append(ready, string(sid))
	}
	pending := make([]string, 0)
	for _, sid := range session.PendingServices() {
		pending = append(pending, string(sid))
	}

	c.JSON(http.StatusOK, sessionStatusResponse{
		SessionID:        string(session.ID),
		RoomName:         string(session.RoomName),
		Status:           string(session.Status),
		CreatedAt:        session.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:        session.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		RequiredServices: required,
		ReadyServices:    ready,
		PendingServices:  pending,
		Metadata:         session.Metadata,
	})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := types.SessionIdType(c.Param("id"))
	if err := s.orch.Terminate(id, "terminated by API request"); err != nil {
		respondError(c, http.StatusNotFound, "session_not_found", "session "+c.Param("id")+" not found")
		return
	}
	// Termination runs in the background; the caller observes progress via
	// the session's event stream.
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": string(id),
		"status":     string(types.StatusTerminating),
	})
}
