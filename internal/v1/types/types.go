package types

import (
	"context"
	"errors"
	"time"
)

// --- Core Domain Types ---

// SessionIdType represents a unique identifier for a session.
type SessionIdType string

// ServiceIdType represents a unique identifier for a registered microservice.
type ServiceIdType string

// RoomNameType represents the name of an RTC room.
type RoomNameType string

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

// Session lifecycle states. Transitions only move forward; the terminal
// states are Terminating and Terminated.
const (
	StatusCreating           SessionStatus = "creating"
	StatusWaitingForServices SessionStatus = "waiting_for_services"
	StatusReady              SessionStatus = "ready"
	StatusActive             SessionStatus = "active"
	StatusTerminating        SessionStatus = "terminating"
	StatusTerminated         SessionStatus = "terminated"
)

// IsTerminal reports whether the status is Terminating or Terminated.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusTerminating || s == StatusTerminated
}

// ServiceStatus describes the registry-side state of a microservice.
type ServiceStatus string

const (
	ServiceRegistered   ServiceStatus = "registered"
	ServiceJoining      ServiceStatus = "joining"
	ServiceReady        ServiceStatus = "ready"
	ServiceDisconnected ServiceStatus = "disconnected"
)

// MicroserviceInfo is a registry record for a single microservice.
type MicroserviceInfo struct {
	ServiceId    ServiceIdType     `json:"service_id"`
	Endpoint     string            `json:"endpoint"`
	Status       ServiceStatus     `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewMicroservice builds a registry record in the Registered state with
// RegisteredAt set to the current wall time.
func NewMicroservice(id ServiceIdType, endpoint string, metadata map[string]string) MicroserviceInfo {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return MicroserviceInfo{
		ServiceId:    id,
		Endpoint:     endpoint,
		Status:       ServiceRegistered,
		RegisteredAt: time.Now().UTC(),
		Metadata:     metadata,
	}
}

// IsAvailable reports whether the service can be captured by a new session.
func (m MicroserviceInfo) IsAvailable() bool {
	return m.Status != ServiceDisconnected
}

// Session is the central entity of the orchestrator. RequiredServices is a
// snapshot captured at creation time; registry mutations after creation do
// not affect it. The orchestrator is the sole mutator of Status,
// ReadyServices and UpdatedAt, always through SessionStore.Update.
type Session struct {
	ID               SessionIdType              `json:"session_id"`
	RoomName         RoomNameType               `json:"room_name"`
	Status           SessionStatus              `json:"status"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
	ClientToken      string                     `json:"client_token,omitempty"`
	RequiredServices []MicroserviceInfo         `json:"required_services"`
	ReadyServices    map[ServiceIdType]struct{} `json:"ready_services"`
	// ClientConnected tracks the client's room presence independent of
	// status, so a client arriving before the services does not get lost.
	ClientConnected bool              `json:"client_connected"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewSession builds a session in the Creating state.
func NewSession(id SessionIdType, roomName RoomNameType, metadata map[string]string) *Session {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Session{
		ID:            id,
		RoomName:      roomName,
		Status:        StatusCreating,
		CreatedAt:     now,
		UpdatedAt:     now,
		ReadyServices: make(map[ServiceIdType]struct{}),
		Metadata:      metadata,
	}
}

// Touch bumps UpdatedAt, keeping it monotone non-decreasing.
func (s *Session) Touch() {
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// UpdateStatus sets the status and bumps UpdatedAt.
func (s *Session) UpdateStatus(status SessionStatus) {
	s.Status = status
	s.Touch()
}

// RequiredServiceIDs returns the id set captured at creation.
func (s *Session) RequiredServiceIDs() map[ServiceIdType]struct{} {
	ids := make(map[ServiceIdType]struct{}, len(s.RequiredServices))
	for _, svc := range s.RequiredServices {
		ids[svc.ServiceId] = struct{}{}
	}
	return ids
}

// IsRequiredService reports whether id is part of the creation snapshot.
func (s *Session) IsRequiredService(id ServiceIdType) bool {
	for _, svc := range s.RequiredServices {
		if svc.ServiceId == id {
			return true
		}
	}
	return false
}

// MarkServiceReady records a confirmed join. Returns false if the service
// was already marked ready, making duplicate joins a no-op.
func (s *Session) MarkServiceReady(id ServiceIdType) bool {
	if _, ok := s.ReadyServices[id]; ok {
		return false
	}
	s.ReadyServices[id] = struct{}{}
	s.Touch()
	return true
}

// AllServicesReady reports whether ReadyServices covers the required set.
func (s *Session) AllServicesReady() bool {
	for _, svc := range s.RequiredServices {
		if _, ok := s.ReadyServices[svc.ServiceId]; !ok {
			return false
		}
	}
	return true
}

// PendingServices lists required services not yet observed in the room.
func (s *Session) PendingServices() []ServiceIdType {
	var pending []ServiceIdType
	for _, svc := range s.RequiredServices {
		if _, ok := s.ReadyServices[svc.ServiceId]; !ok {
			pending = append(pending, svc.ServiceId)
		}
	}
	return pending
}

// ReadyServiceIDs lists services observed in the room.
func (s *Session) ReadyServiceIDs() []ServiceIdType {
	ids := make([]ServiceIdType, 0, len(s.ReadyServices))
	for id := range s.ReadyServices {
		ids = append(ids, id)
	}
	return ids
}

// Clone returns a deep copy so readers never observe in-place mutation.
func (s *Session) Clone() Session {
	cp := *s
	cp.RequiredServices = make([]MicroserviceInfo, len(s.RequiredServices))
	copy(cp.RequiredServices, s.RequiredServices)
	cp.ReadyServices = make(map[ServiceIdType]struct{}, len(s.ReadyServices))
	for id := range s.ReadyServices {
		cp.ReadyServices[id] = struct{}{}
	}
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// ErrSessionNotFound is returned by SessionStore lookups for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// --- Shared Interfaces ---

// SessionStore is the capability interface over session storage. Update runs
// the mutator under the session's own lock; two concurrent updates for the
// same id never interleave.
type SessionStore interface {
	Put(s *Session)
	Get(id SessionIdType) (Session, error)
	Update(id SessionIdType, fn func(*Session) error) error
	Delete(id SessionIdType) error
	List() []Session
}

// Grants enumerates the capabilities attached to an access token.
type Grants struct {
	Room           RoomNameType
	RoomJoin       bool
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
	RoomAdmin      bool
	Hidden         bool
}

// RoomEventType tags events surfaced by a room monitor.
type RoomEventType string

const (
	RoomEventParticipantJoined RoomEventType = "participant_joined"
	RoomEventParticipantLeft   RoomEventType = "participant_left"
	RoomEventRoomClosed        RoomEventType = "room_closed"
	RoomEventTransportError    RoomEventType = "transport_error"
)

// RoomEvent is a typed participant-lifecycle notification from the RTC server.
type RoomEvent struct {
	Type     RoomEventType
	Identity string
	Err      error
}

// RoomMonitor is the orchestrator's hidden attachment to a room. Events is
// closed when the connection ends, whether by Close or by the server.
type RoomMonitor interface {
	Events() <-chan RoomEvent
	Close() error
}

// RtcGateway adapts the external room-control API. All methods may fail with
// a transport error; setup paths retry, teardown paths log and swallow.
type RtcGateway interface {
	CreateRoom(ctx context.Context, name RoomNameType) error
	DeleteRoom(ctx context.Context, name RoomNameType) error
	MintToken(identity string, grants Grants, ttl time.Duration) (string, error)
	OpenMonitor(ctx context.Context, room RoomNameType, identity string) (RoomMonitor, error)
	ServerURL() string
}
