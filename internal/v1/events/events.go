// Package events carries session lifecycle events from the orchestrator to
// internal state handling and external SSE subscribers.
package events

import "github.com/robolinkhq/session-manager/internal/v1/types"

// EventType tags the variant of a session event.
type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventMicroserviceJoined   EventType = "microservice_joined"
	EventClientJoined         EventType = "client_joined"
	EventSessionReady         EventType = "session_ready"
	EventSessionStatusChanged EventType = "status_changed"
	EventError                EventType = "error"
)

// Event is a tagged variant; only the fields of the active variant are set.
type Event struct {
	Type      EventType           `json:"type"`
	SessionID types.SessionIdType `json:"session_id"`

	// session_created
	RoomName    types.RoomNameType `json:"room_name,omitempty"`
	AccessToken string             `json:"access_token,omitempty"`
	RtcURL      string             `json:"rtc_url,omitempty"`

	// microservice_joined
	ServiceID types.ServiceIdType `json:"service_id,omitempty"`

	// client_joined
	UserIdentity string `json:"user_identity,omitempty"`

	// session_ready
	AllParticipantsJoined bool `json:"all_participants_joined,omitempty"`

	// status_changed
	Status types.SessionStatus `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// SessionCreated builds the event published on first entry to WaitingForServices.
func SessionCreated(id types.SessionIdType, room types.RoomNameType, accessToken, rtcURL string) Event {
	return Event{
		Type:        EventSessionCreated,
		SessionID:   id,
		RoomName:    room,
		AccessToken: accessToken,
		RtcURL:      rtcURL,
	}
}

// MicroserviceJoined builds the event for a confirmed service join.
func MicroserviceJoined(id types.SessionIdType, serviceID types.ServiceIdType) Event {
	return Event{Type: EventMicroserviceJoined, SessionID: id, ServiceID: serviceID}
}

// ClientJoined builds the event for an observed client join.
func ClientJoined(id types.SessionIdType, identity string) Event {
	return Event{Type: EventClientJoined, SessionID: id, UserIdentity: identity}
}

// SessionReady builds the event published on entry to Ready.
func SessionReady(id types.SessionIdType) Event {
	return Event{Type: EventSessionReady, SessionID: id, AllParticipantsJoined: true}
}

// StatusChanged builds the event published on every state transition.
func StatusChanged(id types.SessionIdType, status types.SessionStatus) Event {
	return Event{Type: EventSessionStatusChanged, SessionID: id, Status: status}
}

// Error builds the event published on unrecoverable failures.
func Error(id types.SessionIdType, message string) Event {
	return Event{Type: EventError, SessionID: id, Message: message}
}
