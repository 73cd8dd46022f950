package rtc

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robolinkhq/session-manager/internal/v1/metrics"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// wireEvent is the frame shape pushed by the RTC server's monitor endpoint.
type wireEvent struct {
	Event    string `json:"event"`
	Identity string `json:"identity,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Monitor is the concrete RoomMonitor over a WebSocket connection. The
// events channel is closed when the read loop ends, whether through Close or
// a server-side disconnect.
type Monitor struct {
	conn   *websocket.Conn
	events chan types.RoomEvent

	closeOnce sync.Once
	closed    chan struct{}
}

var _ types.RoomMonitor = (*Monitor)(nil)

func newMonitor(conn *websocket.Conn) *Monitor {
	m := &Monitor{
		conn:   conn,
		events: make(chan types.RoomEvent, 16),
		closed: make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// Events returns the typed event stream.
func (m *Monitor) Events() <-chan types.RoomEvent {
	return m.events
}

// Close ends the monitoring connection and releases the read loop. Safe to
// call more than once.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		deadline := time.Now().Add(time.Second)
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = m.conn.Close()
	})
	return nil
}

func (m *Monitor) readLoop() {
	defer close(m.events)

	for {
		var we wireEvent
		if err := m.conn.ReadJSON(&we); err != nil {
			select {
			case <-m.closed:
				// Closed locally; not an error.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.emit(types.RoomEvent{Type: types.RoomEventRoomClosed})
				} else {
					m.emit(types.RoomEvent{Type: types.RoomEventTransportError, Err: err})
				}
			}
			return
		}

		switch we.Event {
		case "participant_joined":
			m.emit(types.RoomEvent{Type: types.RoomEventParticipantJoined, Identity: we.Identity})
		case "participant_left":
			m.emit(types.RoomEvent{Type: types.RoomEventParticipantLeft, Identity: we.Identity})
		case "room_closed":
			m.emit(types.RoomEvent{Type: types.RoomEventRoomClosed})
			return
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

func (m *Monitor) emit(ev types.RoomEvent) {
	metrics.MonitorEvents.WithLabelValues(string(ev.Type)).Inc()
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}
