package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// fakeMonitor is a scripted room monitor. Tests drive it with emit and
// inspect whether the orchestrator closed it.
type fakeMonitor struct {
	mu     sync.Mutex
	events chan types.RoomEvent
	closed bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{events: make(chan types.RoomEvent, 32)}
}

func (m *fakeMonitor) Events() <-chan types.RoomEvent { return m.events }

func (m *fakeMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *fakeMonitor) emit(ev types.RoomEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.events <- ev
	}
}

func (m *fakeMonitor) joined(identity string) {
	m.emit(types.RoomEvent{Type: types.RoomEventParticipantJoined, Identity: identity})
}

func (m *fakeMonitor) left(identity string) {
	m.emit(types.RoomEvent{Type: types.RoomEventParticipantLeft, Identity: identity})
}

func (m *fakeMonitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fakeGateway records room operations and hands out fake monitors.
type fakeGateway struct {
	mu           sync.Mutex
	createErr    error
	monitorErr   error
	createdRooms []types.RoomNameType
	deletedRooms []types.RoomNameType
	monitors     map[types.RoomNameType]*fakeMonitor

	// openMonitorHook, when set, runs before OpenMonitor returns. Lets tests
	// park the call mid-setup.
	openMonitorHook func()
}

var _ types.RtcGateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{monitors: make(map[types.RoomNameType]*fakeMonitor)}
}

func (g *fakeGateway) CreateRoom(ctx context.Context, name types.RoomNameType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return g.createErr
	}
	g.createdRooms = append(g.createdRooms, name)
	return nil
}

func (g *fakeGateway) DeleteRoom(ctx context.Context, name types.RoomNameType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletedRooms = append(g.deletedRooms, name)
	return nil
}

func (g *fakeGateway) MintToken(identity string, grants types.Grants, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", errors.New("empty identity")
	}
	return "token-" + identity, nil
}

func (g *fakeGateway) OpenMonitor(ctx context.Context, room types.RoomNameType, identity string) (types.RoomMonitor, error) {
	g.mu.Lock()
	monitorErr := g.monitorErr
	hook := g.openMonitorHook
	g.mu.Unlock()

	if monitorErr != nil {
		return nil, monitorErr
	}
	if hook != nil {
		hook()
	}

	m := newFakeMonitor()
	g.mu.Lock()
	g.monitors[room] = m
	g.mu.Unlock()
	return m, nil
}

func (g *fakeGateway) ServerURL() string { return "ws://rtc.test:7880" }

func (g *fakeGateway) monitorFor(room types.RoomNameType) *fakeMonitor {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		m := g.monitors[room]
		g.mu.Unlock()
		if m != nil {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (g *fakeGateway) anyMonitor() *fakeMonitor {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.monitors {
		return m
	}
	return nil
}

func (g *fakeGateway) deleted() []types.RoomNameType {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.RoomNameType, len(g.deletedRooms))
	copy(out, g.deletedRooms)
	return out
}
