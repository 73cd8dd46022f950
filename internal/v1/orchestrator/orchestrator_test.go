package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/registry"
	"github.com/robolinkhq/session-manager/internal/v1/store"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive connections from join dispatch wind down after the test
		// servers close.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type harness struct {
	store    *store.Store
	registry *registry.Registry
	gateway  *fakeGateway
	bus      *events.Bus
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    store.New(),
		registry: registry.New(),
		gateway:  newFakeGateway(),
		bus:      events.NewBus(events.DefaultBufferSize),
	}
	h.orch = New(h.store, h.registry, h.gateway, h.bus, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func fastConfig() Config {
	return Config{
		JoinTimeout:       2 * time.Second,
		ClientJoinTimeout: 2 * time.Second,
		DispatchTimeout:   time.Second,
		RetryInterval:     25 * time.Millisecond,
	}
}

// joinEndpoint is a microservice stub accepting join-room dispatches.
func joinEndpoint(t *testing.T, calls *atomic.Int32, bodies chan<- map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/join-room", r.URL.Path)
		if calls != nil {
			calls.Add(1)
		}
		if bodies != nil {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			select {
			case bodies <- body:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerService(h *harness, id string, endpoint string) {
	h.registry.Register(types.NewMicroservice(types.ServiceIdType(id), endpoint, nil))
}

// nextOfType drains the subscription until an event of the wanted type
// arrives, failing on timeout.
func nextOfType(t *testing.T, sub *events.Subscription, want events.EventType) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func collectUntilStatus(t *testing.T, sub *events.Subscription, status types.SessionStatus) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "event channel closed while waiting for status %s", status)
			out = append(out, ev)
			if ev.Type == events.EventSessionStatusChanged && ev.Status == status {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, saw %d events", status, len(out))
		}
	}
}

func TestHappyPathRendezvous(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)
	registerService(h, "synthesizer", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitingForServices, desc.Status)
	assert.Equal(t, types.RoomNameType("room-"+string(desc.SessionID)), desc.RoomName)
	assert.NotEmpty(t, desc.AccessToken)
	assert.Equal(t, "ws://rtc.test:7880", desc.RtcURL)

	created := nextOfType(t, sub, events.EventSessionCreated)
	assert.Equal(t, desc.SessionID, created.SessionID)
	assert.Equal(t, desc.AccessToken, created.AccessToken)

	monitor := h.gateway.monitorFor(desc.RoomName)
	require.NotNil(t, monitor)
	monitor.joined("transcriber")
	monitor.joined("synthesizer")

	seen := collectUntilStatus(t, sub, types.StatusReady)
	var joinedIDs []types.ServiceIdType
	for _, ev := range seen {
		if ev.Type == events.EventMicroserviceJoined {
			joinedIDs = append(joinedIDs, ev.ServiceID)
		}
	}
	assert.ElementsMatch(t, []types.ServiceIdType{"transcriber", "synthesizer"}, joinedIDs)
	nextOfType(t, sub, events.EventSessionReady)

	session, err := h.orch.GetSession(desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, session.Status)
	assert.True(t, session.AllServicesReady())

	// Client arrival moves Ready to Active.
	monitor.joined("alice")
	clientEv := nextOfType(t, sub, events.EventClientJoined)
	assert.Equal(t, "alice", clientEv.UserIdentity)
	collectUntilStatus(t, sub, types.StatusActive)
}

func TestPerSessionEventOrder(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	h.gateway.monitorFor(desc.RoomName).joined("transcriber")

	seen := collectUntilStatus(t, sub, types.StatusReady)
	var order []events.EventType
	for _, ev := range seen {
		order = append(order, ev.Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventSessionCreated,
		events.EventSessionStatusChanged, // waiting_for_services
		events.EventMicroserviceJoined,
		events.EventSessionStatusChanged, // ready
	}, order)
	nextOfType(t, sub, events.EventSessionReady)
}

func TestDuplicateJoinIsIgnored(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "a", joinEndpoint(t, nil, nil).URL)
	registerService(h, "b", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	monitor := h.gateway.monitorFor(desc.RoomName)
	monitor.joined("a")
	monitor.joined("a")
	monitor.joined("b")

	seen := collectUntilStatus(t, sub, types.StatusReady)
	joined := 0
	for _, ev := range seen {
		if ev.Type == events.EventMicroserviceJoined {
			joined++
		}
	}
	assert.Equal(t, 2, joined)
}

func TestJoinDispatchCarriesTokenAndRoom(t *testing.T) {
	h := newHarness(t, fastConfig())
	bodies := make(chan map[string]string, 1)
	registerService(h, "transcriber", joinEndpoint(t, nil, bodies).URL)

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	select {
	case body := <-bodies:
		assert.Equal(t, string(desc.RoomName), body["room_name"])
		assert.Equal(t, string(desc.SessionID), body["session_id"])
		assert.Equal(t, "transcriber", body["service_identity"])
		assert.Equal(t, "token-transcriber", body["access_token"])
		assert.Equal(t, "ws://rtc.test:7880", body["rtc_url"])
	case <-time.After(2 * time.Second):
		t.Fatal("join dispatch never reached the service")
	}
}

// An accepted dispatch is not a confirmation: the loop keeps re-dispatching
// until the monitor reports the join.
func TestDispatchRetriesUntilMonitorConfirms(t *testing.T) {
	h := newHarness(t, fastConfig())
	var calls atomic.Int32
	registerService(h, "transcriber", joinEndpoint(t, &calls, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 2 },
		2*time.Second, 10*time.Millisecond, "expected re-dispatch after accepted request")

	h.gateway.monitorFor(desc.RoomName).joined("transcriber")
	nextOfType(t, sub, events.EventSessionReady)

	settled := calls.Load()
	time.Sleep(4 * h.orch.cfg.RetryInterval)
	assert.LessOrEqual(t, calls.Load(), settled+1, "dispatch loop kept running after confirmation")
}

func TestJoinTimeoutTerminatesSession(t *testing.T) {
	cfg := fastConfig()
	cfg.JoinTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	collectUntilStatus(t, sub, types.StatusTerminating)
	collectUntilStatus(t, sub, types.StatusTerminated)

	require.Eventually(t, func() bool {
		_, err := h.orch.GetSession(desc.SessionID)
		return err != nil
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, h.gateway.deleted(), desc.RoomName)
	assert.True(t, h.gateway.monitorFor(desc.RoomName).isClosed())
}

func TestClientJoinTimeoutTerminatesReadySession(t *testing.T) {
	cfg := fastConfig()
	cfg.ClientJoinTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	// No required services: the session is Ready immediately and only the
	// client deadline is armed.
	_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.NoError(t, err)

	collectUntilStatus(t, sub, types.StatusReady)
	collectUntilStatus(t, sub, types.StatusTerminated)
}

func TestNoRequiredServicesFastPath(t *testing.T) {
	h := newHarness(t, fastConfig())

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, desc.Status)

	seen := collectUntilStatus(t, sub, types.StatusReady)
	assert.Equal(t, events.EventSessionCreated, seen[0].Type)
	nextOfType(t, sub, events.EventSessionReady)
}

func TestUnknownRequiredServiceIsInvalidRequest(t *testing.T) {
	h := newHarness(t, fastConfig())

	_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{"ghost"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.orch.ListSessions())
}

func TestEmptyUserIdentityIsInvalidRequest(t *testing.T) {
	h := newHarness(t, fastConfig())
	_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRoomCreationFailureTerminatesSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.gateway.createErr = assert.AnError

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.Error(t, err)

	nextOfType(t, sub, events.EventError)
	collectUntilStatus(t, sub, types.StatusTerminated)
	require.Eventually(t, func() bool {
		return len(h.orch.ListSessions()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientLeavingActiveSessionTerminatesIt(t *testing.T) {
	h := newHarness(t, fastConfig())

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.NoError(t, err)

	monitor := h.gateway.monitorFor(desc.RoomName)
	monitor.joined("alice")
	collectUntilStatus(t, sub, types.StatusActive)

	monitor.left("alice")
	collectUntilStatus(t, sub, types.StatusTerminated)
	assert.Contains(t, h.gateway.deleted(), desc.RoomName)
}

func TestRequiredServiceLeavingTerminatesSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	monitor := h.gateway.monitorFor(desc.RoomName)
	monitor.joined("transcriber")
	nextOfType(t, sub, events.EventSessionReady)

	monitor.left("transcriber")
	collectUntilStatus(t, sub, types.StatusTerminated)

	svc, ok := h.registry.Get("transcriber")
	require.True(t, ok)
	assert.Equal(t, types.ServiceDisconnected, svc.Status)
}

func TestRoomClosedPublishesErrorAndTerminates(t *testing.T) {
	h := newHarness(t, fastConfig())

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.NoError(t, err)

	h.gateway.monitorFor(desc.RoomName).emit(types.RoomEvent{Type: types.RoomEventRoomClosed})

	errEv := nextOfType(t, sub, events.EventError)
	assert.Contains(t, errEv.Message, "room closed")
	collectUntilStatus(t, sub, types.StatusTerminated)
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig())

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
		UserIdentity:     "alice",
		RequiredServices: []string{},
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Terminate(desc.SessionID, "test"))
	require.NoError(t, h.orch.Terminate(desc.SessionID, "test again"))

	collectUntilStatus(t, sub, types.StatusTerminated)

	// Exactly one termination sequence and one room deletion.
	assert.Len(t, h.gateway.deleted(), 1)

	require.Eventually(t, func() bool {
		return h.orch.Terminate(desc.SessionID, "late") != nil
	}, time.Second, 10*time.Millisecond)
}

func TestTerminateUnknownSession(t *testing.T) {
	h := newHarness(t, fastConfig())
	assert.ErrorIs(t, h.orch.Terminate("missing", "test"), types.ErrSessionNotFound)
}

func TestShutdownTerminatesAllSessions(t *testing.T) {
	h := newHarness(t, fastConfig())

	for i := 0; i < 3; i++ {
		_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
			UserIdentity:     "alice",
			RequiredServices: []string{},
		})
		require.NoError(t, err)
	}
	require.Len(t, h.orch.ListSessions(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	assert.Empty(t, h.orch.ListSessions())
	assert.Len(t, h.gateway.deleted(), 3)

	_, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "bob"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

// A monitor whose dial completes only after the session was terminated must
// be closed by the creator, and setup must abort instead of returning a
// descriptor for a session that no longer exists.
func TestMonitorOpenedAfterTerminationIsClosed(t *testing.T) {
	h := newHarness(t, fastConfig())

	opened := make(chan struct{})
	release := make(chan struct{})
	h.gateway.openMonitorHook = func() {
		close(opened)
		<-release
	}

	type result struct {
		desc SessionDescriptor
		err  error
	}
	done := make(chan result, 1)
	go func() {
		desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{
			UserIdentity:     "alice",
			RequiredServices: []string{},
		})
		done <- result{desc, err}
	}()

	<-opened
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))
	close(release)

	res := <-done
	require.Error(t, res.err)
	assert.Empty(t, res.desc.SessionID)
	assert.Empty(t, h.orch.ListSessions())

	require.Eventually(t, func() bool {
		m := h.gateway.anyMonitor()
		return m != nil && m.isClosed()
	}, time.Second, 10*time.Millisecond, "monitor opened after termination must be closed")
}

// A client who arrives while the services are still assembling is not lost:
// the session promotes straight from Ready to Active.
func TestClientArrivingBeforeReadyPromotesOnReady(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	monitor := h.gateway.monitorFor(desc.RoomName)
	monitor.joined("alice")
	clientEv := nextOfType(t, sub, events.EventClientJoined)
	assert.Equal(t, "alice", clientEv.UserIdentity)

	monitor.joined("transcriber")
	collectUntilStatus(t, sub, types.StatusReady)
	collectUntilStatus(t, sub, types.StatusActive)

	session, err := h.orch.GetSession(desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, session.Status)
	assert.True(t, session.ClientConnected)
}

// An early client who leaves again before the services are ready does not
// promote the session; the client deadline still applies.
func TestClientLeavingBeforeReadyIsForgotten(t *testing.T) {
	cfg := fastConfig()
	cfg.ClientJoinTimeout = 500 * time.Millisecond
	h := newHarness(t, cfg)
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	sub := h.bus.SubscribeGlobal()
	defer sub.Cancel()

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	monitor := h.gateway.monitorFor(desc.RoomName)
	monitor.joined("alice")
	nextOfType(t, sub, events.EventClientJoined)
	monitor.left("alice")

	monitor.joined("transcriber")
	collectUntilStatus(t, sub, types.StatusReady)

	session, err := h.orch.GetSession(desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, session.Status)
	assert.False(t, session.ClientConnected)

	// With no client present the client-join deadline still fires.
	collectUntilStatus(t, sub, types.StatusTerminated)
}

func TestSessionSnapshotIsolation(t *testing.T) {
	h := newHarness(t, fastConfig())
	registerService(h, "transcriber", joinEndpoint(t, nil, nil).URL)

	desc, err := h.orch.CreateSession(context.Background(), CreateSessionRequest{UserIdentity: "alice"})
	require.NoError(t, err)

	snap, err := h.orch.GetSession(desc.SessionID)
	require.NoError(t, err)
	snap.ReadyServices["intruder"] = struct{}{}

	fresh, err := h.orch.GetSession(desc.SessionID)
	require.NoError(t, err)
	assert.NotContains(t, fresh.ReadyServices, types.ServiceIdType("intruder"))
}
