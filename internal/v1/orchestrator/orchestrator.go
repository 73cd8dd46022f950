// Package orchestrator owns the session state machine. It composes the
// session store, the microservice registry, the RTC gateway and the event
// bus, and drives the multi-party join rendezvous that makes a session
// usable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/metrics"
	"github.com/robolinkhq/session-manager/internal/v1/registry"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// monitorIdentityPrefix marks the orchestrator's own hidden participants.
// Room events for these identities are ignored.
const monitorIdentityPrefix = "session-manager-"

// ErrInvalidRequest marks create-session requests that cannot be served:
// missing fields or required services absent from the registry.
var ErrInvalidRequest = errors.New("invalid request")

// ErrShuttingDown is returned for create-session during shutdown.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config carries the rendezvous timing knobs.
type Config struct {
	// JoinTimeout is the overall service-join deadline (default 60s).
	JoinTimeout time.Duration
	// ClientJoinTimeout is armed on entry to Ready (default 300s).
	ClientJoinTimeout time.Duration
	// DispatchTimeout is the per-call HTTP timeout for join dispatch (default 30s).
	DispatchTimeout time.Duration
	// RetryInterval is the wait between join-dispatch attempts (default 30s).
	RetryInterval time.Duration
	// TokenTTL is the client and microservice token lifetime (default 6h).
	TokenTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 60 * time.Second
	}
	if c.ClientJoinTimeout <= 0 {
		c.ClientJoinTimeout = 300 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 6 * time.Hour
	}
	return c
}

// CreateSessionRequest is the inbound create-session command.
type CreateSessionRequest struct {
	UserIdentity string
	UserName     string
	RoomName     string
	Metadata     map[string]string
	// RequiredServices selects specific registered services. Nil means all
	// currently available services; an empty slice means none.
	RequiredServices []string
}

// SessionDescriptor is returned to the create-session caller. The join
// rendezvous completes in the background, observable through the event bus.
type SessionDescriptor struct {
	SessionID   types.SessionIdType
	RoomName    types.RoomNameType
	AccessToken string
	RtcURL      string
	Status      types.SessionStatus
}

// Orchestrator drives session lifecycles. It is the sole mutator of session
// status, ready-service sets and timestamps.
type Orchestrator struct {
	store      types.SessionStore
	registry   *registry.Registry
	gateway    types.RtcGateway
	bus        *events.Bus
	cfg        Config
	httpClient *http.Client

	mu       sync.Mutex
	runtimes map[types.SessionIdType]*sessionRuntime
	closed   bool

	wg sync.WaitGroup
}

// sessionRuntime holds the per-session concurrent machinery: the session's
// cancellation scope, its monitor handle and its deadline timers. Tasks only
// carry the session id and reach state through the store, never through a
// session pointer.
type sessionRuntime struct {
	id       types.SessionIdType
	roomName types.RoomNameType
	ctx      context.Context
	cancel   context.CancelFunc

	// monitor is guarded by monMu so a handle opened while termination is
	// in flight is never leaked: once terminating is set, attachMonitor
	// refuses the handle and the caller closes it instead.
	monMu       sync.Mutex
	monitor     types.RoomMonitor
	terminating bool

	timerMu        sync.Mutex
	joinDeadline   *time.Timer
	clientDeadline *time.Timer
	clientArmOnce  sync.Once

	terminateOnce sync.Once
}

// attachMonitor hands the monitor to the runtime. Returns false when the
// termination protocol already passed its monitor-close step, in which case
// the caller owns closing the handle.
func (rt *sessionRuntime) attachMonitor(m types.RoomMonitor) bool {
	rt.monMu.Lock()
	defer rt.monMu.Unlock()
	if rt.terminating {
		return false
	}
	rt.monitor = m
	return true
}

// detachMonitor marks the runtime terminating and surrenders the monitor
// handle, if one was attached.
func (rt *sessionRuntime) detachMonitor() types.RoomMonitor {
	rt.monMu.Lock()
	defer rt.monMu.Unlock()
	rt.terminating = true
	return rt.monitor
}

func (rt *sessionRuntime) stopTimers() {
	rt.timerMu.Lock()
	defer rt.timerMu.Unlock()
	if rt.joinDeadline != nil {
		rt.joinDeadline.Stop()
	}
	if rt.clientDeadline != nil {
		rt.clientDeadline.Stop()
	}
}

// New builds an orchestrator. The HTTP client is shared by all join-dispatch
// loops; per-call deadlines come from Config.DispatchTimeout.
func New(store types.SessionStore, reg *registry.Registry, gateway types.RtcGateway, bus *events.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		registry:   reg,
		gateway:    gateway,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		runtimes:   make(map[types.SessionIdType]*sessionRuntime),
	}
}

// CreateSession runs the create-session protocol. It returns once the
// session has reached WaitingForServices (room created, tokens minted,
// monitor open); the rendezvous itself is never awaited.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (SessionDescriptor, error) {
	if req.UserIdentity == "" {
		return SessionDescriptor{}, fmt.Errorf("%w: user_identity is required", ErrInvalidRequest)
	}

	// Snapshot the required services. Registry mutations after this point do
	// not affect the session.
	var services []types.MicroserviceInfo
	if req.RequiredServices != nil {
		ids := make([]types.ServiceIdType, len(req.RequiredServices))
		for i, id := range req.RequiredServices {
			ids[i] = types.ServiceIdType(id)
		}
		var err error
		services, err = o.registry.GetByIDs(ids)
		if err != nil {
			return SessionDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	} else {
		services = o.registry.ListAvailable()
	}

	id := types.SessionIdType(uuid.NewString())
	roomName := types.RoomNameType(req.RoomName)
	if roomName == "" {
		roomName = types.RoomNameType("room-" + string(id))
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["user_identity"] = req.UserIdentity
	if req.UserName != "" {
		metadata["user_name"] = req.UserName
	}

	session := types.NewSession(id, roomName, metadata)
	session.RequiredServices = services

	rt, err := o.addRuntime(id, roomName)
	if err != nil {
		return SessionDescriptor{}, err
	}

	o.store.Put(session)
	metrics.ActiveSessions.Inc()

	logCtx := context.WithValue(ctx, logging.SessionIDKey, string(id))
	logging.Info(logCtx, "Creating session",
		zap.String("room", string(roomName)),
		zap.Int("requiredServices", len(services)))

	// Room allocation retries internally with backoff; exhausted retries are
	// a setup failure and terminate the session.
	if err := o.gateway.CreateRoom(rt.ctx, roomName); err != nil {
		o.failSetup(rt, fmt.Sprintf("room creation failed: %v", err))
		return SessionDescriptor{}, fmt.Errorf("create room: %w", err)
	}

	clientToken, err := o.gateway.MintToken(req.UserIdentity, types.Grants{
		Room:           roomName,
		RoomJoin:       true,
		CanPublish:     true,
		CanSubscribe:   true,
		CanPublishData: true,
	}, o.cfg.TokenTTL)
	if err != nil {
		o.failSetup(rt, fmt.Sprintf("client token minting failed: %v", err))
		return SessionDescriptor{}, fmt.Errorf("mint client token: %w", err)
	}

	serviceTokens := make(map[types.ServiceIdType]string, len(services))
	for _, svc := range services {
		token, err := o.gateway.MintToken(string(svc.ServiceId), types.Grants{
			Room:           roomName,
			RoomJoin:       true,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		}, o.cfg.TokenTTL)
		if err != nil {
			o.failSetup(rt, fmt.Sprintf("service token minting failed: %v", err))
			return SessionDescriptor{}, fmt.Errorf("mint token for %s: %w", svc.ServiceId, err)
		}
		serviceTokens[svc.ServiceId] = token
	}

	monitor, err := o.gateway.OpenMonitor(rt.ctx, roomName, monitorIdentityPrefix+string(id))
	if err != nil {
		o.failSetup(rt, fmt.Sprintf("monitor connection failed: %v", err))
		return SessionDescriptor{}, fmt.Errorf("open monitor: %w", err)
	}
	if !rt.attachMonitor(monitor) {
		// Termination won the race while the monitor was being opened; the
		// session is already gone, so release the handle and abort setup.
		_ = monitor.Close()
		return SessionDescriptor{}, fmt.Errorf("session %s terminated during setup", id)
	}

	rtcURL := o.gateway.ServerURL()

	// Transition to WaitingForServices. Publishing inside the update keeps
	// per-session event order intact. A session with no required services is
	// ready immediately.
	immediatelyReady := len(services) == 0
	_ = o.store.Update(id, func(s *types.Session) error {
		s.ClientToken = clientToken
		s.UpdateStatus(types.StatusWaitingForServices)
		o.countTransition(types.StatusWaitingForServices)
		o.bus.Publish(events.SessionCreated(id, roomName, clientToken, rtcURL))
		o.bus.Publish(events.StatusChanged(id, types.StatusWaitingForServices))

		if immediatelyReady {
			s.UpdateStatus(types.StatusReady)
			o.countTransition(types.StatusReady)
			o.bus.Publish(events.StatusChanged(id, types.StatusReady))
			o.bus.Publish(events.SessionReady(id))
		}
		return nil
	})

	o.wg.Add(1)
	go o.drainMonitor(rt, monitor)

	if immediatelyReady {
		o.armClientDeadline(rt)
	} else {
		for _, svc := range services {
			o.wg.Add(1)
			go o.dispatchJoin(rt, svc, serviceTokens[svc.ServiceId], rtcURL)
		}
		o.armJoinDeadline(rt)
	}

	status := types.StatusWaitingForServices
	if immediatelyReady {
		status = types.StatusReady
	}
	return SessionDescriptor{
		SessionID:   id,
		RoomName:    roomName,
		AccessToken: clientToken,
		RtcURL:      rtcURL,
		Status:      status,
	}, nil
}

// GetSession returns a snapshot of a session.
func (o *Orchestrator) GetSession(id types.SessionIdType) (types.Session, error) {
	return o.store.Get(id)
}

// ListSessions returns snapshots of all live sessions.
func (o *Orchestrator) ListSessions() []types.Session {
	return o.store.List()
}

// Terminate drives a session to Terminated. Idempotent: repeated calls for
// the same id after the first are no-ops, and unknown ids report not found.
func (o *Orchestrator) Terminate(id types.SessionIdType, reason string) error {
	o.mu.Lock()
	rt, ok := o.runtimes[id]
	o.mu.Unlock()
	if !ok {
		return types.ErrSessionNotFound
	}
	o.terminate(rt, reason)
	return nil
}

// terminate starts the termination protocol exactly once per session. It is
// asynchronous so it is safe to call from the monitor-drain goroutine and
// from deadline timers.
func (o *Orchestrator) terminate(rt *sessionRuntime, reason string) {
	rt.terminateOnce.Do(func() {
		o.wg.Add(1)
		go o.runTermination(rt, reason)
	})
}

// terminateWithError publishes an Error event before terminating. Used for
// room-closed and transport failures.
func (o *Orchestrator) terminateWithError(rt *sessionRuntime, message string) {
	_ = o.store.Update(rt.id, func(s *types.Session) error {
		if !s.Status.IsTerminal() {
			o.bus.Publish(events.Error(rt.id, message))
		}
		return nil
	})
	o.terminate(rt, message)
}

// failSetup handles failures of the create-session protocol after the
// session row exists.
func (o *Orchestrator) failSetup(rt *sessionRuntime, message string) {
	logging.Error(context.Background(), "Session setup failed",
		zap.String("sessionId", string(rt.id)), zap.String("reason", message))
	o.terminateWithError(rt, message)
}

// runTermination executes the termination protocol: status transition,
// then tasks, monitor, room, store row and event channels, in that order.
func (o *Orchestrator) runTermination(rt *sessionRuntime, reason string) {
	defer o.wg.Done()

	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(rt.id))
	logging.Info(ctx, "Terminating session", zap.String("reason", reason))

	_ = o.store.Update(rt.id, func(s *types.Session) error {
		if !s.Status.IsTerminal() {
			s.UpdateStatus(types.StatusTerminating)
			o.countTransition(types.StatusTerminating)
			o.bus.Publish(events.StatusChanged(rt.id, types.StatusTerminating))
		}
		return nil
	})

	// Cancel join-dispatch loops and deadline timers, then drop the monitor
	// attachment. Closing the monitor ends the drain goroutine.
	rt.cancel()
	rt.stopTimers()
	if m := rt.detachMonitor(); m != nil {
		_ = m.Close()
	}

	// Best-effort external cleanup; failures during teardown are logged and
	// swallowed.
	deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.gateway.DeleteRoom(deleteCtx, rt.roomName); err != nil {
		logging.Warn(ctx, "Failed to delete RTC room during termination",
			zap.String("room", string(rt.roomName)), zap.Error(err))
	}

	_ = o.store.Update(rt.id, func(s *types.Session) error {
		s.UpdateStatus(types.StatusTerminated)
		o.countTransition(types.StatusTerminated)
		o.bus.Publish(events.StatusChanged(rt.id, types.StatusTerminated))
		return nil
	})
	if err := o.store.Delete(rt.id); err == nil {
		metrics.ActiveSessions.Dec()
	}

	o.bus.CloseSession(rt.id)

	o.mu.Lock()
	delete(o.runtimes, rt.id)
	o.mu.Unlock()

	logging.Info(ctx, "Session terminated")
}

// Shutdown terminates every live session and waits for their tasks, bounded
// by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	rts := make([]*sessionRuntime, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		rts = append(rts, rt)
	}
	o.mu.Unlock()

	for _, rt := range rts {
		o.terminate(rt, "orchestrator shutdown")
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) countTransition(to types.SessionStatus) {
	metrics.StateTransitions.WithLabelValues(string(to)).Inc()
}

func (o *Orchestrator) addRuntime(id types.SessionIdType, roomName types.RoomNameType) (*sessionRuntime, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &sessionRuntime{
		id:       id,
		roomName: roomName,
		ctx:      ctx,
		cancel:   cancel,
	}
	o.runtimes[id] = rt
	return rt, nil
}

// armJoinDeadline starts the service-join deadline. On expiry the session is
// terminated unless the ready set already covers the required set.
func (o *Orchestrator) armJoinDeadline(rt *sessionRuntime) {
	rt.timerMu.Lock()
	defer rt.timerMu.Unlock()
	rt.joinDeadline = time.AfterFunc(o.cfg.JoinTimeout, func() {
		expired := false
		_ = o.store.Update(rt.id, func(s *types.Session) error {
			if s.Status == types.StatusWaitingForServices && !s.AllServicesReady() {
				expired = true
			}
			return nil
		})
		if expired {
			o.terminate(rt, "service-join timeout")
		}
	})
}

// armClientDeadline starts the client-join deadline, once, on entry to Ready.
func (o *Orchestrator) armClientDeadline(rt *sessionRuntime) {
	rt.clientArmOnce.Do(func() {
		rt.timerMu.Lock()
		defer rt.timerMu.Unlock()
		rt.clientDeadline = time.AfterFunc(o.cfg.ClientJoinTimeout, func() {
			expired := false
			_ = o.store.Update(rt.id, func(s *types.Session) error {
				if s.Status == types.StatusReady {
					expired = true
				}
				return nil
			})
			if expired {
				o.terminate(rt, "client-join timeout")
			}
		})
	})
}

func (rt *sessionRuntime) stopClientDeadline() {
	rt.timerMu.Lock()
	defer rt.timerMu.Unlock()
	if rt.clientDeadline != nil {
		rt.clientDeadline.Stop()
	}
}

func (rt *sessionRuntime) stopJoinDeadline() {
	rt.timerMu.Lock()
	defer rt.timerMu.Unlock()
	if rt.joinDeadline != nil {
		rt.joinDeadline.Stop()
	}
}
