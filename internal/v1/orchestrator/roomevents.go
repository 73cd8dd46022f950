package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// drainMonitor consumes the monitor event stream until it closes. A stream
// that ends without a local Close is a transport failure.
func (o *Orchestrator) drainMonitor(rt *sessionRuntime, monitor types.RoomMonitor) {
	defer o.wg.Done()

	for ev := range monitor.Events() {
		o.handleRoomEvent(rt, ev)
	}

	select {
	case <-rt.ctx.Done():
		// Termination closed the monitor; nothing left to do.
	default:
		o.terminateWithError(rt, "room event stream closed unexpectedly")
	}
}

func (o *Orchestrator) handleRoomEvent(rt *sessionRuntime, ev types.RoomEvent) {
	switch ev.Type {
	case types.RoomEventParticipantJoined:
		o.handleParticipantJoined(rt, ev.Identity)
	case types.RoomEventParticipantLeft:
		o.handleParticipantLeft(rt, ev.Identity)
	case types.RoomEventRoomClosed:
		o.terminateWithError(rt, "room closed by the RTC server")
	case types.RoomEventTransportError:
		o.terminateWithError(rt, fmt.Sprintf("monitor transport error: %v", ev.Err))
	}
}

// handleParticipantJoined is the authoritative join confirmation. An identity
// in the required snapshot is a microservice; anything else (except the
// orchestrator's own monitor) is the client.
func (o *Orchestrator) handleParticipantJoined(rt *sessionRuntime, identity string) {
	if strings.HasPrefix(identity, monitorIdentityPrefix) {
		return
	}

	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(rt.id))

	var becameReady, clientArrived bool
	_ = o.store.Update(rt.id, func(s *types.Session) error {
		if s.Status.IsTerminal() {
			return nil
		}

		sid := types.ServiceIdType(identity)
		if s.IsRequiredService(sid) {
			if s.MarkServiceReady(sid) {
				o.registry.MarkStatus(sid, types.ServiceReady)
				o.bus.Publish(events.MicroserviceJoined(rt.id, sid))
				logging.Info(ctx, "Microservice joined room",
					zap.String("serviceId", identity),
					zap.Int("pending", len(s.PendingServices())))
			}
			if s.Status == types.StatusWaitingForServices && s.AllServicesReady() {
				s.UpdateStatus(types.StatusReady)
				o.countTransition(types.StatusReady)
				o.bus.Publish(events.StatusChanged(rt.id, types.StatusReady))
				o.bus.Publish(events.SessionReady(rt.id))
				becameReady = true

				// A client who arrived during the rendezvous is already in
				// the room; the session goes straight to Active.
				if s.ClientConnected {
					s.UpdateStatus(types.StatusActive)
					o.countTransition(types.StatusActive)
					o.bus.Publish(events.StatusChanged(rt.id, types.StatusActive))
					clientArrived = true
				}
			}
			return nil
		}

		s.ClientConnected = true
		s.Touch()
		o.bus.Publish(events.ClientJoined(rt.id, identity))
		logging.Info(ctx, "Client joined room", zap.String("identity", identity))
		if s.Status == types.StatusReady {
			s.UpdateStatus(types.StatusActive)
			o.countTransition(types.StatusActive)
			o.bus.Publish(events.StatusChanged(rt.id, types.StatusActive))
			clientArrived = true
		}
		return nil
	})

	if becameReady {
		rt.stopJoinDeadline()
		if !clientArrived {
			o.armClientDeadline(rt)
		}
	}
	if clientArrived {
		rt.stopClientDeadline()
	}
}

// handleParticipantLeft applies the departure policy: a session that loses
// its client while Active, or any required service at any point after it
// joined, is no longer usable and is terminated.
func (o *Orchestrator) handleParticipantLeft(rt *sessionRuntime, identity string) {
	if strings.HasPrefix(identity, monitorIdentityPrefix) {
		return
	}

	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(rt.id))

	var terminateReason string
	_ = o.store.Update(rt.id, func(s *types.Session) error {
		if s.Status.IsTerminal() {
			return nil
		}

		sid := types.ServiceIdType(identity)
		if s.IsRequiredService(sid) {
			if _, ok := s.ReadyServices[sid]; !ok {
				return nil
			}
			delete(s.ReadyServices, sid)
			s.Touch()
			o.registry.MarkStatus(sid, types.ServiceDisconnected)
			logging.Warn(ctx, "Required microservice left room", zap.String("serviceId", identity))
			terminateReason = fmt.Sprintf("required service %s left the room", identity)
			return nil
		}

		s.ClientConnected = false
		s.Touch()
		logging.Info(ctx, "Client left room", zap.String("identity", identity))
		if s.Status == types.StatusActive {
			terminateReason = "client left the room"
		}
		return nil
	})

	if terminateReason != "" {
		o.terminate(rt, terminateReason)
	}
}
