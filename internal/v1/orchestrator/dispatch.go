package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/metrics"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// joinRoomRequest is the body POSTed to a microservice's join-room endpoint.
type joinRoomRequest struct {
	RoomName        string `json:"room_name"`
	SessionID       string `json:"session_id"`
	ServiceIdentity string `json:"service_identity"`
	AccessToken     string `json:"access_token"`
	RtcURL          string `json:"rtc_url"`
}

// dispatchJoin asks one microservice to join the session's room, retrying on
// an interval until the monitor confirms the join, the session leaves
// WaitingForServices, or the session scope is cancelled. A 2xx response is
// deliberately not treated as confirmation; only the room monitor decides
// readiness, so re-dispatch continues past an accepted request.
func (o *Orchestrator) dispatchJoin(rt *sessionRuntime, svc types.MicroserviceInfo, token, rtcURL string) {
	defer o.wg.Done()

	ctx := context.WithValue(rt.ctx, logging.SessionIDKey, string(rt.id))
	ctx = context.WithValue(ctx, logging.ServiceIDKey, string(svc.ServiceId))

	o.registry.MarkStatus(svc.ServiceId, types.ServiceJoining)

	body := joinRoomRequest{
		RoomName:        string(rt.roomName),
		SessionID:       string(rt.id),
		ServiceIdentity: string(svc.ServiceId),
		AccessToken:     token,
		RtcURL:          rtcURL,
	}

	for {
		snap, err := o.store.Get(rt.id)
		if err != nil || snap.Status != types.StatusWaitingForServices {
			return
		}
		if _, ok := snap.ReadyServices[svc.ServiceId]; ok {
			return
		}

		if err := o.postJoin(ctx, svc.Endpoint, body); err != nil {
			metrics.JoinDispatchAttempts.WithLabelValues("error").Inc()
			logging.Warn(ctx, "Join dispatch attempt failed",
				zap.String("endpoint", svc.Endpoint), zap.Error(err))
		} else {
			metrics.JoinDispatchAttempts.WithLabelValues("accepted").Inc()
			logging.Debug(ctx, "Join dispatch accepted, awaiting room confirmation",
				zap.String("endpoint", svc.Endpoint))
		}

		select {
		case <-rt.ctx.Done():
			return
		case <-time.After(o.cfg.RetryInterval):
		}
	}
}

func (o *Orchestrator) postJoin(ctx context.Context, endpoint string, body joinRoomRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding join request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"/join-room", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("join-room at %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}
