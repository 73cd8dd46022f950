// Package rtc adapts the external room-control API: room allocation, access
// token minting and the orchestrator's monitoring attachment.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/metrics"
	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// ErrTransport marks failures reaching the room-control API. Setup paths
// retry on it; teardown paths log and swallow it.
var ErrTransport = errors.New("rtc: transport failure")

// Config configures the gateway.
type Config struct {
	// ServerURL is the RTC server address, ws:// or http:// scheme.
	ServerURL string
	APIKey    string
	APISecret string

	// Room options applied to every created room.
	EmptyTimeout    time.Duration
	MaxParticipants int

	// CreateRoomRetries bounds the create-room retry loop. Zero means 3.
	CreateRoomRetries int
}

// Gateway is the concrete RtcGateway backed by the room-control HTTP API and
// a WebSocket monitor endpoint. The underlying HTTP client is shared and
// connection-pooled.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
	cb         *gobreaker.CircuitBreaker
}

var _ types.RtcGateway = (*Gateway)(nil)

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.CreateRoomRetries <= 0 {
		cfg.CreateRoomRetries = 3
	}
	st := gobreaker.Settings{
		Name:        "rtc-room-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// ServerURL returns the address clients and microservices connect to.
func (g *Gateway) ServerURL() string {
	return g.cfg.ServerURL
}

// apiURL rewrites the ws/wss server URL to its http/https equivalent for
// room-control API calls.
func (g *Gateway) apiURL() string {
	u := g.cfg.ServerURL
	switch {
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	default:
		return u
	}
}

// wsURL rewrites the server URL to its ws/wss equivalent for the monitor
// connection.
func (g *Gateway) wsURL() string {
	u := g.cfg.ServerURL
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	default:
		return u
	}
}

// twirpError is the error shape returned by the room-control API.
type twirpError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// roomRequest performs one room-control API call through the circuit
// breaker. Non-2xx responses are returned as a twirp error code.
func (g *Gateway) roomRequest(ctx context.Context, operation string, payload any) (code string, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RtcRequestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	}()

	result, err := g.cb.Execute(func() (interface{}, error) {
		token, err := g.adminToken()
		if err != nil {
			return "", err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}

		url := fmt.Sprintf("%s/twirp/livekit.RoomService/%s", g.apiURL(), operation)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrTransport, operation, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return "", nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var terr twirpError
		if jerr := json.Unmarshal(raw, &terr); jerr == nil && terr.Code != "" {
			return terr.Code, nil
		}
		return "", fmt.Errorf("%w: %s: status %d", ErrTransport, operation, resp.StatusCode)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return "", fmt.Errorf("%w: %s: circuit breaker open", ErrTransport, operation)
		}
		return "", err
	}
	return result.(string), nil
}

// CreateRoom allocates a room with the configured empty-room timeout and
// participant cap. Transient failures are retried with exponential backoff,
// bounded by CreateRoomRetries. An already-existing room is success.
func (g *Gateway) CreateRoom(ctx context.Context, name types.RoomNameType) error {
	payload := map[string]any{
		"name":             string(name),
		"empty_timeout":    int(g.cfg.EmptyTimeout.Seconds()),
		"max_participants": g.cfg.MaxParticipants,
	}

	operation := func() (struct{}, error) {
		code, err := g.roomRequest(ctx, "CreateRoom", payload)
		if err != nil {
			return struct{}{}, err
		}
		switch code {
		case "", "already_exists":
			return struct{}{}, nil
		default:
			// Non-transport API rejection; retrying will not help.
			return struct{}{}, backoff.Permanent(fmt.Errorf("create room %s: %s", name, code))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.cfg.CreateRoomRetries)))
	if err != nil {
		logging.Error(ctx, "Failed to create RTC room",
			zap.String("room", string(name)), zap.Error(err))
		return err
	}

	logging.Info(ctx, "Created RTC room", zap.String("room", string(name)))
	return nil
}

// DeleteRoom removes a room. A room that is already gone is success, which
// makes termination idempotent from the caller's view.
func (g *Gateway) DeleteRoom(ctx context.Context, name types.RoomNameType) error {
	code, err := g.roomRequest(ctx, "DeleteRoom", map[string]any{"room": string(name)})
	if err != nil {
		return err
	}
	switch code {
	case "", "not_found":
		return nil
	default:
		return fmt.Errorf("delete room %s: %s", name, code)
	}
}

// Ping verifies room-control API reachability. Used by readiness checks.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.roomRequest(ctx, "ListRooms", map[string]any{})
	return err
}

// OpenMonitor attaches a hidden monitoring participant to the room and
// returns a handle delivering typed participant-lifecycle events. Dropping
// the handle (Close) ends the monitoring connection.
func (g *Gateway) OpenMonitor(ctx context.Context, room types.RoomNameType, identity string) (types.RoomMonitor, error) {
	token, err := g.MintToken(identity, types.Grants{
		Room:      room,
		RoomJoin:  true,
		RoomAdmin: true,
		Hidden:    true,
	}, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/monitor?room=%s&access_token=%s", g.wsURL(), room, token)
	conn, resp, err := g.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: monitor dial: %v", ErrTransport, err)
	}

	logging.Info(ctx, "Opened room monitor",
		zap.String("room", string(room)), zap.String("identity", identity))
	return newMonitor(conn), nil
}
