// Package transport maintains the client's persistent coordination-channel
// connection: a single websocket carrying room lifecycle requests, relayed
// filesystem RPCs and server pushes. Requests are correlated to responses by
// id, so concurrently issued calls may resolve out of issue order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRPCTimeout   = 30 * time.Second
	defaultReconnectMax = 60 * time.Second
	writeWait           = 10 * time.Second
)

var (
	// ErrRequestTimeout reports an RPC that received no response within the
	// session's request timeout.
	ErrRequestTimeout = errors.New("transport: request timed out")
	// ErrDisconnected reports a call attempted or in flight while the
	// session had no live connection.
	ErrDisconnected = errors.New("transport: session disconnected")
	// ErrClosed reports use of a session after Close.
	ErrClosed = errors.New("transport: session closed")

	errMissingURL = errors.New("transport: server url required")
)

// Status describes the session connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// SessionConfig configures a coordination session.
type SessionConfig struct {
	ServerURL    string
	RPCTimeout   time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

// Session is the client end of the coordination channel.
type Session struct {
	serverURL    string
	rpcTimeout   time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	participantID string
	pending       map[string]chan protocol.Envelope
	pushHandler   func(protocol.Envelope)
	statusHandler func(Status)
	closed        bool

	writeMu sync.Mutex
}

// NewSession constructs a Session; Connect must be called before use.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errMissingURL
	}
	rpcTimeout := cfg.RPCTimeout
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = defaultReconnectMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		serverURL:    cfg.ServerURL,
		rpcTimeout:   rpcTimeout,
		reconnectMax: reconnectMax,
		logger:       logger,
		pending:      make(map[string]chan protocol.Envelope),
	}, nil
}

// OnPush installs the handler for server-initiated envelopes. Must be set
// before Connect.
func (session *Session) OnPush(handler func(protocol.Envelope)) {
	session.mu.Lock()
	session.pushHandler = handler
	session.mu.Unlock()
}

// OnStatus installs the connection-status observer. Must be set before
// Connect.
func (session *Session) OnStatus(handler func(Status)) {
	session.mu.Lock()
	session.statusHandler = handler
	session.mu.Unlock()
}

// ParticipantID returns the id assigned by the server for the current
// connection. Not stable across reconnects unless explicitly recovered.
func (session *Session) ParticipantID() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.participantID
}

// AdoptParticipantID rebinds the session to a recovered identity. The server
// performs the same rebinding when it grants a recoverState request.
func (session *Session) AdoptParticipantID(participantID string) {
	if participantID == "" {
		return
	}
	session.mu.Lock()
	session.participantID = participantID
	session.mu.Unlock()
}

// Connect establishes the websocket and waits for the server's welcome.
func (session *Session) Connect(ctx context.Context) error {
	session.notifyStatus(StatusConnecting)
	if err := session.dial(ctx); err != nil {
		session.notifyStatus(StatusDisconnected)
		return err
	}
	session.notifyStatus(StatusConnected)
	go session.readLoop()
	return nil
}

func (session *Session) notifyStatus(status Status) {
	session.mu.Lock()
	handler := session.statusHandler
	session.mu.Unlock()
	if handler != nil {
		handler(status)
	}
}

func (session *Session) dial(ctx context.Context) error {
	endpoint := session.serverURL + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	var welcome protocol.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("transport: read welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return fmt.Errorf("transport: expected welcome, got %s", welcome.Type)
	}
	var payload protocol.WelcomePayload
	if err := protocol.DecodePayload(welcome, &payload); err != nil {
		conn.Close()
		return err
	}

	session.mu.Lock()
	session.conn = conn
	session.participantID = payload.ParticipantID
	session.mu.Unlock()

	session.logger.Info("coordination session established",
		zap.String("participant_id", payload.ParticipantID))
	return nil
}

func (session *Session) readLoop() {
	for {
		session.mu.Lock()
		conn := session.conn
		closed := session.closed
		session.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			session.handleDrop(err)
			return
		}
		session.route(envelope)
	}
}

func (session *Session) route(envelope protocol.Envelope) {
	if envelope.ID != "" &&
		(envelope.Type == protocol.TypeResponse || envelope.Type == protocol.TypeFSResponse) {
		session.mu.Lock()
		waiter, ok := session.pending[envelope.ID]
		if ok {
			delete(session.pending, envelope.ID)
		}
		handler := session.pushHandler
		session.mu.Unlock()
		if ok {
			waiter <- envelope
			return
		}
		// A response nobody waits for: a superseded call already timed out.
		if handler != nil {
			session.logger.Debug("dropping unclaimed response", zap.String("id", envelope.ID))
		}
		return
	}

	session.mu.Lock()
	handler := session.pushHandler
	session.mu.Unlock()
	if handler != nil {
		handler(envelope)
	}
}

func (session *Session) handleDrop(cause error) {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return
	}
	if session.conn != nil {
		session.conn.Close()
		session.conn = nil
	}
	session.failPendingLocked()
	session.mu.Unlock()

	session.logger.Warn("coordination session dropped", zap.Error(cause))
	session.notifyStatus(StatusDisconnected)
	go session.reconnect()
}

func (session *Session) failPendingLocked() {
	for id, waiter := range session.pending {
		delete(session.pending, id)
		close(waiter)
	}
}

func (session *Session) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = session.reconnectMax
	policy.MaxElapsedTime = 0

	operation := func() error {
		session.mu.Lock()
		closed := session.closed
		session.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrClosed)
		}
		session.notifyStatus(StatusConnecting)
		return session.dial(context.Background())
	}

	if err := backoff.Retry(operation, policy); err != nil {
		session.logger.Warn("reconnect abandoned", zap.Error(err))
		return
	}
	session.notifyStatus(StatusConnected)
	go session.readLoop()
}

// Call issues a request envelope and decodes the correlated response into
// out (which may be nil for bare acknowledgements).
func (session *Session) Call(ctx context.Context, messageType protocol.MessageType, payload any, out any) error {
	envelope, err := protocol.NewEnvelope(messageType, uuid.NewString(), payload)
	if err != nil {
		return err
	}

	waiter := make(chan protocol.Envelope, 1)
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return ErrClosed
	}
	if session.conn == nil {
		session.mu.Unlock()
		return ErrDisconnected
	}
	session.pending[envelope.ID] = waiter
	session.mu.Unlock()

	if err := session.writeEnvelope(envelope); err != nil {
		session.mu.Lock()
		delete(session.pending, envelope.ID)
		session.mu.Unlock()
		return err
	}

	timer := time.NewTimer(session.rpcTimeout)
	defer timer.Stop()

	select {
	case response, ok := <-waiter:
		if !ok {
			return ErrDisconnected
		}
		if out == nil {
			return nil
		}
		return protocol.DecodePayload(response, out)
	case <-timer.C:
		session.mu.Lock()
		delete(session.pending, envelope.ID)
		session.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestTimeout, messageType)
	case <-ctx.Done():
		session.mu.Lock()
		delete(session.pending, envelope.ID)
		session.mu.Unlock()
		return ctx.Err()
	}
}

// CallFS implements the filesystem proxy's round-trip primitive.
func (session *Session) CallFS(ctx context.Context, request protocol.FSRequestPayload) (protocol.FSResponsePayload, error) {
	var response protocol.FSResponsePayload
	if err := session.Call(ctx, protocol.TypeFSRequest, request, &response); err != nil {
		return protocol.FSResponsePayload{}, err
	}
	return response, nil
}

// Notify sends a fire-and-forget envelope.
func (session *Session) Notify(messageType protocol.MessageType, payload any) error {
	envelope, err := protocol.NewEnvelope(messageType, "", payload)
	if err != nil {
		return err
	}
	return session.writeEnvelope(envelope)
}

// Respond answers a relayed request envelope, preserving its correlation id
// and addressing the original sender.
func (session *Session) Respond(request protocol.Envelope, messageType protocol.MessageType, payload any) error {
	envelope, err := protocol.NewEnvelope(messageType, request.ID, payload)
	if err != nil {
		return err
	}
	envelope.To = request.From
	return session.writeEnvelope(envelope)
}

func (session *Session) writeEnvelope(envelope protocol.Envelope) error {
	session.mu.Lock()
	conn := session.conn
	closed := session.closed
	session.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(envelope)
}

// Close tears the session down; pending calls fail with ErrDisconnected.
func (session *Session) Close() error {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return nil
	}
	session.closed = true
	conn := session.conn
	session.conn = nil
	session.failPendingLocked()
	session.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
