package server

import (
	"time"

	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 64
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
)

// client is one coordination-channel connection. The hub owns all shared
// state; the client only pumps envelopes.
type client struct {
	hub           *Hub
	conn          *websocket.Conn
	participantID string
	roomName      string
	send          chan protocol.Envelope
	done          chan struct{}
	logger        *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *client {
	return &client{
		hub:           hub,
		conn:          conn,
		participantID: newParticipantID(),
		send:          make(chan protocol.Envelope, clientSendBuffer),
		done:          make(chan struct{}),
		logger:        logger,
	}
}

// serve welcomes the connection and pumps it until it drops.
func (connection *client) serve() {
	welcome, err := protocol.NewEnvelope(protocol.TypeWelcome, "",
		protocol.WelcomePayload{ParticipantID: connection.participantID})
	if err != nil {
		connection.conn.Close()
		return
	}
	if err := connection.writeEnvelope(welcome); err != nil {
		connection.conn.Close()
		return
	}

	connection.hub.register(connection)
	go connection.writePump()
	connection.readPump()
}

func (connection *client) readPump() {
	defer func() {
		close(connection.done)
		connection.hub.disconnect(connection)
		connection.conn.Close()
	}()

	connection.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	connection.conn.SetPongHandler(func(string) error {
		connection.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		var envelope protocol.Envelope
		if err := connection.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				connection.logger.Debug("coordination connection dropped",
					zap.String("participant_id", connection.participantID),
					zap.Error(err))
			}
			return
		}
		connection.hub.dispatch(connection, envelope)
	}
}

func (connection *client) writePump() {
	ping := time.NewTicker(clientPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-connection.done:
			return
		case envelope := <-connection.send:
			if err := connection.writeEnvelope(envelope); err != nil {
				return
			}
		case <-ping.C:
			connection.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := connection.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (connection *client) writeEnvelope(envelope protocol.Envelope) error {
	connection.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return connection.conn.WriteJSON(envelope)
}

// enqueue queues an envelope, dropping it if the peer is gone or cannot
// keep up.
func (connection *client) enqueue(envelope protocol.Envelope) {
	select {
	case <-connection.done:
	case connection.send <- envelope:
	default:
	}
}

func (connection *client) respond(request protocol.Envelope, payload any) {
	response, err := protocol.NewEnvelope(protocol.TypeResponse, request.ID, payload)
	if err != nil {
		connection.logger.Error("response encode failed", zap.Error(err))
		return
	}
	connection.enqueue(response)
}
