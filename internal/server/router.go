package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/cowritehq/cowrite/internal/auth"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/cowritehq/cowrite/internal/remotefs"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingHub    = errors.New("server: hub dependency required")
	errMissingTokens = errors.New("server: token issuer dependency required")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are local editors, not browsers; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Hub    *Hub
	Tokens *auth.DocTokenIssuer
	Logger *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the coordination channel,
// per-document channels and the room listing.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:    deps.Hub,
		tokens: deps.Tokens,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/rooms", handler.handleRooms)
	router.GET("/ws", handler.handleCoordination)
	router.GET("/doc", handler.handleDocument)

	return router, nil
}

type httpHandler struct {
	hub    *Hub
	tokens *auth.DocTokenIssuer
	logger *zap.Logger
}

func (handler *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.RoomListPayload{Rooms: handler.hub.RoomList()})
}

func (handler *httpHandler) handleCoordination(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		handler.logger.Warn("coordination upgrade failed", zap.Error(err))
		return
	}
	newClient(handler.hub, conn, handler.logger).serve()
}

func (handler *httpHandler) handleDocument(c *gin.Context) {
	participant, room, err := handler.tokens.Validate(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	path, err := remotefs.CleanVirtual(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return
	}

	channel, alive := handler.hub.docChannelFor(room, path)
	if !alive {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_gone"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		handler.logger.Warn("document upgrade failed", zap.Error(err))
		return
	}

	subscriber, replay := channel.attach(participant)
	handler.serveDocument(conn, channel, subscriber, replay)
}

func (handler *httpHandler) serveDocument(conn *websocket.Conn, channel *docChannel, subscriber *docSubscriber, replay []protocol.DocMessage) {
	defer func() {
		handler.hub.releaseDocChannel(channel, subscriber.id)
		conn.Close()
	}()

	// History replay first, so a late attacher converges before live frames.
	for _, message := range replay {
		conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := conn.WriteJSON(message); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteJSON(protocol.DocMessage{Kind: protocol.DocKindSyncDone}); err != nil {
		return
	}

	// The writer drains the stream until the subscriber's done channel fires,
	// either through detach or a cut-off by broadcast. Closing the conn on
	// exit unblocks the read loop below so the whole attachment unwinds.
	go func() {
		defer conn.Close()
		ping := time.NewTicker(clientPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-subscriber.done:
				return
			case message := <-subscriber.stream:
				conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
				if err := conn.WriteJSON(message); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})
	for {
		var message protocol.DocMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}
		// The handshake identity is authoritative for attribution.
		message.Participant = subscriber.participant
		channel.broadcast(subscriber.id, message)
	}
}
