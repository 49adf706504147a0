package docsync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	docWriteWait = 10 * time.Second
	docPongWait  = 60 * time.Second
)

// Conn is one live per-document sync channel.
type Conn interface {
	Read() (protocol.DocMessage, error)
	Write(message protocol.DocMessage) error
	Close() error
}

// Dialer opens the sync channel for one document path, authorized by the
// room-grant token.
type Dialer interface {
	Dial(ctx context.Context, path, token string) (Conn, error)
}

// WebsocketDialer dials the server's document endpoint.
type WebsocketDialer struct {
	ServerURL string
}

// Dial implements Dialer.
func (dialer *WebsocketDialer) Dial(ctx context.Context, path, token string) (Conn, error) {
	endpoint := fmt.Sprintf("%s/doc?path=%s&token=%s",
		dialer.ServerURL, url.QueryEscape(path), url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("docsync: dial %s: %w", path, err)
	}
	conn.SetReadDeadline(time.Now().Add(docPongWait))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(docPongWait))
		deadline := time.Now().Add(docWriteWait)
		return conn.WriteControl(websocket.PongMessage, []byte(payload), deadline)
	})
	return &websocketConn{conn: conn}, nil
}

// websocketConn serializes writes; update and presence frames come from
// different goroutines.
type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (connection *websocketConn) Read() (protocol.DocMessage, error) {
	var message protocol.DocMessage
	if err := connection.conn.ReadJSON(&message); err != nil {
		return protocol.DocMessage{}, err
	}
	connection.conn.SetReadDeadline(time.Now().Add(docPongWait))
	return message, nil
}

func (connection *websocketConn) Write(message protocol.DocMessage) error {
	connection.writeMu.Lock()
	defer connection.writeMu.Unlock()
	connection.conn.SetWriteDeadline(time.Now().Add(docWriteWait))
	return connection.conn.WriteJSON(message)
}

func (connection *websocketConn) Close() error {
	return connection.conn.Close()
}
