package mqttd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is the WebSocket subprotocol name registered for MQTT.
const wsSubprotocol = "mqtt"

// wsConn carries the MQTT byte stream in binary WebSocket messages.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.r == nil {
			kind, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: websocket message type %d", ErrProtocolViolation, kind)
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	return errors.Join(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{wsSubprotocol},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// websocketHandler upgrades requests and hands the connection to serve.
func websocketHandler(serve func(net.Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(newWSConn(ws))
	})
}

// dialWebsocket connects to a ws or wss URL; the path defaults to /mqtt.
func dialWebsocket(ctx context.Context, u *url.URL, config *tls.Config) (net.Conn, error) {
	loc := *u
	if loc.Path == "" {
		loc.Path = "/mqtt"
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{wsSubprotocol},
		TLSClientConfig:  config,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, loc.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
