package mqttd

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"
)

const stackSize = 64 << 10

// conn is one accepted connection of a Server.
type conn struct {
	// server is the server on which the connection arrived. Immutable; never nil.
	server *Server

	// rwc is the underlying network connection, a *net.TCPConn, *tls.Conn or *wsConn.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(), populated in serve.
	remoteAddr string

	// tlsState is the TLS connection state when using TLS. nil means not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	session atomic.Pointer[Session]
}

func (c *conn) setState(state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case ConnNew:
		srv.trackConn(c, true)
	case ConnClosed:
		srv.trackConn(c, false)
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(c.rwc, state)
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// serve runs the connection until its session ends.
func (c *conn) serve(ctx context.Context) {
	if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}
	log := c.server.app.opts.Logger.With("remote", c.remoteAddr)

	defer func() {
		if err := recover(); err != nil {
			buf := make([]byte, stackSize)
			buf = buf[:runtime.Stack(buf, false)]
			log.Error("panic serving connection", "err", err, "stack", string(buf))
		}
		if s := c.session.Load(); s != nil {
			c.server.trackSession(s, false)
		}
		_ = c.rwc.Close()
		c.setState(ConnClosed, true)
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		if !c.handshakeTLS(ctx, tlsConn, log) {
			return
		}
	}
	c.setState(ConnActive, true)

	err := c.server.app.serveConn(ctx, c.rwc, func(s *Session) {
		c.session.Store(s)
		c.server.trackSession(s, true)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		log.Debug("connection ended", "err", err)
	}
}

func (c *conn) handshakeTLS(ctx context.Context, tlsConn *tls.Conn, log *slog.Logger) bool {
	tlsTO := c.server.app.opts.HandshakeTimeout
	if tlsTO > 0 {
		dl := time.Now().Add(tlsTO)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		// A client that does not speak TLS most likely sent plain MQTT or HTTP.
		var re tls.RecordHeaderError
		reason := err.Error()
		if errors.As(err, &re) && re.Conn != nil {
			_ = re.Conn.Close()
			reason = "client sent plaintext to a TLS listener"
		}
		log.Warn("tls handshake error", "reason", reason)
		return false
	}
	// Restore Conn-level deadlines.
	if tlsTO > 0 {
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
	}
	state := tlsConn.ConnectionState()
	c.tlsState = &state
	return true
}
