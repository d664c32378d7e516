package mqttd

import (
	"context"
	"net"
)

// App binds the three application handlers to the engine options. It serves server side
// connections; see Server for an acceptor and Client for the other role.
type App struct {
	opts    Options
	connect ConnectHandler
	publish PublishHandler
	control ControlHandler
}

// NewApp returns an App that accepts connections through connect. A nil connect accepts
// every client. Publish and control events go to NotImplemented and DefaultControl until
// replaced.
func NewApp(connect ConnectHandler, opts ...Option) *App {
	return &App{
		opts:    newOptions(opts...),
		connect: connect,
		publish: NotImplemented{},
		control: DefaultControl{},
	}
}

// Publish installs the handler for inbound application messages. Nil restores
// NotImplemented.
func (a *App) Publish(h PublishHandler) *App {
	if h == nil {
		h = NotImplemented{}
	}
	a.publish = h
	return a
}

// Control installs the handler for control events. Nil restores DefaultControl.
func (a *App) Control(h ControlHandler) *App {
	if h == nil {
		h = DefaultControl{}
	}
	a.control = h
	return a
}

func (a *App) Options() Options {
	return a.opts
}

// ServeConn runs the server side of one connection until the session ends, the
// handshake fails or ctx is done. conn is closed on return. The returned error is nil
// after a normal close.
func (a *App) ServeConn(ctx context.Context, conn net.Conn) error {
	return a.serveConn(ctx, conn, nil)
}

func (a *App) serveConn(ctx context.Context, conn net.Conn, established func(*Session)) error {
	d := newDispatcher(conn, RoleServer, a.opts)
	d.connect, d.publish, d.control = a.connect, a.publish, a.control
	d.established = established
	return d.run(ctx)
}
