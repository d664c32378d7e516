package mqttd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/golang-io/mqttd/packet"
)

// A Client connects to a broker and runs the client side of a session. Inbound messages
// go to the PublishHandler given to OnPublish.
type Client struct {
	URL *url.URL

	// DialContext specifies the dial function for mqtt and tcp URLs. If nil, package net
	// is used.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTLSContext specifies the dial function for mqtts and tls URLs. The returned
	// net.Conn is assumed to already be past the TLS handshake.
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	options Options
	publish PublishHandler
	control ControlHandler
}

func New(opts ...Option) *Client {
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		panic(err)
	}
	return &Client{URL: u, options: options, publish: NotImplemented{}, control: DefaultControl{}}
}

// OnPublish installs the handler for messages the broker delivers.
func (c *Client) OnPublish(h PublishHandler) *Client {
	if h == nil {
		h = NotImplemented{}
	}
	c.publish = h
	return c
}

// OnControl installs the handler for control events such as Closed.
func (c *Client) OnControl(h ControlHandler) *Client {
	if h == nil {
		h = DefaultControl{}
	}
	c.control = h
	return c
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	scheme, addr := c.URL.Scheme, c.URL.Host
	if c.DialContext != nil && (scheme == "tcp" || scheme == "mqtt") {
		con, err := c.DialContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqttd: DialContext hook returned (nil, nil)")
		}
		return con, err
	}
	if c.DialTLSContext != nil && (scheme == "tls" || scheme == "mqtts") {
		con, err := c.DialTLSContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqttd: DialTLSContext hook returned (nil, nil)")
		}
		return con, err
	}

	switch scheme {
	case "mqtt", "tcp":
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	case "mqtts", "tls":
		return (&tls.Dialer{Config: c.options.TLSConfig}).DialContext(ctx, "tcp", addr)
	case "ws", "wss":
		return dialWebsocket(ctx, c.URL, c.options.TLSConfig)
	}
	return nil, fmt.Errorf("mqttd: unsupported scheme %q", scheme)
}

// Connect dials the broker, performs the handshake and subscribes to the Subscription
// options. ctx bounds these steps only; the session lasts until Sink().Close, a protocol
// error or the loss of the connection.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	log := c.options.Logger.With("client_id", c.options.ClientID, "server", c.URL.Host)
	rwc, err := c.dial(ctx)
	if err != nil {
		log.Debug("dial failed", "err", err)
		return nil, err
	}
	s, err := c.handshake(ctx, rwc)
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}

	d := newDispatcher(rwc, RoleClient, c.options)
	d.session, d.proto, d.dec.Version = s, protocolFor(s.version), s.version
	d.publish, d.control = c.publish, c.control
	go func() {
		_ = d.run(context.WithoutCancel(ctx))
	}()

	if subs := c.options.Subscriptions; len(subs) != 0 {
		codes, err := s.Sink().Subscribe(ctx, subs...)
		if err == nil {
			for i, code := range codes {
				if code.Failed() {
					err = fmt.Errorf("mqttd: subscribe %q: %w", subs[i].TopicFilter, code)
					break
				}
			}
		}
		if err != nil {
			_ = s.Sink().Close(packet.CodeDisconnect)
			return nil, err
		}
	}
	return s, nil
}

func (c *Client) handshake(ctx context.Context, rwc net.Conn) (*Session, error) {
	o := c.options
	v5 := o.Version == packet.VERSION500
	connect := &packet.CONNECT{
		FixedHeader: &packet.FixedHeader{Version: o.Version},
		CleanStart:  o.CleanStart,
		KeepAlive:   uint16(min(o.KeepAlive/time.Second, 65535)),
		ClientID:    o.ClientID,
		Username:    o.Username,
		Password:    o.Password,
	}
	if v5 {
		connect.Props = &packet.ConnectProperties{
			ReceiveMaximum:    o.ReceiveMaximum,
			TopicAliasMaximum: o.TopicAliasMaximum,
			MaximumPacketSize: o.MaxPacketSize,
		}
	}

	deadline, ok := ctx.Deadline()
	if o.HandshakeTimeout > 0 {
		if d := time.Now().Add(o.HandshakeTimeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if ok {
		_ = rwc.SetDeadline(deadline)
	}
	if err := connect.Pack(rwc); err != nil {
		return nil, err
	}
	pkt, err := packet.Unpack(o.Version, rwc)
	if err != nil {
		return nil, err
	}
	_ = rwc.SetDeadline(time.Time{})
	connack, ok := pkt.(*packet.CONNACK)
	if !ok {
		return nil, fmt.Errorf("%w: expected CONNACK, got %s", ErrProtocolViolation, packet.Kind[pkt.Kind()])
	}
	if connack.ReasonCode.Code != 0 {
		return nil, fmt.Errorf("mqttd: connect refused: %w", connack.ReasonCode)
	}

	clientID, keepAlive, sendQuota := o.ClientID, o.KeepAlive, uint16(65535)
	if props := connack.Props; v5 && props != nil {
		if props.AssignedClientIdentifier != "" {
			clientID = props.AssignedClientIdentifier
		}
		if props.ServerKeepAlive != nil {
			keepAlive = time.Duration(*props.ServerKeepAlive) * time.Second
		}
		if props.ReceiveMaximum != 0 {
			sendQuota = props.ReceiveMaximum
		}
	}
	if o.MaxInflight != 0 {
		sendQuota = min(sendQuota, o.MaxInflight)
	}
	return newSession(sessionParams{
		clientID:   clientID,
		version:    o.Version,
		role:       RoleClient,
		remote:     rwc.RemoteAddr(),
		keepAlive:  keepAlive,
		cleanStart: o.CleanStart,
		present:    connack.SessionPresent,
		receiveMax: o.ReceiveMaximum,
		sendQuota:  sendQuota,
		aliasMax:   o.TopicAliasMaximum,
		queueSize:  o.QueueSize,
		logger:     o.Logger,
	}), nil
}

// ConnectAndServe keeps a session up until ctx is done, reconnecting every three seconds
// after a failure. ready is called with every new session.
func (c *Client) ConnectAndServe(ctx context.Context, ready func(*Session)) error {
	log := c.options.Logger.With("client_id", c.options.ClientID, "server", c.URL.Host)
	timer := time.NewTimer(0)
	defer timer.Stop()
	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(3 * time.Second)
		}
		s, err := c.Connect(ctx)
		if err != nil {
			count++
			if count == 1 || count%10 == 0 {
				log.Warn("connect failed", "count", count, "err", err)
			}
			continue
		}
		count = 0
		if ready != nil {
			ready(s)
		}
		select {
		case <-s.Done():
			log.Info("session ended", "err", s.Err())
		case <-ctx.Done():
			_ = s.Sink().Close(packet.CodeDisconnect)
			<-s.Done()
			return ctx.Err()
		}
	}
}
