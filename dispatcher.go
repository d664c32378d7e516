package mqttd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
	"github.com/golang-io/requests"
	"golang.org/x/sync/errgroup"
)

const readChunk = 4 << 10

// teardownWriteTimeout bounds the queued writes, DISCONNECT and flush of teardown.
const teardownWriteTimeout = time.Second

// frame is one decode result handed from the reader to the dispatcher loop.
type frame struct {
	pkt packet.Packet
	n   int
	err error
}

// dispatcher drives one connection. A single goroutine owns the protocol state and the
// writer; a second one only reads and decodes.
type dispatcher struct {
	role    Role
	opts    Options
	connect ConnectHandler
	publish PublishHandler
	control ControlHandler

	conn  net.Conn
	w     *bufio.Writer
	dec   packet.Decoder
	proto protocol
	log   *slog.Logger

	state   State
	session *Session

	// aliases maps inbound topic aliases to names.
	aliases map[uint16]string

	// established is called once the handshake accepted the session.
	established func(*Session)

	frames   chan frame
	stop     chan struct{}
	stopOnce sync.Once
	timer    *time.Timer

	// writeTimeout bounds every transport write until teardown sets its own deadline.
	writeTimeout time.Duration
	closing      bool

	// unflushed holds QoS 0 deliveries written to w but not yet flushed.
	unflushed []*exchange
}

func newDispatcher(conn net.Conn, role Role, opts Options) *dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &dispatcher{
		role:    role,
		opts:    opts,
		publish: NotImplemented{},
		control: DefaultControl{},
		conn:    conn,
		dec:     packet.Decoder{MaxPacketSize: opts.MaxPacketSize},
		log:     opts.Logger.With("remote", addrString(conn.RemoteAddr()), "role", role.String()),
		aliases: make(map[uint16]string),
		frames:  make(chan frame),
		stop:    make(chan struct{}),

		writeTimeout: opts.WriteTimeout,
	}
	d.w = bufio.NewWriter(deadlineWriter{d})
	return d
}

// deadlineWriter arms a fresh write deadline before each transport write, so a peer that
// stops reading turns into a write error instead of a stalled dispatcher.
type deadlineWriter struct {
	d *dispatcher
}

func (w deadlineWriter) Write(b []byte) (int, error) {
	d := w.d
	if !d.closing && d.writeTimeout > 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	}
	n, err := d.conn.Write(b)
	stat.ByteSent.Add(float64(n))
	return n, err
}

// run serves the connection until the session ends. The transport is closed on return.
func (d *dispatcher) run(ctx context.Context) error {
	var group errgroup.Group
	group.Go(d.read)
	err := d.serve(ctx)
	d.halt()
	_ = d.conn.Close()
	_ = group.Wait()
	return err
}

func (d *dispatcher) halt() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *dispatcher) serve(ctx context.Context) error {
	if d.session == nil {
		d.state = StateAwaitingConnect
		s, err := d.handshake(ctx)
		if err != nil {
			stat.HandshakeFailures.Inc()
			d.log.Debug("handshake failed", "err", err)
			return err
		}
		d.session = s
	}
	d.state = StateEstablished
	d.log = d.session.log
	if ka := d.session.keepAlive; ka > 0 && (d.writeTimeout <= 0 || ka*3/2 < d.writeTimeout) {
		d.writeTimeout = ka * 3 / 2
	}
	stat.ActiveSessions.Inc()
	defer stat.ActiveSessions.Dec()
	if d.established != nil {
		d.established(d.session)
	}
	d.session.log.Info("session established", "version", VersionName(d.session.version), "keep_alive", d.session.keepAlive)
	d.loop(ctx)
	return d.session.Err()
}

// read decodes frames from the transport into d.frames until an error or halt.
func (d *dispatcher) read() error {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		off := 0
		for {
			pkt, n, err := d.dec.Decode(buf[off:])
			if err != nil {
				d.deliver(frame{n: n, err: err})
				return err
			}
			if pkt == nil {
				break
			}
			off += n
			stat.PacketReceived.WithLabelValues(packet.Kind[pkt.Kind()]).Inc()
			if !d.deliver(frame{pkt: pkt, n: n}) {
				return nil
			}
		}
		buf = append(buf[:0], buf[off:]...)

		n, err := d.conn.Read(chunk)
		if n > 0 {
			stat.ByteReceived.Add(float64(n))
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			d.deliver(frame{err: err})
			return err
		}
	}
}

func (d *dispatcher) deliver(f frame) bool {
	select {
	case d.frames <- f:
		return true
	case <-d.stop:
		return false
	}
}

func (d *dispatcher) write(pkt packet.Packet) error {
	if err := pkt.Pack(d.w); err != nil {
		return err
	}
	stat.PacketSent.WithLabelValues(packet.Kind[pkt.Kind()]).Inc()
	if d.session != nil {
		d.session.touchOut()
	}
	return nil
}

// send writes pkt on an established session and closes it on failure.
func (d *dispatcher) send(pkt packet.Packet) {
	if err := d.write(pkt); err != nil {
		d.session.close(fmt.Errorf("write %s: %w", packet.Kind[pkt.Kind()], err))
	}
}

func (d *dispatcher) handshake(ctx context.Context) (*Session, error) {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.HandshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	}
	defer cancel()

	var f frame
	select {
	case f = <-d.frames:
	case <-hctx.Done():
		return nil, d.handshakeErr(ctx)
	}
	if f.err != nil {
		if f.n > 0 && errors.Is(f.err, packet.ErrUnsupportedProtocolVersion) {
			d.proto = v3{}
			_ = d.write(d.proto.connack(false, packet.ErrUnsupportedProtocolVersion, nil))
			_ = d.w.Flush()
		}
		return nil, f.err
	}
	c, ok := f.pkt.(*packet.CONNECT)
	if !ok {
		return nil, fmt.Errorf("%w: first packet is %s", ErrProtocolViolation, packet.Kind[f.pkt.Kind()])
	}
	d.proto = protocolFor(c.Version)

	req := &Connect{Packet: c, RemoteAddr: d.conn.RemoteAddr(), ClientID: c.ClientID}
	if req.ClientID == "" {
		// v3.1.1 only allows an empty identifier together with a clean session
		if c.Version != packet.VERSION500 && !c.CleanStart {
			return nil, d.reject(packet.ErrClientIdentifierNotValid, nil)
		}
		req.ClientID, req.Assigned = "mqttd-"+requests.GenId(), true
	}

	type result struct {
		ack *ConnectAck
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if d.connect == nil {
			ch <- result{req.Ack(), nil}
			return
		}
		ack, err := d.connect.ServeConnect(hctx, req)
		ch <- result{ack, err}
	}()
	var ack *ConnectAck
	select {
	case r := <-ch:
		if r.err != nil {
			d.log.Warn("connect handler failed", "client_id", req.ClientID, "err", r.err)
			return nil, d.reject(reasonOf(r.err, packet.ErrUnspecifiedError), nil)
		}
		ack = r.ack
	case <-hctx.Done():
		return nil, d.handshakeErr(ctx)
	}
	if ack == nil {
		ack = req.Ack()
	}
	if ack.Code.Failed() {
		d.log.Info("connect rejected", "client_id", req.ClientID, "code", ack.Code)
		return nil, d.reject(ack.Code, ack)
	}
	return d.accept(req, ack)
}

func (d *dispatcher) handshakeErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrHandshakeTimeout
}

// reject answers CONNECT with a failure. No session is created.
func (d *dispatcher) reject(code packet.ReasonCode, ack *ConnectAck) error {
	var props *packet.ConnackProperties
	if ack != nil && (ack.ReasonString != "" || len(ack.UserProperties) != 0) {
		props = &packet.ConnackProperties{ReasonString: ack.ReasonString, UserProperties: ack.UserProperties}
	}
	if err := d.write(d.proto.connack(false, code, props)); err != nil {
		return err
	}
	if err := d.w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("mqttd: connect rejected: %w", code)
}

func (d *dispatcher) accept(req *Connect, ack *ConnectAck) (*Session, error) {
	c := req.Packet
	v5 := c.Version == packet.VERSION500

	keepAlive := time.Duration(c.KeepAlive) * time.Second
	props := &packet.ConnackProperties{
		ReceiveMaximum:    d.opts.ReceiveMaximum,
		TopicAliasMaximum: d.opts.TopicAliasMaximum,
		MaximumPacketSize: d.opts.MaxPacketSize,
		ReasonString:      ack.ReasonString,
		UserProperties:    ack.UserProperties,
	}
	if v5 && d.opts.ServerKeepAlive > 0 {
		keepAlive = d.opts.ServerKeepAlive
		ka := uint16(min(keepAlive/time.Second, 65535))
		props.ServerKeepAlive = &ka
	}
	if req.Assigned {
		props.AssignedClientIdentifier = req.ClientID
	}
	unavailable := uint8(0)
	props.SharedSubscriptionAvailable = &unavailable
	props.RetainAvailable = &unavailable

	sendQuota := uint16(65535)
	if v5 && c.Props != nil && c.Props.ReceiveMaximum != 0 {
		sendQuota = c.Props.ReceiveMaximum
	}
	if d.opts.MaxInflight != 0 {
		sendQuota = min(sendQuota, d.opts.MaxInflight)
	}

	s := newSession(sessionParams{
		clientID:   req.ClientID,
		version:    c.Version,
		role:       RoleServer,
		remote:     d.conn.RemoteAddr(),
		keepAlive:  keepAlive,
		cleanStart: c.CleanStart,
		present:    ack.SessionPresent,
		receiveMax: d.opts.ReceiveMaximum,
		sendQuota:  sendQuota,
		aliasMax:   d.opts.TopicAliasMaximum,
		queueSize:  d.opts.QueueSize,
		data:       ack.Data,
		will:       willMessage(c.Will),
		logger:     d.opts.Logger,
	})
	if !v5 {
		props = nil
	}
	d.session = s
	if err := d.write(d.proto.connack(ack.SessionPresent, packet.CodeSuccess, props)); err != nil {
		return nil, err
	}
	if err := d.w.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

func willMessage(w *packet.Will) *Message {
	if w == nil {
		return nil
	}
	msg := &Message{Topic: w.TopicName, Payload: w.Payload, QoS: w.QoS, Retain: w.Retain}
	if p := w.Props; p != nil {
		msg.Props = &packet.PublishProperties{
			PayloadFormatIndicator: p.PayloadFormatIndicator,
			MessageExpiryInterval:  p.MessageExpiryInterval,
			ContentType:            p.ContentType,
			ResponseTopic:          p.ResponseTopic,
			CorrelationData:        p.CorrelationData,
			UserProperties:         p.UserProperties,
		}
	}
	return msg
}

func (d *dispatcher) loop(ctx context.Context) {
	s := d.session
	d.armKeepAlive()
	for !s.isClosed() {
		select {
		case f := <-d.frames:
			d.handleFrame(ctx, f)
		case req := <-s.queue:
			d.handleRequest(req)
		case <-d.keepAliveC():
			d.keepAlive()
		case <-s.closed:
		case <-ctx.Done():
			if d.role == RoleServer {
				s.close(disconnect(packet.ErrServerShuttingDown, ctx.Err()))
			} else {
				s.close(disconnect(packet.CodeDisconnect, errNormalClose))
			}
		}
		if len(s.queue) == 0 && (d.w.Buffered() > 0 || len(d.unflushed) > 0) {
			if err := d.flush(); err != nil {
				s.close(fmt.Errorf("flush: %w", err))
			}
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.teardown(ctx)
}

func (d *dispatcher) handleRequest(req *request) {
	if req.close != nil {
		d.session.close(disconnect(*req.close, errNormalClose))
		return
	}
	err := d.write(req.pkt)
	if err != nil {
		d.session.close(fmt.Errorf("write %s: %w", packet.Kind[req.pkt.Kind()], err))
	}
	if req.flushed != nil {
		if err != nil {
			req.flushed.resolve(ErrSessionClosed)
			return
		}
		d.unflushed = append(d.unflushed, req.flushed)
	}
}

// flush pushes buffered bytes to the transport and settles the QoS 0 deliveries they
// carried.
func (d *dispatcher) flush() error {
	err := d.w.Flush()
	var outcome error
	if err != nil {
		outcome = ErrSessionClosed
	}
	for _, ex := range d.unflushed {
		ex.resolve(outcome)
	}
	d.unflushed = d.unflushed[:0]
	return err
}

func (d *dispatcher) armKeepAlive() {
	if ka := d.session.keepAlive; ka > 0 {
		d.timer = time.NewTimer(ka)
	}
}

func (d *dispatcher) keepAliveC() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

// keepAlive runs when the timer fires. A server allows one and a half intervals without
// traffic in either direction; a client pings after an idle interval and gives up after
// one and a half intervals without hearing from the server.
func (d *dispatcher) keepAlive() {
	s := d.session
	ka := s.keepAlive
	grace := ka * 3 / 2
	now := time.Now()
	sinceIn := now.Sub(time.Unix(0, s.lastIn.Load()))
	sinceOut := now.Sub(time.Unix(0, s.lastOut.Load()))

	switch d.role {
	case RoleServer:
		idle := min(sinceIn, sinceOut)
		if idle >= grace {
			d.expire()
			return
		}
		d.timer.Reset(grace - idle)
	case RoleClient:
		if sinceIn >= grace {
			d.expire()
			return
		}
		if sinceOut >= ka {
			d.send(&packet.PINGREQ{FixedHeader: d.proto.header()})
			sinceOut = 0
		}
		d.timer.Reset(min(grace-sinceIn, ka-sinceOut))
	}
}

func (d *dispatcher) expire() {
	stat.KeepAliveTimeouts.Inc()
	d.session.log.Info("keep alive expired", "keep_alive", d.session.keepAlive)
	d.session.close(disconnect(packet.ErrKeepAliveTimeout, ErrKeepAliveTimeout))
}

func (d *dispatcher) handleFrame(ctx context.Context, f frame) {
	s := d.session
	if f.err != nil {
		if f.n > 0 {
			s.close(disconnect(reasonOf(f.err, packet.ErrMalformedPacket), f.err))
			return
		}
		s.close(f.err)
		return
	}
	s.touchIn()

	switch pkt := f.pkt.(type) {
	case *packet.PUBLISH:
		d.onPublish(ctx, pkt)
	case *packet.PUBACK:
		d.onPuback(pkt)
	case *packet.PUBREC:
		d.onPubrec(pkt)
	case *packet.PUBREL:
		d.onPubrel(ctx, pkt)
	case *packet.PUBCOMP:
		d.onPubcomp(pkt)
	case *packet.SUBSCRIBE:
		if d.expect(RoleServer) {
			d.onSubscribe(ctx, pkt)
		}
	case *packet.SUBACK:
		if d.expect(RoleClient) {
			d.onSuback(pkt)
		}
	case *packet.UNSUBSCRIBE:
		if d.expect(RoleServer) {
			d.onUnsubscribe(ctx, pkt)
		}
	case *packet.UNSUBACK:
		if d.expect(RoleClient) {
			d.onUnsuback(pkt)
		}
	case *packet.PINGREQ:
		if d.expect(RoleServer) {
			if _, err := d.control.ServeControl(ctx, s, &Ping{}); err != nil {
				d.controlFailed(err)
				return
			}
			d.send(&packet.PINGRESP{FixedHeader: d.proto.header()})
		}
	case *packet.PINGRESP:
		d.expect(RoleClient)
	case *packet.DISCONNECT:
		d.onDisconnect(ctx, pkt)
	case *packet.AUTH:
		d.onAuth(ctx, pkt)
	case *packet.CONNECT:
		s.close(violation(packet.ErrProtocolViolationSecondConnect))
	default:
		s.close(violation(packet.ErrProtocolViolationUnexpectedPacket))
	}
}

// expect closes the session when a packet only the other role may receive arrives.
func (d *dispatcher) expect(role Role) bool {
	if d.role != role {
		d.session.close(violation(packet.ErrProtocolViolationUnexpectedPacket))
		return false
	}
	return true
}

func (d *dispatcher) controlFailed(err error) {
	stat.HandlerErrors.Inc()
	d.session.close(disconnect(reasonOf(err, packet.ErrImplementationSpecificError), err))
}

// anomaly records an acknowledgement for an identifier with no matching exchange.
func (d *dispatcher) anomaly(pkt packet.Packet) {
	stat.AckAnomalies.Inc()
	d.session.log.Debug("unexpected acknowledgement", "kind", packet.Kind[pkt.Kind()], "packet_id", packet.ID(pkt))
}

// inbound resolves the topic alias of pkt and builds the handler request.
func (d *dispatcher) inbound(pkt *packet.PUBLISH) (*Publish, error) {
	s := d.session
	name := pkt.Message.TopicName
	if pkt.Props != nil && pkt.Props.TopicAlias != 0 {
		alias := pkt.Props.TopicAlias
		switch {
		case alias > s.aliasMax:
			return nil, violation(packet.ErrTopicAliasInvalid)
		case name != "":
			d.aliases[alias] = name
		default:
			known, ok := d.aliases[alias]
			if !ok {
				return nil, violation(packet.ErrProtocolErr)
			}
			name = known
		}
	} else if name == "" {
		return nil, violation(packet.ErrProtocolViolationNoTopic)
	}
	return &Publish{
		Message: Message{
			Topic:   name,
			Payload: pkt.Message.Content,
			QoS:     pkt.QoS,
			Retain:  pkt.Retain == 1,
			Props:   pkt.Props,
			Origin:  s.id,
		},
		PacketID: pkt.PacketID,
		Dup:      pkt.Dup == 1,
	}, nil
}

func (d *dispatcher) servePublish(ctx context.Context, p *Publish) error {
	err := d.publish.ServePublish(ctx, d.session, p)
	if rc, ok := packet.CodeOf(err); ok && !rc.Failed() {
		return err
	}
	if err != nil {
		stat.HandlerErrors.Inc()
		d.session.log.Warn("publish handler failed", "topic", p.Topic, "qos", p.QoS, "err", err)
	}
	return err
}

func (d *dispatcher) onPublish(ctx context.Context, pkt *packet.PUBLISH) {
	s := d.session
	p, err := d.inbound(pkt)
	if err != nil {
		s.close(err)
		return
	}
	switch pkt.QoS {
	case 0:
		_ = d.servePublish(ctx, p)
	case 1:
		code := packet.CodeSuccess
		if err := d.servePublish(ctx, p); err != nil {
			code = d.proto.publishFailure(err)
		}
		d.send(d.proto.puback(pkt.PacketID, code))
	case 2:
		s.mu.Lock()
		_, dup := s.inbound.get(pkt.PacketID)
		if !dup {
			if len(s.inbound) >= int(s.receiveMax) {
				s.mu.Unlock()
				s.close(violation(packet.ErrReceiveMaximum))
				return
			}
			ex := newExchange(pkt.PacketID, awaitPubrel)
			ex.publish = p
			_ = s.inbound.put(ex)
			stat.Inflight.WithLabelValues(inboundLabel).Inc()
		}
		s.mu.Unlock()
		d.send(d.proto.pubrec(pkt.PacketID, packet.CodeSuccess))
	}
}

// take removes the outbound exchange for id when it waits for state.
func (d *dispatcher) take(id uint16, state exchangeState) (*exchange, bool) {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.outbound.get(id)
	if !ok || ex.state != state {
		return nil, false
	}
	delete(s.outbound, id)
	return ex, true
}

func ackErr(code packet.ReasonCode) error {
	if code.Failed() {
		return code
	}
	return nil
}

func (d *dispatcher) onPuback(pkt *packet.PUBACK) {
	ex, ok := d.take(pkt.PacketID, awaitPuback)
	if !ok {
		d.anomaly(pkt)
		return
	}
	ex.ack = &PublishAck{PacketID: pkt.PacketID, QoS: 1, Code: pkt.ReasonCode, Props: pkt.Props}
	d.session.retire(ex, ackErr(pkt.ReasonCode))
}

func (d *dispatcher) onPubrec(pkt *packet.PUBREC) {
	s := d.session
	id := pkt.PacketID
	s.mu.Lock()
	ex, ok := s.outbound.get(id)
	switch {
	case ok && ex.state == awaitPubrec && pkt.ReasonCode.Failed():
		delete(s.outbound, id)
		s.mu.Unlock()
		ex.ack = &PublishAck{PacketID: id, QoS: 2, Code: pkt.ReasonCode, Props: pkt.Props}
		s.retire(ex, pkt.ReasonCode)
	case ok && (ex.state == awaitPubrec || ex.state == awaitPubcomp):
		ex.state = awaitPubcomp
		s.mu.Unlock()
		d.send(d.proto.pubrel(id, packet.CodeSuccess))
	default:
		s.mu.Unlock()
		d.anomaly(pkt)
		d.send(d.proto.pubrel(id, packet.ErrPacketIdentifierNotFound))
	}
}

func (d *dispatcher) onPubrel(ctx context.Context, pkt *packet.PUBREL) {
	s := d.session
	s.mu.Lock()
	ex, ok := s.inbound.take(pkt.PacketID)
	s.mu.Unlock()
	if !ok {
		d.anomaly(pkt)
		d.send(d.proto.pubcomp(pkt.PacketID, packet.ErrPacketIdentifierNotFound))
		return
	}
	s.retire(ex, nil)
	_ = d.servePublish(ctx, ex.publish)
	d.send(d.proto.pubcomp(pkt.PacketID, packet.CodeSuccess))
}

func (d *dispatcher) onPubcomp(pkt *packet.PUBCOMP) {
	ex, ok := d.take(pkt.PacketID, awaitPubcomp)
	if !ok {
		d.anomaly(pkt)
		return
	}
	ex.ack = &PublishAck{PacketID: pkt.PacketID, QoS: 2, Code: pkt.ReasonCode, Props: pkt.Props}
	d.session.retire(ex, ackErr(pkt.ReasonCode))
}

func (d *dispatcher) onSubscribe(ctx context.Context, pkt *packet.SUBSCRIBE) {
	s := d.session
	for _, sub := range pkt.Subscriptions {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			s.close(disconnect(packet.ErrTopicFilterInvalid, err))
			return
		}
	}
	req := &Subscribe{Packet: pkt, Subscriptions: pkt.Subscriptions}
	res, err := d.control.ServeControl(ctx, s, req)
	if err != nil {
		d.controlFailed(err)
		return
	}
	var id uint32
	if pkt.Props != nil {
		id = pkt.Props.SubscriptionIdentifier
	}
	granted := req.Ack().Codes
	codes := make([]packet.ReasonCode, len(pkt.Subscriptions))
	for i, sub := range pkt.Subscriptions {
		code := granted[i]
		if i < len(res.Codes) {
			code = res.Codes[i]
		}
		if !code.Failed() {
			qos := min(code.Code, sub.MaximumQoS, 2)
			code = packet.NewReasonCode(qos)
			if _, err := s.subs.Add(topic.Subscription{
				Filter:            sub.TopicFilter,
				QoS:               qos,
				NoLocal:           sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished,
				RetainHandling:    sub.RetainHandling,
				Identifier:        id,
			}); err != nil {
				code = packet.ErrTopicFilterInvalid
			}
		}
		codes[i] = code
	}
	d.send(d.proto.suback(pkt.PacketID, codes))
}

func (d *dispatcher) onUnsubscribe(ctx context.Context, pkt *packet.UNSUBSCRIBE) {
	s := d.session
	res, err := d.control.ServeControl(ctx, s, &Unsubscribe{Packet: pkt, TopicFilters: pkt.TopicFilters})
	if err != nil {
		d.controlFailed(err)
		return
	}
	codes := make([]packet.ReasonCode, len(pkt.TopicFilters))
	for i, filter := range pkt.TopicFilters {
		if i < len(res.Codes) && res.Codes[i].Failed() {
			codes[i] = res.Codes[i]
			continue
		}
		if s.subs.Remove(filter) {
			codes[i] = packet.CodeSuccess
		} else {
			codes[i] = packet.CodeNoSubscriptionExisted
		}
	}
	d.send(d.proto.unsuback(pkt.PacketID, codes))
}

func (d *dispatcher) onSuback(pkt *packet.SUBACK) {
	s := d.session
	ex, ok := d.take(pkt.PacketID, awaitSuback)
	if !ok {
		d.anomaly(pkt)
		return
	}
	if len(pkt.ReasonCode) != len(ex.subs) {
		s.retire(ex, fmt.Errorf("%w: %d codes for %d subscriptions", ErrProtocolViolation, len(pkt.ReasonCode), len(ex.subs)))
		return
	}
	for i, sub := range ex.subs {
		code := pkt.ReasonCode[i]
		if code.Failed() {
			continue
		}
		_, _ = s.subs.Add(topic.Subscription{
			Filter:            sub.TopicFilter,
			QoS:               code.Code,
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
			RetainHandling:    sub.RetainHandling,
		})
	}
	ex.codes = pkt.ReasonCode
	s.retire(ex, nil)
}

func (d *dispatcher) onUnsuback(pkt *packet.UNSUBACK) {
	s := d.session
	ex, ok := d.take(pkt.PacketID, awaitUnsuback)
	if !ok {
		d.anomaly(pkt)
		return
	}
	codes := pkt.ReasonCode
	if codes == nil {
		codes = make([]packet.ReasonCode, len(ex.filters))
	}
	for i, filter := range ex.filters {
		if i < len(codes) && codes[i].Failed() {
			continue
		}
		s.subs.Remove(filter)
	}
	ex.codes = codes
	s.retire(ex, nil)
}

func (d *dispatcher) onDisconnect(ctx context.Context, pkt *packet.DISCONNECT) {
	s := d.session
	if _, err := d.control.ServeControl(ctx, s, &Disconnect{Packet: pkt}); err != nil {
		stat.HandlerErrors.Inc()
		s.log.Warn("disconnect handler failed", "err", err)
	}
	if d.role == RoleServer && !pkt.ReasonCode.Is(packet.CodeDisconnectWillMessage) {
		s.will = nil
	}
	if pkt.ReasonCode.Failed() {
		s.close(fmt.Errorf("peer disconnected: %w", pkt.ReasonCode))
		return
	}
	s.close(errNormalClose)
}

func (d *dispatcher) onAuth(ctx context.Context, pkt *packet.AUTH) {
	res, err := d.control.ServeControl(ctx, d.session, &Auth{Packet: pkt})
	if err != nil {
		d.controlFailed(err)
		return
	}
	reply := res.Auth
	if reply == nil {
		reply = &packet.AUTH{ReasonCode: packet.CodeSuccess}
	}
	reply.FixedHeader = d.proto.header()
	d.send(reply)
}

// teardown runs once per session: requests still queued are written, the peer is told
// why where the protocol allows it, open exchanges fail, and the handler hears Closed.
// Writes here share one short deadline.
func (d *dispatcher) teardown(ctx context.Context) {
	s := d.session
	d.state = StateClosing
	d.halt()

	d.closing = true
	_ = d.conn.SetWriteDeadline(time.Now().Add(teardownWriteTimeout))
	for _, req := range s.seal() {
		if req.close == nil {
			d.handleRequest(req)
		}
	}
	var de *DisconnectError
	if errors.As(s.cause, &de) && d.proto.canDisconnect(d.role) {
		if err := d.write(d.proto.disconnect(de.Code)); err != nil {
			s.log.Debug("disconnect not sent", "err", err)
		}
	}
	_ = d.flush()
	s.release()

	closed := &Closed{Err: s.Err(), Will: s.will}
	if _, err := d.control.ServeControl(context.WithoutCancel(ctx), s, closed); err != nil {
		s.log.Warn("closed handler failed", "err", err)
	}
	_ = d.conn.Close()
	d.state = StateClosed
	if closed.Err != nil {
		s.log.Info("session closed", "err", closed.Err)
	} else {
		s.log.Info("session closed")
	}
}
