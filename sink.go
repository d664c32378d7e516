package mqttd

import (
	"context"
	"fmt"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
)

// PublishAck is the peer's acknowledgement of an outbound publish. For QoS 0 it is
// synthesized once the message was flushed to the transport.
type PublishAck struct {
	PacketID uint16
	QoS      uint8
	Code     packet.ReasonCode
	Props    *packet.ReasonProperties
}

// Delivery is the pending outcome of a Sink publish.
type Delivery struct {
	ex *exchange
}

// Done is closed once the outcome is known.
func (d *Delivery) Done() <-chan struct{} {
	return d.ex.done
}

// Wait blocks until the peer acknowledged the message, the session closed or ctx ended.
// A v5.0 peer refusing the message yields its ack and the reason code as error.
func (d *Delivery) Wait(ctx context.Context) (*PublishAck, error) {
	select {
	case <-d.ex.done:
		return d.ex.ack, d.ex.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request is one unit of work for the dispatcher's writer.
type request struct {
	pkt packet.Packet
	ex  *exchange

	// flushed is resolved once pkt has been flushed to the transport, or failed when it
	// never was.
	flushed *exchange

	// close asks the dispatcher to close with this code once everything queued before
	// it has been written.
	close *packet.ReasonCode
}

type publishOptions struct {
	qos    uint8
	retain bool
	dup    bool
	props  *packet.PublishProperties
}

type PublishOption func(*publishOptions)

func QoS(qos uint8) PublishOption {
	return func(o *publishOptions) {
		o.qos = qos
	}
}

func Retain(retain bool) PublishOption {
	return func(o *publishOptions) {
		o.retain = retain
	}
}

func Dup(dup bool) PublishOption {
	return func(o *publishOptions) {
		o.dup = dup
	}
}

// Properties sets v5.0 publish properties. They are dropped on v3.1.1 sessions.
func Properties(props *packet.PublishProperties) PublishOption {
	return func(o *publishOptions) {
		o.props = props
	}
}

// Sink is the application's write side of a Session. It is safe for concurrent use; all
// writes are serialized by the Dispatcher.
type Sink struct {
	s *Session
}

func (k *Sink) enqueue(ctx context.Context, req *request) error {
	return k.s.post(ctx, req)
}

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// Publish sends an application message to the peer. For QoS 1 and 2 it waits for send
// quota first, so at most the peer's receive maximum of messages are unacknowledged.
func (k *Sink) Publish(ctx context.Context, name string, payload []byte, opts ...PublishOption) (*Delivery, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.qos > 2 {
		return nil, fmt.Errorf("%w: qos=%d", packet.ErrMalformedQos, o.qos)
	}
	if err := topic.ValidateName(name); err != nil {
		return nil, err
	}
	s := k.s
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	pub := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: s.version, QoS: o.qos, Retain: b2u(o.retain), Dup: b2u(o.dup && o.qos > 0)},
		Message:     &packet.Message{TopicName: name, Content: payload},
	}
	if s.version == packet.VERSION500 {
		pub.Props = o.props
	}

	if o.qos == 0 {
		ex := newExchange(0, 0)
		ex.ack = &PublishAck{}
		if err := k.enqueue(ctx, &request{pkt: pub, flushed: ex}); err != nil {
			return nil, err
		}
		return &Delivery{ex: ex}, nil
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	state := awaitPuback
	if o.qos == 2 {
		state = awaitPubrec
	}
	ex := newExchange(0, state)
	ex.pub, ex.quota = pub, true
	if err := s.register(ex); err != nil {
		s.retire(ex, err)
		return nil, err
	}
	pub.PacketID = ex.id
	if err := k.enqueue(ctx, &request{pkt: pub, ex: ex}); err != nil {
		s.abandon(ex, err)
		return nil, err
	}
	return &Delivery{ex: ex}, nil
}

// Forward delivers a routed message through this session's subscriptions. It sends at
// most one copy, at the lower of the message QoS and the highest granted QoS among the
// matching filters, and carries their v5.0 subscription identifiers.
func (k *Sink) Forward(ctx context.Context, msg *Message) (*Delivery, error) {
	s := k.s
	var (
		qos     uint8
		retain  bool
		ids     []uint32
		matched bool
	)
	for _, m := range s.subs.Match(msg.Topic) {
		if m.NoLocal && msg.Origin == s.id {
			continue
		}
		matched = true
		qos = max(qos, m.QoS)
		if m.RetainAsPublished {
			retain = msg.Retain
		}
		if m.Identifier != 0 {
			ids = append(ids, m.Identifier)
		}
	}
	if !matched {
		return nil, ErrNoSubscription
	}
	opts := []PublishOption{QoS(min(qos, msg.QoS)), Retain(retain)}
	if s.version == packet.VERSION500 {
		props := msg.Props.Clone()
		if props == nil {
			props = &packet.PublishProperties{}
		}
		props.TopicAlias = 0
		props.SubscriptionIdentifier = ids
		opts = append(opts, Properties(props))
	}
	return k.Publish(ctx, msg.Topic, msg.Payload, opts...)
}

// Subscribe sends SUBSCRIBE and waits for SUBACK. Granted entries are stored in the
// session before it returns. It is available to clients only.
func (k *Sink) Subscribe(ctx context.Context, subs ...packet.Subscription) ([]packet.ReasonCode, error) {
	s := k.s
	if s.role != RoleClient {
		return nil, ErrClientRoleOnly
	}
	if len(subs) == 0 {
		return nil, packet.ErrProtocolViolationNoFilters
	}
	for _, sub := range subs {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			return nil, fmt.Errorf("%w: %q", err, sub.TopicFilter)
		}
	}
	ex := newExchange(0, awaitSuback)
	ex.subs = subs
	if err := s.register(ex); err != nil {
		return nil, err
	}
	pkt := &packet.SUBSCRIBE{FixedHeader: &packet.FixedHeader{Version: s.version}, PacketID: ex.id, Subscriptions: subs}
	return k.roundTrip(ctx, pkt, ex)
}

// Unsubscribe sends UNSUBSCRIBE and waits for UNSUBACK. It is available to clients only.
func (k *Sink) Unsubscribe(ctx context.Context, filters ...string) ([]packet.ReasonCode, error) {
	s := k.s
	if s.role != RoleClient {
		return nil, ErrClientRoleOnly
	}
	if len(filters) == 0 {
		return nil, packet.ErrProtocolViolationNoFilters
	}
	ex := newExchange(0, awaitUnsuback)
	ex.filters = filters
	if err := s.register(ex); err != nil {
		return nil, err
	}
	pkt := &packet.UNSUBSCRIBE{FixedHeader: &packet.FixedHeader{Version: s.version}, PacketID: ex.id, TopicFilters: filters}
	return k.roundTrip(ctx, pkt, ex)
}

func (k *Sink) roundTrip(ctx context.Context, pkt packet.Packet, ex *exchange) ([]packet.ReasonCode, error) {
	if err := k.enqueue(ctx, &request{pkt: pkt, ex: ex}); err != nil {
		k.s.abandon(ex, err)
		return nil, err
	}
	select {
	case <-ex.done:
		return ex.codes, ex.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close asks the dispatcher to end the session once everything queued so far has been
// written. A v5.0 peer, or the server of a client session, receives DISCONNECT with code.
// When the queue is full the session is closed at once; queued requests are still
// written during teardown.
func (k *Sink) Close(code packet.ReasonCode) error {
	s := k.s
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.sealed || s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.queue <- &request{close: &code}:
		return nil
	default:
	}
	if !s.close(disconnect(code, errNormalClose)) {
		return ErrSessionClosed
	}
	return nil
}
