package mqttd

import (
	"context"
	"net"

	"github.com/golang-io/mqttd/packet"
)

// Connect is the handshake request given to a ConnectHandler.
type Connect struct {
	Packet     *packet.CONNECT
	RemoteAddr net.Addr

	// ClientID is the identifier the session will use. When the client sent an empty one
	// the server assigned it and Assigned is true.
	ClientID string
	Assigned bool
}

// Ack accepts the connection.
func (c *Connect) Ack() *ConnectAck {
	return &ConnectAck{Code: packet.CodeSuccess}
}

// Reject refuses the connection with a v5.0 reason code. v3.1.1 peers receive the nearest
// return code.
func (c *Connect) Reject(code packet.ReasonCode) *ConnectAck {
	return &ConnectAck{Code: code}
}

// ConnectAck is the ConnectHandler's decision.
type ConnectAck struct {
	Code           packet.ReasonCode
	SessionPresent bool

	// Data is attached to the Session and returned by Session.Data.
	Data any

	ReasonString   string
	UserProperties []packet.UserProperty
}

// WithData attaches application data to the session that will be created.
func (a *ConnectAck) WithData(data any) *ConnectAck {
	a.Data = data
	return a
}

// Message is an application message on its way to or from a session.
type Message struct {
	Topic   string
	Payload []byte
	QoS     uint8
	Retain  bool
	Props   *packet.PublishProperties

	// Origin is the id of the session that published the message, used for no-local.
	Origin string
}

// Publish is an inbound PUBLISH after topic alias resolution.
type Publish struct {
	Message
	PacketID uint16
	Dup      bool
}

// Control is one of the control events: *Subscribe, *Unsubscribe, *Ping, *Disconnect,
// *Auth or *Closed.
type Control interface {
	control()
}

// ControlResult is a ControlHandler's answer. Codes carries one reason code per entry of
// a Subscribe or Unsubscribe; Auth is the reply to an Auth.
type ControlResult struct {
	Codes []packet.ReasonCode
	Auth  *packet.AUTH
}

type Subscribe struct {
	Packet        *packet.SUBSCRIBE
	Subscriptions []packet.Subscription
}

// Ack grants every subscription at its requested QoS.
func (s *Subscribe) Ack() ControlResult {
	codes := make([]packet.ReasonCode, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		codes[i] = packet.NewReasonCode(sub.MaximumQoS)
	}
	return ControlResult{Codes: codes}
}

// Grant builds a result from per subscription codes: a granted QoS or a failure.
func (s *Subscribe) Grant(codes ...packet.ReasonCode) ControlResult {
	return ControlResult{Codes: codes}
}

type Unsubscribe struct {
	Packet       *packet.UNSUBSCRIBE
	TopicFilters []string
}

// Ack lets every filter be removed.
func (u *Unsubscribe) Ack() ControlResult {
	return ControlResult{}
}

type Ping struct{}

func (*Ping) Ack() ControlResult { return ControlResult{} }

// Disconnect is a DISCONNECT received from the peer.
type Disconnect struct {
	Packet *packet.DISCONNECT
}

func (*Disconnect) Ack() ControlResult { return ControlResult{} }

type Auth struct {
	Packet *packet.AUTH
}

// Ack answers with a successful AUTH.
func (a *Auth) Ack() ControlResult {
	return ControlResult{Auth: &packet.AUTH{ReasonCode: packet.CodeSuccess}}
}

// Closed is delivered exactly once, after the session has been released. Err is nil
// after a normal close. Will is set when the will message must be published.
type Closed struct {
	Err  error
	Will *Message
}

func (*Closed) Ack() ControlResult { return ControlResult{} }

func (*Subscribe) control()   {}
func (*Unsubscribe) control() {}
func (*Ping) control()        {}
func (*Disconnect) control()  {}
func (*Auth) control()        {}
func (*Closed) control()      {}

// A ConnectHandler decides whether a connection is accepted. It runs under the handshake
// deadline.
type ConnectHandler interface {
	ServeConnect(ctx context.Context, c *Connect) (*ConnectAck, error)
}

// A PublishHandler receives application messages. Returning a packet.ReasonCode lets a
// v5.0 peer see that code in the acknowledgement.
type PublishHandler interface {
	ServePublish(ctx context.Context, s *Session, p *Publish) error
}

// A ControlHandler receives the control events of a session.
type ControlHandler interface {
	ServeControl(ctx context.Context, s *Session, c Control) (ControlResult, error)
}

type ConnectFunc func(ctx context.Context, c *Connect) (*ConnectAck, error)

func (f ConnectFunc) ServeConnect(ctx context.Context, c *Connect) (*ConnectAck, error) {
	return f(ctx, c)
}

type PublishFunc func(ctx context.Context, s *Session, p *Publish) error

func (f PublishFunc) ServePublish(ctx context.Context, s *Session, p *Publish) error {
	return f(ctx, s, p)
}

type ControlFunc func(ctx context.Context, s *Session, c Control) (ControlResult, error)

func (f ControlFunc) ServeControl(ctx context.Context, s *Session, c Control) (ControlResult, error) {
	return f(ctx, s, c)
}
