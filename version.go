package mqttd

import (
	"github.com/golang-io/mqttd/packet"
)

// protocol builds the packets whose layout or content differs between v3.1.1 and v5.0.
type protocol interface {
	level() byte
	header() *packet.FixedHeader

	connack(present bool, code packet.ReasonCode, props *packet.ConnackProperties) *packet.CONNACK
	puback(id uint16, code packet.ReasonCode) *packet.PUBACK
	pubrec(id uint16, code packet.ReasonCode) *packet.PUBREC
	pubrel(id uint16, code packet.ReasonCode) *packet.PUBREL
	pubcomp(id uint16, code packet.ReasonCode) *packet.PUBCOMP
	suback(id uint16, codes []packet.ReasonCode) *packet.SUBACK
	unsuback(id uint16, codes []packet.ReasonCode) *packet.UNSUBACK
	disconnect(code packet.ReasonCode) *packet.DISCONNECT

	// canDisconnect reports whether this end may send DISCONNECT.
	canDisconnect(role Role) bool

	// publishFailure is the ack code for a message the handler refused.
	publishFailure(err error) packet.ReasonCode
}

func protocolFor(version byte) protocol {
	if version == packet.VERSION500 {
		return v5{}
	}
	return v3{}
}

type v3 struct{}

func (v3) level() byte { return packet.VERSION311 }

func (v3) header() *packet.FixedHeader {
	return &packet.FixedHeader{Version: packet.VERSION311}
}

// connackCode maps a v5.0 reason code onto the six v3.1.1 return codes.
func (v3) connackCode(code packet.ReasonCode) packet.ReasonCode {
	switch code.Code {
	case 0x00:
		return packet.CodeSuccess
	case 0x84:
		return packet.Err3UnsupportedProtocolVersion
	case 0x85:
		return packet.Err3ClientIdentifierNotValid
	case 0x88, 0x89, 0x8B:
		return packet.Err3ServerUnavailable
	case 0x86, 0x8C:
		return packet.Err3BadUsernameOrPassword
	case 0x87, 0x8A:
		return packet.Err3NotAuthorized
	}
	return packet.Err3ServerUnavailable
}

func (p v3) connack(present bool, code packet.ReasonCode, _ *packet.ConnackProperties) *packet.CONNACK {
	code = p.connackCode(code)
	// session present must be 0 on a refused connection [MQTT-3.2.2-4]
	return &packet.CONNACK{FixedHeader: p.header(), SessionPresent: present && code.Code == 0, ReasonCode: code}
}

func (p v3) puback(id uint16, _ packet.ReasonCode) *packet.PUBACK {
	return &packet.PUBACK{FixedHeader: p.header(), PacketID: id}
}

func (p v3) pubrec(id uint16, _ packet.ReasonCode) *packet.PUBREC {
	return &packet.PUBREC{FixedHeader: p.header(), PacketID: id}
}

func (p v3) pubrel(id uint16, _ packet.ReasonCode) *packet.PUBREL {
	return &packet.PUBREL{FixedHeader: p.header(), PacketID: id}
}

func (p v3) pubcomp(id uint16, _ packet.ReasonCode) *packet.PUBCOMP {
	return &packet.PUBCOMP{FixedHeader: p.header(), PacketID: id}
}

func (p v3) suback(id uint16, codes []packet.ReasonCode) *packet.SUBACK {
	out := make([]packet.ReasonCode, len(codes))
	for i, code := range codes {
		if code.Failed() || code.Code > 2 {
			out[i] = packet.Err3SubscribeFailure
			continue
		}
		out[i] = code
	}
	return &packet.SUBACK{FixedHeader: p.header(), PacketID: id, ReasonCode: out}
}

func (p v3) unsuback(id uint16, _ []packet.ReasonCode) *packet.UNSUBACK {
	return &packet.UNSUBACK{FixedHeader: p.header(), PacketID: id}
}

func (p v3) disconnect(packet.ReasonCode) *packet.DISCONNECT {
	return &packet.DISCONNECT{FixedHeader: p.header()}
}

// v3.1.1 has no server to client DISCONNECT.
func (v3) canDisconnect(role Role) bool {
	return role == RoleClient
}

// v3.1.1 has no negative PUBACK. The message is acknowledged anyway.
func (v3) publishFailure(error) packet.ReasonCode {
	return packet.CodeSuccess
}

type v5 struct{}

func (v5) level() byte { return packet.VERSION500 }

func (v5) header() *packet.FixedHeader {
	return &packet.FixedHeader{Version: packet.VERSION500}
}

func (p v5) connack(present bool, code packet.ReasonCode, props *packet.ConnackProperties) *packet.CONNACK {
	return &packet.CONNACK{FixedHeader: p.header(), SessionPresent: present && !code.Failed(), ReasonCode: code, Props: props}
}

func (p v5) puback(id uint16, code packet.ReasonCode) *packet.PUBACK {
	return &packet.PUBACK{FixedHeader: p.header(), PacketID: id, ReasonCode: code}
}

func (p v5) pubrec(id uint16, code packet.ReasonCode) *packet.PUBREC {
	return &packet.PUBREC{FixedHeader: p.header(), PacketID: id, ReasonCode: code}
}

func (p v5) pubrel(id uint16, code packet.ReasonCode) *packet.PUBREL {
	return &packet.PUBREL{FixedHeader: p.header(), PacketID: id, ReasonCode: code}
}

func (p v5) pubcomp(id uint16, code packet.ReasonCode) *packet.PUBCOMP {
	return &packet.PUBCOMP{FixedHeader: p.header(), PacketID: id, ReasonCode: code}
}

func (p v5) suback(id uint16, codes []packet.ReasonCode) *packet.SUBACK {
	return &packet.SUBACK{FixedHeader: p.header(), PacketID: id, ReasonCode: codes}
}

func (p v5) unsuback(id uint16, codes []packet.ReasonCode) *packet.UNSUBACK {
	return &packet.UNSUBACK{FixedHeader: p.header(), PacketID: id, ReasonCode: codes}
}

func (p v5) disconnect(code packet.ReasonCode) *packet.DISCONNECT {
	return &packet.DISCONNECT{FixedHeader: p.header(), ReasonCode: code}
}

func (v5) canDisconnect(Role) bool { return true }

// A handler may also return a success code such as 0x10, no matching subscribers.
func (v5) publishFailure(err error) packet.ReasonCode {
	if rc, ok := packet.CodeOf(err); ok {
		return rc
	}
	return packet.ErrUnspecifiedError
}
