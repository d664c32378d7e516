package packet

import (
	"bytes"
	"fmt"
	"io"
)

// CONNACK answers CONNECT. For v3.1.1 ReasonCode carries the return code 0x00-0x05.
type CONNACK struct {
	*FixedHeader

	SessionPresent bool
	ReasonCode     ReasonCode

	Props *ConnackProperties `json:"Properties,omitempty"`
}

func (pkt *CONNACK) Kind() byte {
	return 0x2
}

func (pkt *CONNACK) String() string {
	return fmt.Sprintf("[0x2]CONNACK: SessionPresent=%v, ReasonCode=%v", pkt.SessionPresent, pkt.ReasonCode)
}

func (pkt *CONNACK) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(b2i(pkt.SessionPresent))
	buf.WriteByte(pkt.ReasonCode.Code)
	if pkt.Version == VERSION500 {
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0x2, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	flags, err := readByte(buf)
	if err != nil {
		return err
	}
	if flags&0xFE != 0 {
		return ErrProtocolViolationReservedBit
	}
	pkt.SessionPresent = flags == 1
	if pkt.ReasonCode.Code, err = readByte(buf); err != nil {
		return err
	}
	if pkt.Version == VERSION500 {
		pkt.Props = &ConnackProperties{}
		return pkt.Props.Unpack(buf)
	}
	return nil
}

// ConnackProperties is the v5.0 property set of CONNACK, section 3.2.2.3. Pointer fields
// are properties whose zero value is meaningful and which are omitted when nil.
type ConnackProperties struct {
	SessionExpiryInterval            uint32
	ReceiveMaximum                   uint16
	MaximumQoS                       *uint8
	RetainAvailable                  *uint8
	MaximumPacketSize                uint32
	AssignedClientIdentifier         string
	TopicAliasMaximum                uint16
	ReasonString                     string
	UserProperties                   []UserProperty
	WildcardSubscriptionAvailable    *uint8
	SubscriptionIdentifiersAvailable *uint8
	SharedSubscriptionAvailable      *uint8
	ServerKeepAlive                  *uint16
	ResponseInformation              string
	ServerReference                  string
	AuthenticationMethod             string
	AuthenticationData               []byte
}

func (props *ConnackProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.SessionExpiryInterval != 0 {
			p.uint32(PropSessionExpiryInterval, props.SessionExpiryInterval)
		}
		if props.ReceiveMaximum != 0 {
			p.uint16(PropReceiveMaximum, props.ReceiveMaximum)
		}
		if props.MaximumQoS != nil {
			p.byte(PropMaximumQoS, *props.MaximumQoS)
		}
		if props.RetainAvailable != nil {
			p.byte(PropRetainAvailable, *props.RetainAvailable)
		}
		if props.MaximumPacketSize != 0 {
			p.uint32(PropMaximumPacketSize, props.MaximumPacketSize)
		}
		p.string(PropAssignedClientIdentifier, props.AssignedClientIdentifier)
		if props.TopicAliasMaximum != 0 {
			p.uint16(PropTopicAliasMaximum, props.TopicAliasMaximum)
		}
		p.string(PropReasonString, props.ReasonString)
		p.users(props.UserProperties)
		if props.WildcardSubscriptionAvailable != nil {
			p.byte(PropWildcardSubscriptionAvailable, *props.WildcardSubscriptionAvailable)
		}
		if props.SubscriptionIdentifiersAvailable != nil {
			p.byte(PropSubscriptionIdentifierAvailable, *props.SubscriptionIdentifiersAvailable)
		}
		if props.SharedSubscriptionAvailable != nil {
			p.byte(PropSharedSubscriptionAvailable, *props.SharedSubscriptionAvailable)
		}
		if props.ServerKeepAlive != nil {
			p.uint16(PropServerKeepAlive, *props.ServerKeepAlive)
		}
		p.string(PropResponseInformation, props.ResponseInformation)
		p.string(PropServerReference, props.ServerReference)
		p.string(PropAuthenticationMethod, props.AuthenticationMethod)
		p.binary(PropAuthenticationData, props.AuthenticationData)
	}
	return p.writeTo(buf)
}

func (props *ConnackProperties) Unpack(buf *bytes.Buffer) error {
	flag := func(r *propReader, dst **uint8) error {
		v, err := r.flag()
		if err == nil {
			*dst = &v
		}
		return err
	}
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropSessionExpiryInterval:
			props.SessionExpiryInterval, err = r.uint32()
		case PropReceiveMaximum:
			if props.ReceiveMaximum, err = r.uint16(); err == nil && props.ReceiveMaximum == 0 {
				err = ErrProtocolViolationPropertyValue
			}
		case PropMaximumQoS:
			err = flag(r, &props.MaximumQoS)
		case PropRetainAvailable:
			err = flag(r, &props.RetainAvailable)
		case PropMaximumPacketSize:
			props.MaximumPacketSize, err = r.uint32()
		case PropAssignedClientIdentifier:
			props.AssignedClientIdentifier, err = r.string()
		case PropTopicAliasMaximum:
			props.TopicAliasMaximum, err = r.uint16()
		case PropReasonString:
			props.ReasonString, err = r.string()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		case PropWildcardSubscriptionAvailable:
			err = flag(r, &props.WildcardSubscriptionAvailable)
		case PropSubscriptionIdentifierAvailable:
			err = flag(r, &props.SubscriptionIdentifiersAvailable)
		case PropSharedSubscriptionAvailable:
			err = flag(r, &props.SharedSubscriptionAvailable)
		case PropServerKeepAlive:
			var v uint16
			if v, err = r.uint16(); err == nil {
				props.ServerKeepAlive = &v
			}
		case PropResponseInformation:
			props.ResponseInformation, err = r.string()
		case PropServerReference:
			props.ServerReference, err = r.string()
		case PropAuthenticationMethod:
			props.AuthenticationMethod, err = r.string()
		case PropAuthenticationData:
			props.AuthenticationData, err = r.binary()
		default:
			return false, nil
		}
		return true, err
	})
}
