package packet

import (
	"bytes"
	"fmt"
	"io"
)

// NAME is the length prefixed protocol name of v3.1.1 and v5.0.
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// CONNECT is the first packet a client sends. The protocol level in its variable header
// decides the version of the whole connection, so Unpack stores it in FixedHeader.Version.
type CONNECT struct {
	*FixedHeader

	CleanStart bool   `json:"CleanStart,omitempty"`
	KeepAlive  uint16 `json:"KeepAlive,omitempty"`

	Props *ConnectProperties `json:"Properties,omitempty"`

	ClientID string `json:"ClientID,omitempty"`
	Will     *Will  `json:"Will,omitempty"`

	UsernameFlag bool   `json:"-"`
	PasswordFlag bool   `json:"-"`
	Username     string `json:"Username,omitempty"`
	Password     []byte `json:"-"`
}

// Will is the message the server publishes on the client's behalf when the connection
// ends without a DISCONNECT.
type Will struct {
	Props     *WillProperties `json:"Properties,omitempty"`
	TopicName string
	Payload   []byte
	QoS       uint8
	Retain    bool
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func (pkt *CONNECT) String() string {
	return fmt.Sprintf("[0x1]CONNECT: ClientID=%s, Version=%d, KeepAlive=%d", pkt.ClientID, pkt.Version, pkt.KeepAlive)
}

func (pkt *CONNECT) flags() byte {
	var flag byte
	if pkt.UsernameFlag || pkt.Username != "" {
		flag |= 1 << 7
	}
	if pkt.PasswordFlag || pkt.Password != nil {
		flag |= 1 << 6
	}
	if pkt.Will != nil {
		flag |= b2i(pkt.Will.Retain)<<5 | pkt.Will.QoS<<3 | 1<<2
	}
	flag |= b2i(pkt.CleanStart) << 1
	return flag
}

func (pkt *CONNECT) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(NAME)
	buf.WriteByte(pkt.Version)
	flag := pkt.flags()
	buf.WriteByte(flag)
	buf.Write(i2b(pkt.KeepAlive))

	if pkt.Version == VERSION500 {
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}

	buf.Write(s2b(pkt.ClientID))

	if pkt.Will != nil {
		if pkt.Version == VERSION500 {
			if err := pkt.Will.Props.Pack(buf); err != nil {
				return err
			}
		}
		buf.Write(s2b(pkt.Will.TopicName))
		buf.Write(s2b(pkt.Will.Payload))
	}
	if flag&(1<<7) != 0 {
		buf.Write(s2b(pkt.Username))
	}
	if flag&(1<<6) != 0 {
		buf.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0x1, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < len(NAME) || !bytes.Equal(buf.Next(len(NAME)), NAME) {
		return ErrMalformedProtocolName
	}
	level, err := readByte(buf)
	if err != nil {
		return err
	}
	switch level {
	case VERSION311, VERSION500:
		pkt.Version = level
	default:
		return ErrUnsupportedProtocolVersion
	}

	flag, err := readByte(buf)
	if err != nil {
		return err
	}
	if flag&0x01 != 0 {
		return ErrProtocolViolationReservedBit
	}
	pkt.CleanStart = flag&(1<<1) != 0
	willFlag := flag&(1<<2) != 0
	willQoS := flag >> 3 & 0x03
	willRetain := flag&(1<<5) != 0
	pkt.PasswordFlag = flag&(1<<6) != 0
	pkt.UsernameFlag = flag&(1<<7) != 0
	if willQoS > 2 {
		return ErrMalformedQos
	}
	if !willFlag && (willQoS != 0 || willRetain) {
		return ErrProtocolViolationWillFlags
	}
	// v3.1.1 forbids a password without a user name [MQTT-3.1.2-22]; v5.0 allows it.
	if pkt.Version == VERSION311 && pkt.PasswordFlag && !pkt.UsernameFlag {
		return ErrMalformedPassword
	}

	if pkt.KeepAlive, err = readUint16(buf); err != nil {
		return err
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &ConnectProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}

	if pkt.ClientID, err = readString(buf); err != nil {
		return err
	}

	if willFlag {
		pkt.Will = &Will{QoS: willQoS, Retain: willRetain}
		if pkt.Version == VERSION500 {
			pkt.Will.Props = &WillProperties{}
			if err := pkt.Will.Props.Unpack(buf); err != nil {
				return err
			}
		}
		if pkt.Will.TopicName, err = readString(buf); err != nil {
			return err
		}
		if pkt.Will.Payload, err = readBinary(buf); err != nil {
			return err
		}
	}
	if pkt.UsernameFlag {
		if pkt.Username, err = readString(buf); err != nil {
			return err
		}
	}
	if pkt.PasswordFlag {
		if pkt.Password, err = readBinary(buf); err != nil {
			return err
		}
	}
	return nil
}

// ConnectProperties is the v5.0 property set of CONNECT, section 3.1.2.11.
type ConnectProperties struct {
	SessionExpiryInterval      uint32
	ReceiveMaximum             uint16
	MaximumPacketSize          uint32
	TopicAliasMaximum          uint16
	RequestResponseInformation uint8
	RequestProblemInformation  *uint8
	UserProperties             []UserProperty
	AuthenticationMethod       string
	AuthenticationData         []byte
}

func (props *ConnectProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.SessionExpiryInterval != 0 {
			p.uint32(PropSessionExpiryInterval, props.SessionExpiryInterval)
		}
		if props.ReceiveMaximum != 0 {
			p.uint16(PropReceiveMaximum, props.ReceiveMaximum)
		}
		if props.MaximumPacketSize != 0 {
			p.uint32(PropMaximumPacketSize, props.MaximumPacketSize)
		}
		if props.TopicAliasMaximum != 0 {
			p.uint16(PropTopicAliasMaximum, props.TopicAliasMaximum)
		}
		if props.RequestResponseInformation != 0 {
			p.byte(PropRequestResponseInformation, props.RequestResponseInformation)
		}
		if props.RequestProblemInformation != nil {
			p.byte(PropRequestProblemInformation, *props.RequestProblemInformation)
		}
		p.users(props.UserProperties)
		p.string(PropAuthenticationMethod, props.AuthenticationMethod)
		p.binary(PropAuthenticationData, props.AuthenticationData)
	}
	return p.writeTo(buf)
}

func (props *ConnectProperties) Unpack(buf *bytes.Buffer) error {
	err := unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropSessionExpiryInterval:
			props.SessionExpiryInterval, err = r.uint32()
		case PropReceiveMaximum:
			if props.ReceiveMaximum, err = r.uint16(); err == nil && props.ReceiveMaximum == 0 {
				err = ErrProtocolViolationPropertyValue
			}
		case PropMaximumPacketSize:
			if props.MaximumPacketSize, err = r.uint32(); err == nil && props.MaximumPacketSize == 0 {
				err = ErrProtocolViolationPropertyValue
			}
		case PropTopicAliasMaximum:
			props.TopicAliasMaximum, err = r.uint16()
		case PropRequestResponseInformation:
			props.RequestResponseInformation, err = r.flag()
		case PropRequestProblemInformation:
			var v byte
			if v, err = r.flag(); err == nil {
				props.RequestProblemInformation = &v
			}
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		case PropAuthenticationMethod:
			props.AuthenticationMethod, err = r.string()
		case PropAuthenticationData:
			props.AuthenticationData, err = r.binary()
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return err
	}
	if props.AuthenticationData != nil && props.AuthenticationMethod == "" {
		return ErrProtocolErr
	}
	return nil
}

// WillProperties is the v5.0 property set of the will message, section 3.1.3.2.
type WillProperties struct {
	WillDelayInterval      uint32
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []UserProperty
}

func (props *WillProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.WillDelayInterval != 0 {
			p.uint32(PropWillDelayInterval, props.WillDelayInterval)
		}
		if props.PayloadFormatIndicator != 0 {
			p.byte(PropPayloadFormatIndicator, props.PayloadFormatIndicator)
		}
		if props.MessageExpiryInterval != 0 {
			p.uint32(PropMessageExpiryInterval, props.MessageExpiryInterval)
		}
		p.string(PropContentType, props.ContentType)
		p.string(PropResponseTopic, props.ResponseTopic)
		p.binary(PropCorrelationData, props.CorrelationData)
		p.users(props.UserProperties)
	}
	return p.writeTo(buf)
}

func (props *WillProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropWillDelayInterval:
			props.WillDelayInterval, err = r.uint32()
		case PropPayloadFormatIndicator:
			props.PayloadFormatIndicator, err = r.flag()
		case PropMessageExpiryInterval:
			props.MessageExpiryInterval, err = r.uint32()
		case PropContentType:
			props.ContentType, err = r.string()
		case PropResponseTopic:
			props.ResponseTopic, err = r.string()
		case PropCorrelationData:
			props.CorrelationData, err = r.binary()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		default:
			return false, nil
		}
		return true, err
	})
}
