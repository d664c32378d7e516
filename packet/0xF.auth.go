package packet

import (
	"bytes"
	"fmt"
	"io"
)

// AUTH exchanges extended authentication data. It exists in v5.0 only.
type AUTH struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	ReasonCode ReasonCode

	Props *AuthProperties `json:"Properties,omitempty"`
}

func (pkt *AUTH) Kind() byte {
	return 0xF
}

func (pkt *AUTH) String() string {
	return fmt.Sprintf("[0xF]AUTH: ReasonCode=%v", pkt.ReasonCode)
}

func (pkt *AUTH) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION500}
	}
	if pkt.Version != VERSION500 {
		return ErrProtocolViolationUnexpectedPacket
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	if pkt.ReasonCode.Code != 0 || pkt.Props != nil {
		buf.WriteByte(pkt.ReasonCode.Code)
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0xF, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *AUTH) Unpack(buf *bytes.Buffer) error {
	if pkt.Version != VERSION500 {
		return ErrMalformedPacket
	}
	pkt.ReasonCode = CodeSuccess
	if buf.Len() == 0 {
		return nil
	}
	b, _ := buf.ReadByte()
	switch b {
	case 0x00, 0x18, 0x19:
		pkt.ReasonCode = NewReasonCode(b)
	default:
		return ErrMalformedReasonCode
	}
	if buf.Len() == 0 {
		return nil
	}
	pkt.Props = &AuthProperties{}
	return pkt.Props.Unpack(buf)
}

// AuthProperties is the v5.0 property set of AUTH, section 3.15.2.2.
type AuthProperties struct {
	AuthenticationMethod string
	AuthenticationData   []byte
	ReasonString         string
	UserProperties       []UserProperty
}

func (props *AuthProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		p.string(PropAuthenticationMethod, props.AuthenticationMethod)
		p.binary(PropAuthenticationData, props.AuthenticationData)
		p.string(PropReasonString, props.ReasonString)
		p.users(props.UserProperties)
	}
	return p.writeTo(buf)
}

func (props *AuthProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropAuthenticationMethod:
			props.AuthenticationMethod, err = r.string()
		case PropAuthenticationData:
			props.AuthenticationData, err = r.binary()
		case PropReasonString:
			props.ReasonString, err = r.string()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		default:
			return false, nil
		}
		return true, err
	})
}
