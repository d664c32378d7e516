package packet

import (
	"bytes"
	"fmt"
	"io"
)

// DISCONNECT ends a connection. v3.1.1 sends it client to server only and with an empty
// body; v5.0 lets either side send it with a reason code.
type DISCONNECT struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	ReasonCode ReasonCode

	Props *DisconnectProperties `json:"Properties,omitempty"`
}

func (pkt *DISCONNECT) Kind() byte {
	return 0xE
}

func (pkt *DISCONNECT) String() string {
	return fmt.Sprintf("[0xE]DISCONNECT: ReasonCode=%v", pkt.ReasonCode)
}

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	// A v5.0 normal disconnection without properties may drop the body [MQTT-3.14.2.1].
	if pkt.Version == VERSION500 && (pkt.ReasonCode.Code != 0 || !pkt.Props.empty()) {
		buf.WriteByte(pkt.ReasonCode.Code)
		if !pkt.Props.empty() {
			if err := pkt.Props.Pack(buf); err != nil {
				return err
			}
		}
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0xE, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error {
	pkt.ReasonCode = CodeDisconnect
	if pkt.Version != VERSION500 || buf.Len() == 0 {
		return nil
	}
	b, _ := buf.ReadByte()
	pkt.ReasonCode = NewReasonCode(b)
	if b == 0 {
		pkt.ReasonCode = CodeDisconnect
	}
	if buf.Len() == 0 {
		return nil
	}
	pkt.Props = &DisconnectProperties{}
	return pkt.Props.Unpack(buf)
}

// DisconnectProperties is the v5.0 property set of DISCONNECT, section 3.14.2.2.
type DisconnectProperties struct {
	SessionExpiryInterval uint32
	ReasonString          string
	UserProperties        []UserProperty
	ServerReference       string
}

func (props *DisconnectProperties) empty() bool {
	return props == nil || (props.SessionExpiryInterval == 0 && props.ReasonString == "" &&
		len(props.UserProperties) == 0 && props.ServerReference == "")
}

func (props *DisconnectProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.SessionExpiryInterval != 0 {
			p.uint32(PropSessionExpiryInterval, props.SessionExpiryInterval)
		}
		p.string(PropReasonString, props.ReasonString)
		p.users(props.UserProperties)
		p.string(PropServerReference, props.ServerReference)
	}
	return p.writeTo(buf)
}

func (props *DisconnectProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropSessionExpiryInterval:
			props.SessionExpiryInterval, err = r.uint32()
		case PropReasonString:
			props.ReasonString, err = r.string()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		case PropServerReference:
			props.ServerReference, err = r.string()
		default:
			return false, nil
		}
		return true, err
	})
}
