package packet

import (
	"bytes"
	"fmt"
	"io"
)

// SUBACK carries one reason code per requested subscription, in request order.
type SUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *ReasonProperties `json:"Properties,omitempty"`

	ReasonCode []ReasonCode `json:"ReasonCode,omitempty"`
}

func (pkt *SUBACK) Kind() byte {
	return 0x9
}

func (pkt *SUBACK) String() string {
	return fmt.Sprintf("[0x9]SUBACK: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *SUBACK) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}
	for _, code := range pkt.ReasonCode {
		buf.WriteByte(code.Code)
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0x9, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBACK) Unpack(buf *bytes.Buffer) error {
	var err error
	if pkt.PacketID, err = readUint16(buf); err != nil {
		return err
	}
	if pkt.Version == VERSION500 {
		pkt.Props = &ReasonProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		if pkt.Version != VERSION500 && b > 0x02 && b != 0x80 {
			return ErrMalformedReasonCode
		}
		code := NewReasonCode(b)
		if pkt.Version != VERSION500 && b == 0x80 {
			code = Err3SubscribeFailure
		}
		pkt.ReasonCode = append(pkt.ReasonCode, code)
	}
	return nil
}
