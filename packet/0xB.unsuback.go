package packet

import (
	"bytes"
	"fmt"
	"io"
)

// UNSUBACK acknowledges UNSUBSCRIBE. Only v5.0 carries per-filter reason codes.
type UNSUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *ReasonProperties `json:"Properties,omitempty"`

	ReasonCode []ReasonCode `json:"ReasonCode,omitempty"`
}

func (pkt *UNSUBACK) Kind() byte {
	return 0xB
}

func (pkt *UNSUBACK) String() string {
	return fmt.Sprintf("[0xB]UNSUBACK: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *UNSUBACK) Pack(w io.Writer) error {
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
		for _, code := range pkt.ReasonCode {
			buf.WriteByte(code.Code)
		}
	}

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0xB, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBACK) Unpack(buf *bytes.Buffer) error {
	var err error
	if pkt.PacketID, err = readUint16(buf); err != nil {
		return err
	}
	if pkt.Version != VERSION500 {
		return nil
	}
	pkt.Props = &ReasonProperties{}
	if err := pkt.Props.Unpack(buf); err != nil {
		return err
	}
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		pkt.ReasonCode = append(pkt.ReasonCode, NewReasonCode(b))
	}
	return nil
}
