package packet

import (
	"bytes"
	"fmt"
	"io"
)

// PUBREL releases a QoS 2 message after PUBREC. Its fixed header flags are 0b0010.
type PUBREL struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *ReasonProperties `json:"Properties,omitempty"`
}

func (pkt *PUBREL) Kind() byte {
	return 0x6
}

func (pkt *PUBREL) String() string {
	return fmt.Sprintf("[0x6]PUBREL: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *PUBREL) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	pkt.FixedHeader.Kind, pkt.Dup, pkt.QoS, pkt.Retain = 0x6, 0, 1, 0
	return packAck(w, pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props)
}

func (pkt *PUBREL) Unpack(buf *bytes.Buffer) (err error) {
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(buf, pkt.Version)
	return err
}
