package packet

import (
	"bytes"
	"fmt"
	"io"
)

// PUBACK acknowledges a QoS 1 PUBLISH.
type PUBACK struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *ReasonProperties `json:"Properties,omitempty"`
}

func (pkt *PUBACK) Kind() byte {
	return 0x4
}

func (pkt *PUBACK) String() string {
	return fmt.Sprintf("[0x4]PUBACK: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *PUBACK) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	pkt.FixedHeader.Kind = 0x4
	return packAck(w, pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props)
}

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) (err error) {
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(buf, pkt.Version)
	return err
}
