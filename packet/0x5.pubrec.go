package packet

import (
	"bytes"
	"fmt"
	"io"
)

// PUBREC is the first answer to a QoS 2 PUBLISH. A failure code ends the exchange.
type PUBREC struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *ReasonProperties `json:"Properties,omitempty"`
}

func (pkt *PUBREC) Kind() byte {
	return 0x5
}

func (pkt *PUBREC) String() string {
	return fmt.Sprintf("[0x5]PUBREC: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *PUBREC) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	pkt.FixedHeader.Kind = 0x5
	return packAck(w, pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props)
}

func (pkt *PUBREC) Unpack(buf *bytes.Buffer) (err error) {
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(buf, pkt.Version)
	return err
}
