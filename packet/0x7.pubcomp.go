package packet

import (
	"bytes"
	"fmt"
	"io"
)

// PUBCOMP completes a QoS 2 exchange.
type PUBCOMP struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID   uint16
	ReasonCode ReasonCode
	Props      *ReasonProperties `json:"Properties,omitempty"`
}

func (pkt *PUBCOMP) Kind() byte {
	return 0x7
}

func (pkt *PUBCOMP) String() string {
	return fmt.Sprintf("[0x7]PUBCOMP: PacketID=%d, ReasonCode=%v", pkt.PacketID, pkt.ReasonCode)
}

func (pkt *PUBCOMP) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	pkt.FixedHeader.Kind = 0x7
	return packAck(w, pkt.FixedHeader, pkt.PacketID, pkt.ReasonCode, pkt.Props)
}

func (pkt *PUBCOMP) Unpack(buf *bytes.Buffer) (err error) {
	pkt.PacketID, pkt.ReasonCode, pkt.Props, err = unpackAck(buf, pkt.Version)
	return err
}
