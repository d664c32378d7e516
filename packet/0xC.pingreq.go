package packet

import (
	"bytes"
	"io"
)

// PINGREQ has no variable header and no payload.
type PINGREQ struct {
	*FixedHeader
}

func (pkt *PINGREQ) Kind() byte {
	return 0xC
}

func (pkt *PINGREQ) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{}
	}
	pkt.FixedHeader.Kind, pkt.RemainingLength = 0xC, 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGREQ) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedTrailingBytes
	}
	return nil
}
