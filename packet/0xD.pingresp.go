package packet

import (
	"bytes"
	"io"
)

// PINGRESP answers PINGREQ.
type PINGRESP struct {
	*FixedHeader
}

func (pkt *PINGRESP) Kind() byte {
	return 0xD
}

func (pkt *PINGRESP) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{}
	}
	pkt.FixedHeader.Kind, pkt.RemainingLength = 0xD, 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGRESP) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedTrailingBytes
	}
	return nil
}
