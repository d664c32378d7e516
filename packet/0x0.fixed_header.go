package packet

import (
	"fmt"
	"io"
)

// FixedHeader is the first two to five bytes of every control packet.
//
//	Bit      | 7 6 5 4          | 3 2 1 0
//	byte 1   | packet kind      | flags (DUP, QoS, RETAIN for PUBLISH)
//	byte 2.. | remaining length (variable byte integer)
type FixedHeader struct {
	// Version is not on the wire. It selects the v3.1.1 or v5.0 body layout.
	Version byte `json:"Version,omitempty"`

	Kind            byte   `json:"Kind,omitempty"`
	Dup             uint8  `json:"Dup,omitempty"`
	QoS             uint8  `json:"QoS,omitempty"`
	Retain          uint8  `json:"Retain,omitempty"`
	RemainingLength uint32 `json:"RemainingLength,omitempty"`
}

func (pkt *FixedHeader) String() string {
	return fmt.Sprintf("%s: Len=%d", Kind[pkt.Kind], pkt.RemainingLength)
}

func (pkt *FixedHeader) Pack(w io.Writer) error {
	enc, err := encodeLength(pkt.RemainingLength)
	if err != nil {
		return err
	}
	b := make([]byte, 1, 1+len(enc))
	b[0] = pkt.Kind<<4 | pkt.Dup<<3 | pkt.QoS<<1 | pkt.Retain
	b = append(b, enc...)
	_, err = w.Write(b)
	return err
}

// Unpack reads the header from a stream.
func (pkt *FixedHeader) Unpack(r io.Reader) error {
	br := byteReader{r: r}
	b, err := br.ReadByte()
	if err != nil {
		return err
	}
	if pkt.RemainingLength, err = decodeLength(&br); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	pkt.setFlags(b)
	return pkt.validate()
}

func (pkt *FixedHeader) setFlags(b byte) {
	pkt.Kind = b >> 4
	pkt.Dup = b & 0b00001000 >> 3
	pkt.QoS = b & 0b00000110 >> 1
	pkt.Retain = b & 0b00000001
}

// validate enforces the reserved flag values of table 2.2 [MQTT-2.2.2-1].
func (pkt *FixedHeader) validate() error {
	switch pkt.Kind {
	case 0x0:
		return ErrMalformedPacket
	case 0x3:
		if pkt.QoS > 2 {
			return ErrMalformedQos
		}
		if pkt.QoS == 0 && pkt.Dup != 0 {
			return ErrProtocolViolationDupNoQos
		}
		return nil
	case 0x6, 0x8, 0xA:
		if pkt.Dup != 0 || pkt.QoS != 1 || pkt.Retain != 0 {
			return ErrMalformedFlags
		}
	case 0xF:
		if pkt.Version != 0 && pkt.Version < VERSION500 {
			return ErrMalformedPacket
		}
		fallthrough
	default:
		if pkt.Dup != 0 || pkt.QoS != 0 || pkt.Retain != 0 {
			return ErrMalformedFlags
		}
	}
	return nil
}

// byteReader reads one byte at a time without buffering ahead of the frame.
type byteReader struct {
	r io.Reader
	b [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.b[:]); err != nil {
		return 0, err
	}
	return br.b[0], nil
}
