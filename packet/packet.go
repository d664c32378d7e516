package packet

import (
	"bytes"
	"fmt"
	"io"
)

// Packet is one MQTT control packet. The same types serve v3.1.1 and v5.0; the layout is
// selected by FixedHeader.Version.
type Packet interface {
	// Kind returns the control packet type, bits 7-4 of the first header byte.
	Kind() byte

	// Unpack decodes the variable header and payload. The fixed header has already been
	// consumed and buf holds exactly RemainingLength bytes.
	Unpack(*bytes.Buffer) error

	// Pack writes the complete packet, fixed header included.
	Pack(io.Writer) error
}

// ID returns the packet identifier of pkt, or 0 for kinds that carry none.
func ID(pkt Packet) uint16 {
	switch p := pkt.(type) {
	case *PUBLISH:
		return p.PacketID
	case *PUBACK:
		return p.PacketID
	case *PUBREC:
		return p.PacketID
	case *PUBREL:
		return p.PacketID
	case *PUBCOMP:
		return p.PacketID
	case *SUBSCRIBE:
		return p.PacketID
	case *SUBACK:
		return p.PacketID
	case *UNSUBSCRIBE:
		return p.PacketID
	case *UNSUBACK:
		return p.PacketID
	}
	return 0
}

func newPacket(fixed *FixedHeader) (Packet, error) {
	switch fixed.Kind {
	case 0x1:
		return &CONNECT{FixedHeader: fixed}, nil
	case 0x2:
		return &CONNACK{FixedHeader: fixed}, nil
	case 0x3:
		return &PUBLISH{FixedHeader: fixed}, nil
	case 0x4:
		return &PUBACK{FixedHeader: fixed}, nil
	case 0x5:
		return &PUBREC{FixedHeader: fixed}, nil
	case 0x6:
		return &PUBREL{FixedHeader: fixed}, nil
	case 0x7:
		return &PUBCOMP{FixedHeader: fixed}, nil
	case 0x8:
		return &SUBSCRIBE{FixedHeader: fixed}, nil
	case 0x9:
		return &SUBACK{FixedHeader: fixed}, nil
	case 0xA:
		return &UNSUBSCRIBE{FixedHeader: fixed}, nil
	case 0xB:
		return &UNSUBACK{FixedHeader: fixed}, nil
	case 0xC:
		return &PINGREQ{FixedHeader: fixed}, nil
	case 0xD:
		return &PINGRESP{FixedHeader: fixed}, nil
	case 0xE:
		return &DISCONNECT{FixedHeader: fixed}, nil
	case 0xF:
		return &AUTH{FixedHeader: fixed}, nil
	}
	return nil, ErrMalformedPacket
}

func unpackBody(fixed *FixedHeader, body []byte) (Packet, error) {
	pkt, err := newPacket(fixed)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(body)
	if err := pkt.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%s: %w", Kind[fixed.Kind], err)
	}
	if buf.Len() != 0 {
		return nil, fmt.Errorf("%s: %w", Kind[fixed.Kind], ErrMalformedTrailingBytes)
	}
	return pkt, nil
}

// Unpack reads exactly one packet from r. It is the blocking counterpart of Decoder and
// suits request/response exchanges such as the client handshake.
func Unpack(version byte, r io.Reader) (Packet, error) {
	fixed := &FixedHeader{Version: version}
	if err := fixed.Unpack(r); err != nil {
		return nil, err
	}
	buf := GetBuffer()
	defer PutBuffer(buf)
	if _, err := io.CopyN(buf, r, int64(fixed.RemainingLength)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return unpackBody(fixed, buf.Bytes())
}

// Decoder turns a byte buffer into packets without blocking.
type Decoder struct {
	// Version selects the body layout. Zero means not yet negotiated: only CONNECT can be
	// decoded meaningfully, and a decoded CONNECT updates Version.
	Version byte

	// MaxPacketSize bounds the whole frame. Zero means the protocol limit.
	MaxPacketSize uint32
}

// Decode decodes at most one packet from the front of b.
//
// It returns (nil, 0, nil) when b does not yet hold a complete frame. On success n is the
// number of bytes consumed. On failure n tells the caller whether the stream is still
// framable: n > 0 means the broken frame was delimited and the error is a ReasonCode the
// peer can be told about; n == 0 means framing itself failed.
func (d *Decoder) Decode(b []byte) (pkt Packet, n int, err error) {
	if len(b) < 2 {
		return nil, 0, nil
	}
	var length uint32
	hdr := 1
	for ; ; hdr++ {
		if hdr > 4 {
			return nil, 0, ErrMalformedVariableByteInteger
		}
		if hdr >= len(b) {
			return nil, 0, nil
		}
		length |= uint32(b[hdr]&127) << (7 * (hdr - 1))
		if b[hdr]&128 == 0 {
			hdr++
			break
		}
	}
	total := hdr + int(length)
	fixed := &FixedHeader{Version: d.Version, RemainingLength: length}
	fixed.setFlags(b[0])
	if d.MaxPacketSize != 0 && uint32(total) > d.MaxPacketSize {
		return nil, total, ErrPacketTooLarge
	}
	if len(b) < total {
		return nil, 0, nil
	}
	if err := fixed.validate(); err != nil {
		return nil, total, err
	}
	if pkt, err = unpackBody(fixed, b[hdr:total]); err != nil {
		return nil, total, err
	}
	if c, ok := pkt.(*CONNECT); ok && d.Version == 0 {
		d.Version = c.Version
	}
	return pkt, total, nil
}
