package packet

import (
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"
)

const (
	VERSION310 byte = 0x3
	VERSION311 byte = 0x4
	VERSION500 byte = 0x5

	max1 = 0x7F      // 127
	max2 = 0x3FFF    // 16383
	max3 = 0x1FFFFF  // 2097151
	max4 = 0xFFFFFFF // 268435455

	KB = 1024 * 1
	MB = 1024 * KB
)

// Kind names control packet types. Position: byte 1, bits 7-4.
var Kind = map[byte]string{
	0x0: "[0x0]RESERVED",
	0x1: "[0x1]CONNECT",
	0x2: "[0x2]CONNACK",
	0x3: "[0x3]PUBLISH",
	0x4: "[0x4]PUBACK",
	0x5: "[0x5]PUBREC",
	0x6: "[0x6]PUBREL",
	0x7: "[0x7]PUBCOMP",
	0x8: "[0x8]SUBSCRIBE",
	0x9: "[0x9]SUBACK",
	0xA: "[0xA]UNSUBSCRIBE",
	0xB: "[0xB]UNSUBACK",
	0xC: "[0xC]PINGREQ",
	0xD: "[0xD]PINGRESP",
	0xE: "[0xE]DISCONNECT",
	0xF: "[0xF]AUTH", // v3.1.1: reserved
}

func encodeLength[T ~uint32 | ~int | ~int64](v T) ([]byte, error) {
	if v < 0 || v > max4 {
		return nil, ErrPacketTooLarge
	}
	result := make([]byte, 0, 4)
	for {
		enc := byte(v % 128)
		v /= 128
		if v > 0 {
			enc |= 128
		}
		result = append(result, enc)
		if v == 0 {
			return result, nil
		}
	}
}

// decodeLength reads a variable byte integer of at most four bytes.
func decodeLength(r io.ByteReader) (uint32, error) {
	var vbi uint32
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		vbi |= uint32(b&127) << (7 * i)
		if b&128 == 0 {
			return vbi, nil
		}
	}
	return 0, ErrMalformedVariableByteInteger
}

// s2b prefixes content with its two byte length.
func s2b[T string | []byte](s T) []byte {
	b := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	return append(b, s...)
}

func i2b(i uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return b
}

func i4b(i uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, i)
	return b
}

func b2i(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// The readers below never panic on short input: every one of them reports
// ErrMalformedShortBuffer instead.

func readByte(buf *bytes.Buffer) (byte, error) {
	b, err := buf.ReadByte()
	if err != nil {
		return 0, ErrMalformedShortBuffer
	}
	return b, nil
}

func readUint16(buf *bytes.Buffer) (uint16, error) {
	if buf.Len() < 2 {
		return 0, ErrMalformedShortBuffer
	}
	return binary.BigEndian.Uint16(buf.Next(2)), nil
}

func readUint32(buf *bytes.Buffer) (uint32, error) {
	if buf.Len() < 4 {
		return 0, ErrMalformedShortBuffer
	}
	return binary.BigEndian.Uint32(buf.Next(4)), nil
}

func readVarint(buf *bytes.Buffer) (uint32, error) {
	v, err := decodeLength(buf)
	if err == io.EOF {
		return 0, ErrMalformedShortBuffer
	}
	return v, err
}

// readBinary returns a copy: decoded packets must not alias the pooled read buffer.
func readBinary(buf *bytes.Buffer) ([]byte, error) {
	n, err := readUint16(buf)
	if err != nil {
		return nil, err
	}
	if buf.Len() < int(n) {
		return nil, ErrMalformedShortBuffer
	}
	return bytes.Clone(buf.Next(int(n))), nil
}

func readString(buf *bytes.Buffer) (string, error) {
	n, err := readUint16(buf)
	if err != nil {
		return "", err
	}
	if buf.Len() < int(n) {
		return "", ErrMalformedShortBuffer
	}
	b := buf.Next(int(n))
	if !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0 {
		return "", ErrMalformedInvalidUTF8
	}
	return string(b), nil
}
