package packet

import (
	"bytes"
	"io"
)

// packAck writes the common layout of PUBACK, PUBREC, PUBREL and PUBCOMP. In v5.0 the
// reason code and the properties are omitted when they carry nothing [MQTT-3.4.2.1].
func packAck(w io.Writer, fixed *FixedHeader, id uint16, code ReasonCode, props *ReasonProperties) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(id))
	if fixed.Version == VERSION500 && (code.Code != 0 || !props.empty()) {
		buf.WriteByte(code.Code)
		if !props.empty() {
			if err := props.Pack(buf); err != nil {
				return err
			}
		}
	}
	fixed.RemainingLength = uint32(buf.Len())
	if err := fixed.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func unpackAck(buf *bytes.Buffer, version byte) (id uint16, code ReasonCode, props *ReasonProperties, err error) {
	if id, err = readUint16(buf); err != nil {
		return
	}
	if id == 0 {
		err = ErrMalformedPacketID
		return
	}
	code = CodeSuccess
	if version != VERSION500 || buf.Len() == 0 {
		return
	}
	b, err := readByte(buf)
	if err != nil {
		return
	}
	code = NewReasonCode(b)
	if buf.Len() == 0 {
		return
	}
	props = &ReasonProperties{}
	err = props.Unpack(buf)
	return
}
