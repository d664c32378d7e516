package packet

import (
	"bytes"
)

// v5.0 property identifiers, section 2.2.2.2.
const (
	PropPayloadFormatIndicator          byte = 0x01
	PropMessageExpiryInterval           byte = 0x02
	PropContentType                     byte = 0x03
	PropResponseTopic                   byte = 0x08
	PropCorrelationData                 byte = 0x09
	PropSubscriptionIdentifier          byte = 0x0B
	PropSessionExpiryInterval           byte = 0x11
	PropAssignedClientIdentifier        byte = 0x12
	PropServerKeepAlive                 byte = 0x13
	PropAuthenticationMethod            byte = 0x15
	PropAuthenticationData              byte = 0x16
	PropRequestProblemInformation       byte = 0x17
	PropWillDelayInterval               byte = 0x18
	PropRequestResponseInformation      byte = 0x19
	PropResponseInformation             byte = 0x1A
	PropServerReference                 byte = 0x1C
	PropReasonString                    byte = 0x1F
	PropReceiveMaximum                  byte = 0x21
	PropTopicAliasMaximum               byte = 0x22
	PropTopicAlias                      byte = 0x23
	PropMaximumQoS                      byte = 0x24
	PropRetainAvailable                 byte = 0x25
	PropUserProperty                    byte = 0x26
	PropMaximumPacketSize               byte = 0x27
	PropWildcardSubscriptionAvailable   byte = 0x28
	PropSubscriptionIdentifierAvailable byte = 0x29
	PropSharedSubscriptionAvailable     byte = 0x2A
)

// UserProperty is a name/value pair. It may appear more than once, and order is kept.
type UserProperty struct {
	Name  string
	Value string
}

// propWriter accumulates a property block; writeTo prefixes it with its length.
type propWriter struct {
	buf bytes.Buffer
}

func (p *propWriter) byte(id, v byte) {
	p.buf.WriteByte(id)
	p.buf.WriteByte(v)
}

func (p *propWriter) uint16(id byte, v uint16) {
	p.buf.WriteByte(id)
	p.buf.Write(i2b(v))
}

func (p *propWriter) uint32(id byte, v uint32) {
	p.buf.WriteByte(id)
	p.buf.Write(i4b(v))
}

func (p *propWriter) varint(id byte, v uint32) error {
	enc, err := encodeLength(v)
	if err != nil {
		return err
	}
	p.buf.WriteByte(id)
	p.buf.Write(enc)
	return nil
}

func (p *propWriter) string(id byte, v string) {
	if v == "" {
		return
	}
	p.buf.WriteByte(id)
	p.buf.Write(s2b(v))
}

func (p *propWriter) binary(id byte, v []byte) {
	if v == nil {
		return
	}
	p.buf.WriteByte(id)
	p.buf.Write(s2b(v))
}

func (p *propWriter) users(ups []UserProperty) {
	for _, up := range ups {
		p.buf.WriteByte(PropUserProperty)
		p.buf.Write(s2b(up.Name))
		p.buf.Write(s2b(up.Value))
	}
}

func (p *propWriter) writeTo(buf *bytes.Buffer) error {
	enc, err := encodeLength(p.buf.Len())
	if err != nil {
		return err
	}
	buf.Write(enc)
	_, err = p.buf.WriteTo(buf)
	return err
}

// propReader walks a property block and remembers which single-valued identifiers it has
// seen, because a repeated one is a protocol error.
type propReader struct {
	body *bytes.Buffer
	seen [0x2B]bool
}

// unpackProps reads the length prefixed block from buf and calls fn for every identifier.
// fn reports false for identifiers that are not valid in the enclosing packet.
func unpackProps(buf *bytes.Buffer, fn func(id byte, r *propReader) (bool, error)) error {
	n, err := readVarint(buf)
	if err != nil {
		return err
	}
	if int(n) > buf.Len() {
		return ErrMalformedProperties
	}
	r := &propReader{body: bytes.NewBuffer(buf.Next(int(n)))}
	for r.body.Len() > 0 {
		id, err := readByte(r.body)
		if err != nil {
			return err
		}
		if id >= byte(len(r.seen)) {
			return ErrMalformedBadProperty
		}
		if id != PropUserProperty && id != PropSubscriptionIdentifier {
			if r.seen[id] {
				return ErrProtocolViolationDuplicateProperty
			}
			r.seen[id] = true
		}
		ok, err := fn(id, r)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMalformedBadProperty
		}
	}
	return nil
}

func (r *propReader) byte() (byte, error)     { return readByte(r.body) }
func (r *propReader) uint16() (uint16, error) { return readUint16(r.body) }
func (r *propReader) uint32() (uint32, error) { return readUint32(r.body) }
func (r *propReader) varint() (uint32, error) { return readVarint(r.body) }
func (r *propReader) string() (string, error) { return readString(r.body) }
func (r *propReader) binary() ([]byte, error) { return readBinary(r.body) }

// flag reads a byte property whose only legal values are 0 and 1.
func (r *propReader) flag() (byte, error) {
	v, err := r.byte()
	if err != nil {
		return 0, err
	}
	if v > 1 {
		return 0, ErrProtocolViolationPropertyValue
	}
	return v, nil
}

func (r *propReader) user(ups *[]UserProperty) error {
	name, err := r.string()
	if err != nil {
		return err
	}
	value, err := r.string()
	if err != nil {
		return err
	}
	*ups = append(*ups, UserProperty{Name: name, Value: value})
	return nil
}

// ReasonProperties is the property set shared by the publish acks, SUBACK and UNSUBACK.
type ReasonProperties struct {
	ReasonString   string
	UserProperties []UserProperty
}

func (props *ReasonProperties) empty() bool {
	return props == nil || (props.ReasonString == "" && len(props.UserProperties) == 0)
}

func (props *ReasonProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		p.string(PropReasonString, props.ReasonString)
		p.users(props.UserProperties)
	}
	return p.writeTo(buf)
}

func (props *ReasonProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropReasonString:
			props.ReasonString, err = r.string()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		default:
			return false, nil
		}
		return true, err
	})
}
