package packet

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Message is the application part of a PUBLISH.
type Message struct {
	TopicName string
	Content   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s, content=%s", m.TopicName, m.Content)
}

// PUBLISH carries an application message in either direction. PacketID is present only
// for QoS 1 and 2.
type PUBLISH struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Message *Message `json:"Message,omitempty"`

	Props *PublishProperties `json:"Properties,omitempty"`
}

func (pkt *PUBLISH) Kind() byte {
	return 0x3
}

func (pkt *PUBLISH) String() string {
	return fmt.Sprintf("[0x3]PUBLISH: PacketID=%d, QoS=%d, Topic=%s, Len=%d", pkt.PacketID, pkt.QoS, pkt.Message.TopicName, len(pkt.Message.Content))
}

func (pkt *PUBLISH) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	if pkt.Message == nil {
		pkt.Message = &Message{}
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.QoS != 0 {
		if pkt.PacketID == 0 {
			return ErrProtocolViolationNoPacketID
		}
		buf.Write(i2b(pkt.PacketID))
	}
	if pkt.Version == VERSION500 {
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}
	buf.Write(pkt.Message.Content)

	pkt.FixedHeader.Kind, pkt.RemainingLength = 0x3, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	topic, err := readString(buf)
	if err != nil {
		return err
	}
	// Wildcards are never valid in a topic name [MQTT-3.3.2-2]. An empty name is legal in
	// v5.0 only together with a topic alias, which the receiver checks.
	if strings.ContainsAny(topic, "+#") || (topic == "" && pkt.Version != VERSION500) {
		return ErrTopicNameInvalid
	}
	pkt.Message = &Message{TopicName: topic}

	if pkt.QoS != 0 {
		if pkt.PacketID, err = readUint16(buf); err != nil {
			return err
		}
		if pkt.PacketID == 0 {
			return ErrMalformedPacketID
		}
	}

	if pkt.Version == VERSION500 {
		pkt.Props = &PublishProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	pkt.Message.Content = bytes.Clone(buf.Next(buf.Len()))
	return nil
}

// PublishProperties is the v5.0 property set of PUBLISH, section 3.3.2.3.
type PublishProperties struct {
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	TopicAlias             uint16
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []UserProperty
	SubscriptionIdentifier []uint32
	ContentType            string
}

// Clone returns a deep enough copy for forwarding: slices are copied, strings shared.
func (props *PublishProperties) Clone() *PublishProperties {
	if props == nil {
		return nil
	}
	c := *props
	c.CorrelationData = bytes.Clone(props.CorrelationData)
	c.UserProperties = append([]UserProperty(nil), props.UserProperties...)
	c.SubscriptionIdentifier = append([]uint32(nil), props.SubscriptionIdentifier...)
	return &c
}

func (props *PublishProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.PayloadFormatIndicator != 0 {
			p.byte(PropPayloadFormatIndicator, props.PayloadFormatIndicator)
		}
		if props.MessageExpiryInterval != 0 {
			p.uint32(PropMessageExpiryInterval, props.MessageExpiryInterval)
		}
		if props.TopicAlias != 0 {
			p.uint16(PropTopicAlias, props.TopicAlias)
		}
		p.string(PropResponseTopic, props.ResponseTopic)
		p.binary(PropCorrelationData, props.CorrelationData)
		p.users(props.UserProperties)
		for _, id := range props.SubscriptionIdentifier {
			if err := p.varint(PropSubscriptionIdentifier, id); err != nil {
				return err
			}
		}
		p.string(PropContentType, props.ContentType)
	}
	return p.writeTo(buf)
}

func (props *PublishProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropPayloadFormatIndicator:
			props.PayloadFormatIndicator, err = r.flag()
		case PropMessageExpiryInterval:
			props.MessageExpiryInterval, err = r.uint32()
		case PropTopicAlias:
			if props.TopicAlias, err = r.uint16(); err == nil && props.TopicAlias == 0 {
				err = ErrTopicAliasInvalid
			}
		case PropResponseTopic:
			props.ResponseTopic, err = r.string()
		case PropCorrelationData:
			props.CorrelationData, err = r.binary()
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		case PropSubscriptionIdentifier:
			var v uint32
			if v, err = r.varint(); err == nil {
				if v == 0 {
					return true, ErrProtocolViolationPropertyValue
				}
				props.SubscriptionIdentifier = append(props.SubscriptionIdentifier, v)
			}
		case PropContentType:
			props.ContentType, err = r.string()
		default:
			return false, nil
		}
		return true, err
	})
}
