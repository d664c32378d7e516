package packet

import (
	"bytes"
	"fmt"
	"io"
)

// Subscription is one entry of a SUBSCRIBE payload. The option bits other than MaximumQoS
// exist in v5.0 only and are ignored when packing v3.1.1.
type Subscription struct {
	TopicFilter       string
	MaximumQoS        uint8
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    uint8
}

func (s Subscription) options(version byte) byte {
	b := s.MaximumQoS & 0x03
	if version == VERSION500 {
		b |= b2i(s.NoLocal)<<2 | b2i(s.RetainAsPublished)<<3 | (s.RetainHandling&0x03)<<4
	}
	return b
}

// SUBSCRIBE requests one or more subscriptions. Its fixed header flags are 0b0010.
type SUBSCRIBE struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *SubscribeProperties `json:"Properties,omitempty"`

	Subscriptions []Subscription `json:"Subscriptions,omitempty"`
}

func (pkt *SUBSCRIBE) Kind() byte {
	return 0x8
}

func (pkt *SUBSCRIBE) String() string {
	return fmt.Sprintf("[0x8]SUBSCRIBE: PacketID=%d, Subscriptions=%d", pkt.PacketID, len(pkt.Subscriptions))
}

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationNoFilters
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	if pkt.Version == VERSION500 {
		if err := pkt.Props.Pack(buf); err != nil {
			return err
		}
	}
	for _, sub := range pkt.Subscriptions {
		if sub.TopicFilter == "" {
			return ErrProtocolViolationNoTopic
		}
		buf.Write(s2b(sub.TopicFilter))
		buf.WriteByte(sub.options(pkt.Version))
	}

	pkt.FixedHeader.Kind, pkt.Dup, pkt.QoS, pkt.Retain = 0x8, 0, 1, 0
	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	var err error
	if pkt.PacketID, err = readUint16(buf); err != nil {
		return err
	}
	if pkt.PacketID == 0 {
		return ErrMalformedPacketID
	}
	if pkt.Version == VERSION500 {
		pkt.Props = &SubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	// The reserved option bits are 7-6 in v5.0 and 7-2 in v3.1.1 [MQTT-3.8.3-4].
	reserved := byte(0b11111100)
	if pkt.Version == VERSION500 {
		reserved = 0b11000000
	}
	for buf.Len() > 0 {
		var sub Subscription
		if sub.TopicFilter, err = readString(buf); err != nil {
			return err
		}
		opts, err := readByte(buf)
		if err != nil {
			return err
		}
		if opts&reserved != 0 {
			return ErrMalformedSubscribeOptions
		}
		sub.MaximumQoS = opts & 0x03
		if sub.MaximumQoS > 2 {
			return ErrMalformedQos
		}
		if pkt.Version == VERSION500 {
			sub.NoLocal = opts&(1<<2) != 0
			sub.RetainAsPublished = opts&(1<<3) != 0
			sub.RetainHandling = opts >> 4 & 0x03
			if sub.RetainHandling > 2 {
				return ErrProtocolErr
			}
		}
		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationNoFilters
	}
	return nil
}

// SubscribeProperties is the v5.0 property set of SUBSCRIBE, section 3.8.2.1.
type SubscribeProperties struct {
	SubscriptionIdentifier uint32
	UserProperties         []UserProperty
}

func (props *SubscribeProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		if props.SubscriptionIdentifier != 0 {
			if err := p.varint(PropSubscriptionIdentifier, props.SubscriptionIdentifier); err != nil {
				return err
			}
		}
		p.users(props.UserProperties)
	}
	return p.writeTo(buf)
}

func (props *SubscribeProperties) Unpack(buf *bytes.Buffer) error {
	seen := false
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		var err error
		switch id {
		case PropSubscriptionIdentifier:
			if seen {
				return true, ErrProtocolViolationDuplicateProperty
			}
			seen = true
			if props.SubscriptionIdentifier, err = r.varint(); err == nil && props.SubscriptionIdentifier == 0 {
				err = ErrProtocolViolationPropertyValue
			}
		case PropUserProperty:
			err = r.user(&props.UserProperties)
		default:
			return false, nil
		}
		return true, err
	})
}
