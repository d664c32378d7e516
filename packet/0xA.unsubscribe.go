package packet

import (
	"bytes"
	"fmt"
	"io"
)

// UNSUBSCRIBE removes subscriptions by exact filter. Its fixed header flags are 0b0010.
type UNSUBSCRIBE struct {
	*FixedHeader `json:"FixedHeader,omitempty"`

	PacketID uint16 `json:"PacketID,omitempty"`

	Props *UnsubscribeProperties `json:"Properties,omitempty"`

	TopicFilters []string `json:"TopicFilters,omitempty"`
}

func (pkt *UNSUBSCRIBE) Kind() byte {
	return 0xA
}

func (pkt *UNSUBSCRIBE) String() string {
	return fmt.Sprintf("[0xA]UNSUBSCRIBE: PacketID=%d, TopicFilters=%v", pkt.PacketID, pkt.TopicFilters)
}

func (pkt *UNSUBSCRIBE) Pack(w io.Writer) error {
	if pkt.FixedHeader == nil {
		pkt.FixedHeader = &FixedHeader{Version: VERSION311}
	}
	if len(pkt.TopicFilters) == 0 {
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
	for _, filter := range pkt.TopicFilters {
		buf.Write(s2b(filter))
	}

	pkt.FixedHeader.Kind, pkt.Dup, pkt.QoS, pkt.Retain = 0xA, 0, 1, 0
	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UNSUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	var err error
	if pkt.PacketID, err = readUint16(buf); err != nil {
		return err
	}
	if pkt.PacketID == 0 {
		return ErrMalformedPacketID
	}
	if pkt.Version == VERSION500 {
		pkt.Props = &UnsubscribeProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	}
	for buf.Len() > 0 {
		filter, err := readString(buf)
		if err != nil {
			return err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}
	if len(pkt.TopicFilters) == 0 {
		return ErrProtocolViolationNoFilters
	}
	return nil
}

// UnsubscribeProperties is the v5.0 property set of UNSUBSCRIBE, section 3.10.2.1.
type UnsubscribeProperties struct {
	UserProperties []UserProperty
}

func (props *UnsubscribeProperties) Pack(buf *bytes.Buffer) error {
	var p propWriter
	if props != nil {
		p.users(props.UserProperties)
	}
	return p.writeTo(buf)
}

func (props *UnsubscribeProperties) Unpack(buf *bytes.Buffer) error {
	return unpackProps(buf, func(id byte, r *propReader) (bool, error) {
		if id != PropUserProperty {
			return false, nil
		}
		return true, r.user(&props.UserProperties)
	})
}
