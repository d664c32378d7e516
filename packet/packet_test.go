package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pack(t *testing.T, pkt Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Pack(&buf))
	return buf.Bytes()
}

func decode(t *testing.T, version byte, b []byte) Packet {
	t.Helper()
	d := &Decoder{Version: version}
	pkt, n, err := d.Decode(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.NotNil(t, pkt)
	return pkt
}

func TestDecoderIncomplete(t *testing.T) {
	full := pack(t, &PUBLISH{
		FixedHeader: &FixedHeader{Version: VERSION311, QoS: 1},
		PacketID:    7,
		Message:     &Message{TopicName: "a/b", Content: []byte("hello")},
	})
	d := &Decoder{Version: VERSION311}
	for i := 0; i < len(full); i++ {
		pkt, n, err := d.Decode(full[:i])
		assert.Nil(t, pkt)
		assert.Zero(t, n, "prefix %d", i)
		assert.NoError(t, err)
	}
	pkt, n, err := d.Decode(append(full, 0xC0))
	require.NoError(t, err)
	assert.Equal(t, len(full), n)
	assert.Equal(t, uint16(7), ID(pkt))
}

func TestDecoderConnectSetsVersion(t *testing.T) {
	for _, version := range []byte{VERSION311, VERSION500} {
		b := pack(t, &CONNECT{
			FixedHeader: &FixedHeader{Version: version},
			CleanStart:  true,
			KeepAlive:   30,
			ClientID:    "c1",
			Will:        &Will{TopicName: "will", Payload: []byte("bye"), QoS: 1},
			Username:    "u",
			Password:    []byte("p"),
		})
		d := &Decoder{}
		pkt, _, err := d.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, version, d.Version)

		c := pkt.(*CONNECT)
		assert.Equal(t, "c1", c.ClientID)
		assert.Equal(t, uint16(30), c.KeepAlive)
		assert.True(t, c.CleanStart)
		assert.Equal(t, "u", c.Username)
		assert.Equal(t, []byte("p"), c.Password)
		require.NotNil(t, c.Will)
		assert.Equal(t, "will", c.Will.TopicName)
		assert.Equal(t, uint8(1), c.Will.QoS)
	}
}

func TestDecoderUnsupportedLevel(t *testing.T) {
	b := pack(t, &CONNECT{FixedHeader: &FixedHeader{Version: VERSION311}, ClientID: "x"})
	b[8] = 0x03 // protocol level byte after the fixed header and the name
	_, n, err := (&Decoder{}).Decode(b)
	assert.Equal(t, len(b), n)
	assert.ErrorIs(t, err, ErrUnsupportedProtocolVersion)
}

func TestDecoderFraming(t *testing.T) {
	t.Run("varint too long", func(t *testing.T) {
		_, n, err := (&Decoder{}).Decode([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrMalformedVariableByteInteger)
	})
	t.Run("too large", func(t *testing.T) {
		d := &Decoder{Version: VERSION500, MaxPacketSize: 8}
		_, n, err := d.Decode([]byte{0x30, 0x20})
		assert.Equal(t, 0x22, n)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
	t.Run("reserved kind", func(t *testing.T) {
		_, n, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x00, 0x00})
		assert.Equal(t, 2, n)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})
	t.Run("bad flags", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x80, 0x04, 0x00, 0x01, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrMalformedFlags)
	})
	t.Run("publish qos 3", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x36, 0x00})
		assert.ErrorIs(t, err, ErrMalformedQos)
	})
	t.Run("auth in v3", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0xF0, 0x00})
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x40, 0x03, 0x00, 0x01, 0x00})
		assert.ErrorIs(t, err, ErrMalformedTrailingBytes)
	})
	t.Run("short body", func(t *testing.T) {
		_, n, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x40, 0x01, 0x00})
		assert.Equal(t, 3, n)
		assert.ErrorIs(t, err, ErrMalformedShortBuffer)
	})
}

func TestPublish(t *testing.T) {
	t.Run("v5 properties", func(t *testing.T) {
		in := &PUBLISH{
			FixedHeader: &FixedHeader{Version: VERSION500, QoS: 2, Retain: 1},
			PacketID:    42,
			Message:     &Message{TopicName: "t", Content: []byte{1, 2, 3}},
			Props: &PublishProperties{
				TopicAlias:             3,
				ResponseTopic:          "r",
				UserProperties:         []UserProperty{{"k", "v"}, {"k", "w"}},
				SubscriptionIdentifier: []uint32{1, 300},
			},
		}
		out := decode(t, VERSION500, pack(t, in)).(*PUBLISH)
		assert.Equal(t, uint8(2), out.QoS)
		assert.Equal(t, uint8(1), out.Retain)
		assert.Equal(t, in.Message.Content, out.Message.Content)
		assert.Equal(t, in.Props.UserProperties, out.Props.UserProperties)
		assert.Equal(t, in.Props.SubscriptionIdentifier, out.Props.SubscriptionIdentifier)
		assert.Equal(t, uint16(3), out.Props.TopicAlias)
	})
	t.Run("wildcard topic", func(t *testing.T) {
		b := pack(t, &PUBLISH{Message: &Message{TopicName: "a/+"}})
		_, _, err := (&Decoder{Version: VERSION311}).Decode(b)
		assert.ErrorIs(t, err, ErrTopicNameInvalid)
	})
	t.Run("empty topic v3", func(t *testing.T) {
		b := pack(t, &PUBLISH{Message: &Message{}})
		_, _, err := (&Decoder{Version: VERSION311}).Decode(b)
		assert.ErrorIs(t, err, ErrTopicNameInvalid)
	})
	t.Run("qos without id", func(t *testing.T) {
		err := (&PUBLISH{FixedHeader: &FixedHeader{QoS: 1}, Message: &Message{TopicName: "a"}}).Pack(&bytes.Buffer{})
		assert.ErrorIs(t, err, ErrProtocolViolationNoPacketID)
	})
	t.Run("duplicate property", func(t *testing.T) {
		b := []byte{0x30, 0x09, 0x00, 0x01, 'a', 0x05, 0x02, 0, 0, 0, 1}
		b[1] = byte(len(b) - 2)
		_, _, err := (&Decoder{Version: VERSION500}).Decode(b)
		require.NoError(t, err)

		b = []byte{0x30, 0, 0x00, 0x01, 'a', 0x06, 0x23, 0x00, 0x01, 0x23, 0x00, 0x02}
		b[1] = byte(len(b) - 2)
		_, _, err = (&Decoder{Version: VERSION500}).Decode(b)
		assert.ErrorIs(t, err, ErrProtocolViolationDuplicateProperty)
	})
}

func TestAcks(t *testing.T) {
	t.Run("v3 has no reason code", func(t *testing.T) {
		b := pack(t, &PUBACK{PacketID: 9})
		assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x09}, b)
	})
	t.Run("v5 success is short", func(t *testing.T) {
		b := pack(t, &PUBREC{FixedHeader: &FixedHeader{Version: VERSION500}, PacketID: 9})
		assert.Equal(t, []byte{0x50, 0x02, 0x00, 0x09}, b)
	})
	t.Run("v5 reason code", func(t *testing.T) {
		in := &PUBCOMP{FixedHeader: &FixedHeader{Version: VERSION500}, PacketID: 9, ReasonCode: ErrPacketIdentifierNotFound}
		out := decode(t, VERSION500, pack(t, in)).(*PUBCOMP)
		assert.Equal(t, uint8(0x92), out.ReasonCode.Code)
	})
	t.Run("pubrel flags", func(t *testing.T) {
		b := pack(t, &PUBREL{PacketID: 1})
		assert.Equal(t, byte(0x62), b[0])
	})
	t.Run("zero id", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x40, 0x02, 0x00, 0x00})
		assert.ErrorIs(t, err, ErrMalformedPacketID)
	})
}

func TestSubscribe(t *testing.T) {
	in := &SUBSCRIBE{
		FixedHeader: &FixedHeader{Version: VERSION500},
		PacketID:    3,
		Props:       &SubscribeProperties{SubscriptionIdentifier: 11},
		Subscriptions: []Subscription{
			{TopicFilter: "a/+", MaximumQoS: 1, NoLocal: true},
			{TopicFilter: "b/#", MaximumQoS: 2, RetainAsPublished: true, RetainHandling: 2},
		},
	}
	out := decode(t, VERSION500, pack(t, in)).(*SUBSCRIBE)
	assert.Equal(t, in.Subscriptions, out.Subscriptions)
	assert.Equal(t, uint32(11), out.Props.SubscriptionIdentifier)

	t.Run("reserved option bits", func(t *testing.T) {
		b := []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x04}
		_, _, err := (&Decoder{Version: VERSION311}).Decode(b)
		assert.ErrorIs(t, err, ErrMalformedSubscribeOptions)

		b = []byte{0x82, 0x07, 0x00, 0x01, 0x00, 0x00, 0x01, 'a', 0x40}
		_, _, err = (&Decoder{Version: VERSION500}).Decode(b)
		assert.ErrorIs(t, err, ErrMalformedSubscribeOptions)
	})
	t.Run("no filters", func(t *testing.T) {
		_, _, err := (&Decoder{Version: VERSION311}).Decode([]byte{0x82, 0x02, 0x00, 0x01})
		assert.ErrorIs(t, err, ErrProtocolViolationNoFilters)
	})
	t.Run("suback v3 failure", func(t *testing.T) {
		b := pack(t, &SUBACK{PacketID: 3, ReasonCode: []ReasonCode{CodeGrantedQos1, Err3SubscribeFailure}})
		out := decode(t, VERSION311, b).(*SUBACK)
		assert.Equal(t, []uint8{0x01, 0x80}, []uint8{out.ReasonCode[0].Code, out.ReasonCode[1].Code})
	})
}

func TestUnsubscribe(t *testing.T) {
	in := &UNSUBSCRIBE{FixedHeader: &FixedHeader{Version: VERSION500}, PacketID: 5, TopicFilters: []string{"a", "b/#"}}
	out := decode(t, VERSION500, pack(t, in)).(*UNSUBSCRIBE)
	assert.Equal(t, in.TopicFilters, out.TopicFilters)

	ack := &UNSUBACK{FixedHeader: &FixedHeader{Version: VERSION500}, PacketID: 5, ReasonCode: []ReasonCode{CodeSuccess, CodeNoSubscriptionExisted}}
	got := decode(t, VERSION500, pack(t, ack)).(*UNSUBACK)
	assert.Equal(t, uint8(0x11), got.ReasonCode[1].Code)

	v3 := pack(t, &UNSUBACK{PacketID: 5, ReasonCode: []ReasonCode{CodeSuccess}})
	assert.Equal(t, []byte{0xB0, 0x02, 0x00, 0x05}, v3)
}

func TestDisconnect(t *testing.T) {
	assert.Equal(t, []byte{0xE0, 0x00}, pack(t, &DISCONNECT{FixedHeader: &FixedHeader{Version: VERSION500}}))

	out := decode(t, VERSION500, []byte{0xE0, 0x00}).(*DISCONNECT)
	assert.Equal(t, uint8(0), out.ReasonCode.Code)

	in := &DISCONNECT{
		FixedHeader: &FixedHeader{Version: VERSION500},
		ReasonCode:  ErrKeepAliveTimeout,
		Props:       &DisconnectProperties{ReasonString: "idle"},
	}
	out = decode(t, VERSION500, pack(t, in)).(*DISCONNECT)
	assert.Equal(t, uint8(0x8D), out.ReasonCode.Code)
	assert.Equal(t, "idle", out.Props.ReasonString)
}

func TestAuth(t *testing.T) {
	in := &AUTH{ReasonCode: CodeContinueAuthentication, Props: &AuthProperties{AuthenticationMethod: "SCRAM", AuthenticationData: []byte{1}}}
	out := decode(t, VERSION500, pack(t, in)).(*AUTH)
	assert.Equal(t, uint8(0x18), out.ReasonCode.Code)
	assert.Equal(t, "SCRAM", out.Props.AuthenticationMethod)

	assert.Error(t, (&AUTH{FixedHeader: &FixedHeader{Version: VERSION311}}).Pack(&bytes.Buffer{}))
}

func TestPing(t *testing.T) {
	assert.Equal(t, []byte{0xC0, 0x00}, pack(t, &PINGREQ{}))
	assert.Equal(t, []byte{0xD0, 0x00}, pack(t, &PINGRESP{}))
	assert.IsType(t, &PINGRESP{}, decode(t, VERSION311, []byte{0xD0, 0x00}))
}

func TestUnpackStream(t *testing.T) {
	b := pack(t, &CONNACK{FixedHeader: &FixedHeader{Version: VERSION500}, SessionPresent: true, Props: &ConnackProperties{ReceiveMaximum: 10}})
	pkt, err := Unpack(VERSION500, bytes.NewReader(b))
	require.NoError(t, err)
	ack := pkt.(*CONNACK)
	assert.True(t, ack.SessionPresent)
	assert.Equal(t, uint16(10), ack.Props.ReceiveMaximum)

	_, err = Unpack(VERSION500, bytes.NewReader(b[:len(b)-1]))
	assert.Error(t, err)
}

func TestReasonCode(t *testing.T) {
	assert.ErrorIs(t, ErrProtocolViolationSecondConnect, ErrProtocolErr)
	assert.NotErrorIs(t, ErrMalformedPacket, ErrProtocolErr)
	rc, ok := CodeOf(ErrTopicFilterInvalid)
	assert.True(t, ok)
	assert.True(t, rc.Failed())
	assert.False(t, CodeGrantedQos2.Failed())
	assert.Equal(t, ErrServerBusy, NewReasonCode(0x89))
}
