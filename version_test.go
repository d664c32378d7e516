package mqttd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/golang-io/mqttd/packet"
	"github.com/stretchr/testify/assert"
)

func TestConnackCodeV3(t *testing.T) {
	tests := []struct {
		in   packet.ReasonCode
		want uint8
	}{
		{packet.CodeSuccess, 0x00},
		{packet.ErrUnsupportedProtocolVersion, 0x01},
		{packet.ErrClientIdentifierNotValid, 0x02},
		{packet.ErrServerBusy, 0x03},
		{packet.ErrServerShuttingDown, 0x03},
		{packet.ErrBadUsernameOrPassword, 0x04},
		{packet.ErrBadAuthenticationMethod, 0x04},
		{packet.ErrNotAuthorized, 0x05},
		{packet.ErrBanned, 0x05},
		{packet.ErrUnspecifiedError, 0x03},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("0x%02X", tt.in.Code), func(t *testing.T) {
			connack := v3{}.connack(true, tt.in, nil)
			assert.Equal(t, tt.want, connack.ReasonCode.Code)
			assert.Equal(t, tt.want == 0, connack.SessionPresent)
		})
	}
}

func TestConnackV5(t *testing.T) {
	props := &packet.ConnackProperties{ReasonString: "nope"}
	connack := v5{}.connack(true, packet.ErrNotAuthorized, props)
	assert.Equal(t, uint8(0x87), connack.ReasonCode.Code)
	assert.False(t, connack.SessionPresent)
	assert.Same(t, props, connack.Props)
}

func TestSubackV3(t *testing.T) {
	suback := v3{}.suback(1, []packet.ReasonCode{packet.CodeGrantedQos1, packet.ErrNotAuthorized, packet.CodeNoMatchingSubscribers})
	assert.Equal(t, []packet.ReasonCode{packet.CodeGrantedQos1, packet.Err3SubscribeFailure, packet.Err3SubscribeFailure}, suback.ReasonCode)
}

func TestCanDisconnect(t *testing.T) {
	assert.True(t, v3{}.canDisconnect(RoleClient))
	assert.False(t, v3{}.canDisconnect(RoleServer))
	assert.True(t, v5{}.canDisconnect(RoleClient))
	assert.True(t, v5{}.canDisconnect(RoleServer))
}

func TestPublishFailure(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, packet.CodeSuccess, v3{}.publishFailure(packet.ErrQuotaExceeded))
	assert.Equal(t, packet.ErrUnspecifiedError, v5{}.publishFailure(plain))
	assert.Equal(t, packet.ErrQuotaExceeded, v5{}.publishFailure(fmt.Errorf("wrapped: %w", packet.ErrQuotaExceeded)))
	assert.Equal(t, packet.CodeNoMatchingSubscribers, v5{}.publishFailure(packet.CodeNoMatchingSubscribers))
}

func TestProtocolFor(t *testing.T) {
	assert.Equal(t, packet.VERSION500, protocolFor(packet.VERSION500).level())
	assert.Equal(t, packet.VERSION311, protocolFor(packet.VERSION311).level())
	assert.Equal(t, packet.VERSION311, protocolFor(3).level())
}

func TestDisconnectError(t *testing.T) {
	err := disconnect(packet.ErrKeepAliveTimeout, ErrKeepAliveTimeout)
	assert.ErrorIs(t, err, ErrKeepAliveTimeout)
	assert.ErrorIs(t, err, packet.ErrKeepAliveTimeout)
	assert.Equal(t, packet.ErrKeepAliveTimeout, reasonOf(err, packet.ErrUnspecifiedError))
	assert.Equal(t, packet.ErrUnspecifiedError, reasonOf(plainErr, packet.ErrUnspecifiedError))
	assert.Equal(t, packet.ErrUnspecifiedError, reasonOf(packet.CodeNoMatchingSubscribers, packet.ErrUnspecifiedError))
}

var plainErr = errors.New("plain")
