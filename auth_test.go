package mqttd

import (
	"context"
	"testing"

	"github.com/golang-io/mqttd/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	users := map[string]string{"alice": string(hash)}
	h := PasswordAuth(func(u string) (string, bool) {
		v, ok := users[u]
		return v, ok
	})

	tests := []struct {
		name     string
		username string
		password string
		want     uint8
	}{
		{"accepted", "alice", "secret", 0x00},
		{"wrong password", "alice", "guess", 0x86},
		{"unknown user", "bob", "secret", 0x86},
		{"anonymous", "", "", 0x86},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Connect{Packet: &packet.CONNECT{Username: tt.username, Password: []byte(tt.password)}}
			ack, err := h.ServeConnect(context.Background(), c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ack.Code.Code)
			if tt.want == 0 {
				assert.Equal(t, "alice", ack.Data)
			}
		})
	}
}
