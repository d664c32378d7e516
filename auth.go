package mqttd

import (
	"context"

	"github.com/golang-io/mqttd/packet"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user is unknown, so both failures cost the same.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mqttd"), bcrypt.MinCost)

// PasswordAuth returns a ConnectHandler that checks the CONNECT user name and password
// against bcrypt hashes returned by lookup. Anonymous clients are refused.
func PasswordAuth(lookup func(username string) (hash string, ok bool)) ConnectHandler {
	return ConnectFunc(func(ctx context.Context, c *Connect) (*ConnectAck, error) {
		p := c.Packet
		hash, ok := lookup(p.Username)
		if !ok {
			hash = string(dummyHash)
		}
		err := bcrypt.CompareHashAndPassword([]byte(hash), p.Password)
		if !ok || p.Username == "" || err != nil {
			return c.Reject(packet.ErrBadUsernameOrPassword), nil
		}
		return c.Ack().WithData(p.Username), nil
	})
}
