package mqttd

import (
	"github.com/golang-io/mqttd/packet"
)

// exchangeState is the acknowledgement an exchange waits for.
type exchangeState uint8

const (
	awaitPuback exchangeState = iota + 1
	awaitPubrec
	awaitPubcomp
	awaitPubrel
	awaitSuback
	awaitUnsuback
)

// exchange is one packet identifier keyed conversation. Outbound exchanges belong to a
// Sink caller waiting on done; inbound ones remember a QoS 2 message until PUBREL.
type exchange struct {
	id    uint16
	state exchangeState

	publish *Publish
	pub     *packet.PUBLISH
	subs    []packet.Subscription
	filters []string

	// quota is set when the exchange holds a send quota token.
	quota bool

	done  chan struct{}
	ack   *PublishAck
	codes []packet.ReasonCode
	err   error
}

func newExchange(id uint16, state exchangeState) *exchange {
	return &exchange{id: id, state: state, done: make(chan struct{})}
}

// resolve publishes the outcome. Callers set ack, codes and err first and call resolve
// once, after removing the exchange from its table under Session.mu.
func (e *exchange) resolve(err error) {
	e.err = err
	close(e.done)
}

// inflight is one direction of the exchange tables. It has no lock of its own: the
// Session mutex guards both directions and the identifier allocator together.
type inflight map[uint16]*exchange

func (t inflight) get(id uint16) (*exchange, bool) {
	e, ok := t[id]
	return e, ok
}

func (t inflight) put(e *exchange) error {
	if _, ok := t[e.id]; ok {
		return packet.ErrPacketIdentifierInUse
	}
	t[e.id] = e
	return nil
}

// take removes and returns the exchange for id.
func (t inflight) take(id uint16) (*exchange, bool) {
	e, ok := t[id]
	if ok {
		delete(t, id)
	}
	return e, ok
}

func (t inflight) drain() []*exchange {
	out := make([]*exchange, 0, len(t))
	for id, e := range t {
		out = append(out, e)
		delete(t, id)
	}
	return out
}
