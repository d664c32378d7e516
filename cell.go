package mqttd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/topic"
	"github.com/google/uuid"
)

// Session is the state of one established connection, shared between its Dispatcher and
// the application. The Dispatcher is the only writer to the connection; everything else
// reaches the peer through Sink.
type Session struct {
	id         string
	clientID   string
	version    byte
	role       Role
	remote     net.Addr
	keepAlive  time.Duration
	cleanStart bool
	present    bool
	receiveMax uint16
	aliasMax   uint16
	data       any
	will       *Message
	log        *slog.Logger

	subs  *topic.Subs
	sink  *Sink
	queue chan *request

	// gate orders posts against seal: a request either lands before the dispatcher's
	// final drain or is refused.
	gate   sync.RWMutex
	sealed bool

	// quota holds one token per unacknowledged outbound QoS 1 or 2 publish.
	quota chan struct{}

	mu       sync.Mutex
	outbound inflight
	inbound  inflight
	lastID   uint16
	released bool

	lastIn  atomic.Int64
	lastOut atomic.Int64

	once   sync.Once
	closed chan struct{}
	cause  error
}

type sessionParams struct {
	clientID   string
	version    byte
	role       Role
	remote     net.Addr
	keepAlive  time.Duration
	cleanStart bool
	present    bool
	receiveMax uint16
	sendQuota  uint16
	aliasMax   uint16
	queueSize  int
	data       any
	will       *Message
	logger     *slog.Logger
}

func newSession(p sessionParams) *Session {
	s := &Session{
		id:         uuid.NewString(),
		clientID:   p.clientID,
		version:    p.version,
		role:       p.role,
		remote:     p.remote,
		keepAlive:  p.keepAlive,
		cleanStart: p.cleanStart,
		present:    p.present,
		receiveMax: p.receiveMax,
		aliasMax:   p.aliasMax,
		data:       p.data,
		will:       p.will,
		subs:       topic.NewSubs(),
		queue:      make(chan *request, max(p.queueSize, 1)),
		quota:      make(chan struct{}, max(int(p.sendQuota), 1)),
		outbound:   make(inflight),
		inbound:    make(inflight),
		closed:     make(chan struct{}),
	}
	if s.receiveMax == 0 {
		s.receiveMax = 65535
	}
	logger := p.logger
	if logger == nil {
		logger = slog.Default()
	}
	s.log = logger.With("client_id", s.clientID, "session", s.id, "remote", addrString(s.remote))
	s.sink = &Sink{s: s}
	now := time.Now().UnixNano()
	s.lastIn.Store(now)
	s.lastOut.Store(now)
	return s
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ID is unique per connection, unlike the client identifier.
func (s *Session) ID() string               { return s.id }
func (s *Session) ClientID() string         { return s.clientID }
func (s *Session) Version() byte            { return s.version }
func (s *Session) Role() Role               { return s.role }
func (s *Session) RemoteAddr() net.Addr     { return s.remote }
func (s *Session) KeepAlive() time.Duration { return s.keepAlive }
func (s *Session) CleanStart() bool         { return s.cleanStart }
func (s *Session) SessionPresent() bool     { return s.present }
func (s *Session) Data() any                { return s.data }
func (s *Session) Sink() *Sink              { return s.sink }
func (s *Session) Logger() *slog.Logger     { return s.log }
func (s *Session) Done() <-chan struct{}    { return s.closed }

// Err returns the close cause once the session is closed. It is nil while the session is
// open and after a normal close.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		if errors.Is(s.cause, errNormalClose) {
			return nil
		}
		return s.cause
	default:
		return nil
	}
}

// Subscribe stores a granted subscription.
func (s *Session) Subscribe(sub topic.Subscription) (bool, error) {
	return s.subs.Add(sub)
}

func (s *Session) Unsubscribe(filter string) bool {
	return s.subs.Remove(filter)
}

// Match returns the session's subscriptions matching a topic name.
func (s *Session) Match(name string) []topic.Subscription {
	return s.subs.Match(name)
}

// Subscriptions returns a snapshot in subscription order.
func (s *Session) Subscriptions() []topic.Subscription {
	return s.subs.Filters()
}

// Inflight returns the number of open exchanges per direction.
func (s *Session) Inflight() (outbound, inbound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound), len(s.inbound)
}

// allocate returns the next free outbound packet identifier. Identifiers are handed out
// sequentially, wrap from 65535 to 1 and skip those still in use. Callers hold mu.
func (s *Session) allocate() (uint16, error) {
	for i := 0; i < 65535; i++ {
		s.lastID++
		if s.lastID == 0 {
			s.lastID = 1
		}
		if _, busy := s.outbound[s.lastID]; !busy {
			return s.lastID, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// register allocates an identifier for e and stores it as outbound. It fails once the
// session has been released.
func (s *Session) register(e *exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSessionClosed
	}
	id, err := s.allocate()
	if err != nil {
		return err
	}
	e.id = id
	if err := s.outbound.put(e); err != nil {
		return err
	}
	stat.Inflight.WithLabelValues(outboundLabel).Inc()
	return nil
}

// abandon forgets an outbound exchange whose request never reached the queue.
func (s *Session) abandon(e *exchange, err error) {
	s.mu.Lock()
	cur, ok := s.outbound.get(e.id)
	if ok && cur == e {
		delete(s.outbound, e.id)
	}
	s.mu.Unlock()
	if ok && cur == e {
		s.retire(e, err)
	}
}

// retire hands back the quota token of a finished exchange and resolves it.
func (s *Session) retire(e *exchange, err error) {
	switch {
	case e.id == 0:
	case e.state == awaitPubrel:
		stat.Inflight.WithLabelValues(inboundLabel).Dec()
	default:
		stat.Inflight.WithLabelValues(outboundLabel).Dec()
	}
	if e.quota {
		select {
		case <-s.quota:
		default:
		}
	}
	e.resolve(err)
}

// acquire takes a send quota token, waiting while the peer's receive maximum is reached.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.quota <- struct{}{}:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) touchIn()  { s.lastIn.Store(time.Now().UnixNano()) }
func (s *Session) touchOut() { s.lastOut.Store(time.Now().UnixNano()) }

// close latches the session closed with cause. Only the first call has an effect; it
// reports whether it was that call.
func (s *Session) close(cause error) bool {
	first := false
	s.once.Do(func() {
		s.cause = cause
		close(s.closed)
		first = true
	})
	return first
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// post hands req to the Dispatcher, waiting for queue space until the session closes or
// ctx ends.
func (s *Session) post(ctx context.Context, req *request) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.sealed || s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.queue <- req:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seal refuses further posts and returns what is still queued. Posters blocked on a
// full queue leave once the session is closed, so the Dispatcher calls it after close.
func (s *Session) seal() []*request {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.sealed = true
	var rest []*request
	for {
		select {
		case req := <-s.queue:
			rest = append(rest, req)
		default:
			return rest
		}
	}
}

// release fails every open exchange with ErrSessionClosed and makes later Sink calls
// fail. It runs once; the Dispatcher calls it during teardown.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	pending := append(s.outbound.drain(), s.inbound.drain()...)
	s.mu.Unlock()
	for _, e := range pending {
		s.retire(e, ErrSessionClosed)
	}
}
