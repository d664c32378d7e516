package mqttd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
	"golang.org/x/sync/errgroup"
)

// Router is a minimal in-process broker: it remembers the sessions that subscribed and
// forwards every published message to them. It serves both as PublishHandler and as
// ControlHandler. Retained messages and persistent sessions are not supported.
type Router struct {
	// Timeout bounds how long one message may wait for a slow subscriber.
	Timeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRouter() *Router {
	return &Router{Timeout: 5 * time.Second, sessions: make(map[string]*Session)}
}

func (r *Router) track(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *Router) untrack(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

// Len returns the number of sessions holding subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Print writes every tracked session with its filters, sorted by client id.
func (r *Router) Print(w io.Writer) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ClientID() < sessions[j].ClientID() })
	for _, s := range sessions {
		fmt.Fprintf(w, "[%s] subscriptions=%d\n", s.ClientID(), s.subs.Len())
		s.subs.Print(w)
	}
}

// Route forwards msg to every matching session and returns how many accepted it.
func (r *Router) Route(ctx context.Context, msg *Message) (int, error) {
	if err := topic.ValidateName(msg.Topic); err != nil {
		return 0, err
	}
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var delivered atomic.Int64
	var group errgroup.Group
	for _, s := range targets {
		s := s
		group.Go(func() error {
			_, err := s.Sink().Forward(ctx, msg)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, ErrNoSubscription), errors.Is(err, ErrSessionClosed):
			default:
				s.Logger().Warn("forward failed", "topic", msg.Topic, "err", err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return int(delivered.Load()), nil
}

func (r *Router) ServePublish(ctx context.Context, s *Session, p *Publish) error {
	n, err := r.Route(ctx, &p.Message)
	if err != nil {
		return err
	}
	if n == 0 {
		return packet.CodeNoMatchingSubscribers
	}
	return nil
}

func (r *Router) ServeControl(ctx context.Context, s *Session, c Control) (ControlResult, error) {
	switch c := c.(type) {
	case *Subscribe:
		r.track(s)
		return c.Ack(), nil
	case *Unsubscribe:
		return c.Ack(), nil
	case *Ping:
		return c.Ack(), nil
	case *Disconnect:
		return c.Ack(), nil
	case *Auth:
		return c.Ack(), nil
	case *Closed:
		r.untrack(s)
		if c.Will != nil {
			will := *c.Will
			will.Origin = s.ID()
			n, err := r.Route(ctx, &will)
			s.Logger().Info("will published", "topic", will.Topic, "delivered", n, "err", err)
		}
		return c.Ack(), nil
	}
	return ControlResult{}, nil
}
