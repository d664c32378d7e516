package mqttd

import (
	"context"
)

// NotImplemented is the PublishHandler used when the application installs none. Messages
// are acknowledged and dropped.
type NotImplemented struct{}

func (NotImplemented) ServePublish(_ context.Context, s *Session, p *Publish) error {
	s.Logger().Warn("publish is not supported", "topic", p.Topic, "qos", p.QoS)
	return nil
}

// DefaultControl acknowledges every control event. Subscriptions are granted as
// requested but nothing is ever routed to them.
type DefaultControl struct{}

func (DefaultControl) ServeControl(_ context.Context, s *Session, c Control) (ControlResult, error) {
	switch c := c.(type) {
	case *Subscribe:
		s.Logger().Warn("subscribe is not supported", "filters", len(c.Subscriptions))
		return c.Ack(), nil
	case *Unsubscribe:
		s.Logger().Warn("unsubscribe is not supported", "filters", len(c.TopicFilters))
		return c.Ack(), nil
	case *Ping:
		return c.Ack(), nil
	case *Disconnect:
		return c.Ack(), nil
	case *Auth:
		return c.Ack(), nil
	case *Closed:
		return c.Ack(), nil
	}
	return ControlResult{}, nil
}
