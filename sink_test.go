package mqttd

import (
	"context"
	"testing"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(t *testing.T, s *Session) *request {
	t.Helper()
	select {
	case req := <-s.queue:
		return req
	default:
		t.Fatal("nothing queued")
		return nil
	}
}

func subscribe(t *testing.T, s *Session, subs ...topic.Subscription) {
	t.Helper()
	for _, sub := range subs {
		_, err := s.Subscribe(sub)
		require.NoError(t, err)
	}
}

func TestForwardSingleCopyAtLowestQoS(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION500)
	subscribe(t, s,
		topic.Subscription{Filter: "sensors/#", QoS: 1, Identifier: 3},
		topic.Subscription{Filter: "sensors/+/temp", QoS: 2, Identifier: 7},
	)

	_, err := s.Sink().Forward(context.Background(), &Message{Topic: "sensors/a/temp", Payload: []byte("21"), QoS: 2, Retain: true})
	require.NoError(t, err)
	req := queued(t, s)
	assert.Empty(t, s.queue)

	pub := req.pkt.(*packet.PUBLISH)
	assert.Equal(t, uint8(2), pub.QoS)
	assert.Equal(t, uint8(0), pub.Retain)
	assert.NotZero(t, pub.PacketID)
	assert.ElementsMatch(t, []uint32{3, 7}, pub.Props.SubscriptionIdentifier)

	_, err = s.Sink().Forward(context.Background(), &Message{Topic: "sensors/b", QoS: 2})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), queued(t, s).pkt.(*packet.PUBLISH).QoS)
}

func TestForwardNoLocalAndRetainAsPublished(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION500)
	subscribe(t, s,
		topic.Subscription{Filter: "own", NoLocal: true},
		topic.Subscription{Filter: "kept", RetainAsPublished: true},
	)

	_, err := s.Sink().Forward(context.Background(), &Message{Topic: "own", Origin: s.ID()})
	assert.ErrorIs(t, err, ErrNoSubscription)
	_, err = s.Sink().Forward(context.Background(), &Message{Topic: "own", Origin: "other"})
	require.NoError(t, err)
	queued(t, s)

	_, err = s.Sink().Forward(context.Background(), &Message{Topic: "kept", Retain: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), queued(t, s).pkt.(*packet.PUBLISH).Retain)

	_, err = s.Sink().Forward(context.Background(), &Message{Topic: "nobody"})
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestForwardStripsTopicAlias(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION500)
	subscribe(t, s, topic.Subscription{Filter: "a"})
	props := &packet.PublishProperties{TopicAlias: 4, ContentType: "text/plain"}
	_, err := s.Sink().Forward(context.Background(), &Message{Topic: "a", Props: props})
	require.NoError(t, err)
	pub := queued(t, s).pkt.(*packet.PUBLISH)
	assert.Zero(t, pub.Props.TopicAlias)
	assert.Equal(t, "text/plain", pub.Props.ContentType)
	assert.Equal(t, uint16(4), props.TopicAlias)
}

func TestPublishValidation(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION311)
	_, err := s.Sink().Publish(context.Background(), "a/+", nil)
	assert.Error(t, err)
	_, err = s.Sink().Publish(context.Background(), "a", nil, QoS(3))
	assert.ErrorIs(t, err, packet.ErrMalformedQos)

	d, err := s.Sink().Publish(context.Background(), "a", []byte("x"), Properties(&packet.PublishProperties{ContentType: "x"}))
	require.NoError(t, err)
	req := queued(t, s)
	assert.Nil(t, req.pkt.(*packet.PUBLISH).Props)
	assert.Same(t, d.ex, req.flushed)
	select {
	case <-d.Done():
		t.Fatal("qos 0 delivery resolved before it was written")
	default:
	}
}

func TestCloseWithFullQueue(t *testing.T) {
	s := newSession(sessionParams{role: RoleServer, version: packet.VERSION500, sendQuota: 1, queueSize: 1})
	_, err := s.Sink().Publish(context.Background(), "a", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Sink().Close(packet.ErrAdministrativeAction) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close blocked on a full queue")
	}
	assert.True(t, s.isClosed())
	var de *DisconnectError
	require.ErrorAs(t, s.cause, &de)
	assert.Equal(t, packet.ErrAdministrativeAction.Code, de.Code.Code)
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Sink().Close(packet.CodeDisconnect), ErrSessionClosed)
}

func TestSealRefusesLatePosts(t *testing.T) {
	s := newSession(sessionParams{role: RoleServer, version: packet.VERSION311, sendQuota: 1, queueSize: 1})
	_, err := s.Sink().Publish(context.Background(), "a", nil)
	require.NoError(t, err)

	// A poster blocked on the full queue leaves once the session closes.
	blocked := make(chan error, 1)
	go func() {
		_, err := s.Sink().Publish(context.Background(), "b", nil)
		blocked <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.close(errNormalClose)
	assert.ErrorIs(t, <-blocked, ErrSessionClosed)

	rest := s.seal()
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].pkt.(*packet.PUBLISH).Message.TopicName)
	_, err = s.Sink().Publish(context.Background(), "c", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Empty(t, s.queue)
}

func TestPublishWaitsForQuota(t *testing.T) {
	s := newSession(sessionParams{role: RoleServer, version: packet.VERSION311, sendQuota: 1, queueSize: 4})
	_, err := s.Sink().Publish(context.Background(), "a", nil, QoS(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Sink().Publish(ctx, "a", nil, QoS(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out, _ := s.Inflight()
	assert.Equal(t, 1, out)
}

func TestSinkAfterClose(t *testing.T) {
	s := testSession(RoleClient, packet.VERSION311)
	s.close(ErrSessionClosed)
	s.release()

	_, err := s.Sink().Publish(context.Background(), "a", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Sink().Subscribe(context.Background(), packet.Subscription{TopicFilter: "a"})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Sink().Close(packet.CodeDisconnect), ErrSessionClosed)
}

func TestSubscribeRequiresClientRole(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION500)
	_, err := s.Sink().Subscribe(context.Background(), packet.Subscription{TopicFilter: "a"})
	assert.ErrorIs(t, err, ErrClientRoleOnly)
	_, err = s.Sink().Unsubscribe(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClientRoleOnly)

	c := testSession(RoleClient, packet.VERSION500)
	_, err = c.Sink().Subscribe(context.Background())
	assert.ErrorIs(t, err, packet.ErrProtocolViolationNoFilters)
	_, err = c.Sink().Subscribe(context.Background(), packet.Subscription{TopicFilter: "a/#/b"})
	assert.Error(t, err)
}
