package mqttd

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang-io/mqttd/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broker struct {
	srv    *Server
	router *Router
	addr   string
	errc   chan error
}

func startBroker(t *testing.T, configure ...func(*Server)) *broker {
	t.Helper()
	router := NewRouter()
	app := NewApp(nil).Publish(router).Control(router)
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &broker{srv: NewServer(ctx, app), router: router, addr: ln.Addr().String(), errc: make(chan error, 1)}
	for _, f := range configure {
		f(b.srv)
	}
	go func() { b.errc <- b.srv.Serve(ln) }()
	t.Cleanup(cancel)
	return b
}

func pahoClient(t *testing.T, addr, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(id).
		SetProtocolVersion(4).
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { c.Disconnect(100) })
	return c
}

func TestPahoRoundTrip(t *testing.T) {
	b := startBroker(t)
	sub := pahoClient(t, b.addr, "paho-sub")
	pub := pahoClient(t, b.addr, "paho-pub")

	got := make(chan mqtt.Message, 1)
	token := sub.Subscribe("paho/#", 1, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	token = pub.Publish("paho/greeting", 1, false, "hello")
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	select {
	case m := <-got:
		assert.Equal(t, "paho/greeting", m.Topic())
		assert.Equal(t, "hello", string(m.Payload()))
		assert.Equal(t, byte(1), m.Qos())
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, b.router.Len())
}

func TestClientPublishesToPaho(t *testing.T) {
	b := startBroker(t)
	sub := pahoClient(t, b.addr, "paho-sub")
	got := make(chan mqtt.Message, 1)
	token := sub.Subscribe("sensors/+/temp", 2, func(_ mqtt.Client, m mqtt.Message) { got <- m })
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c := New(URL("mqtt://"+b.addr), ClientID("mqttd-pub"), Version("5"))
	s, err := c.Connect(ctx)
	require.NoError(t, err)
	defer s.Sink().Close(packet.CodeDisconnect)

	d, err := s.Sink().Publish(ctx, "sensors/kitchen/temp", []byte("21.5"), QoS(2))
	require.NoError(t, err)
	ack, err := d.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), ack.QoS)

	select {
	case m := <-got:
		assert.Equal(t, "21.5", string(m.Payload()))
		assert.Equal(t, byte(2), m.Qos())
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClientSubscribesToPaho(t *testing.T) {
	b := startBroker(t)
	got := make(chan *Publish, 1)
	c := New(URL("mqtt://"+b.addr), ClientID("mqttd-sub"), Version("5"),
		Subscription(packet.Subscription{TopicFilter: "alerts/#", MaximumQoS: 1}))
	c.OnPublish(PublishFunc(func(ctx context.Context, s *Session, p *Publish) error {
		got <- p
		return nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := c.Connect(ctx)
	require.NoError(t, err)
	defer s.Sink().Close(packet.CodeDisconnect)
	require.Len(t, s.Subscriptions(), 1)

	pub := pahoClient(t, b.addr, "paho-pub")
	token := pub.Publish("alerts/fire", 1, false, "now")
	require.True(t, token.WaitTimeout(3*time.Second))
	require.NoError(t, token.Error())

	select {
	case p := <-got:
		assert.Equal(t, "alerts/fire", p.Topic)
		assert.Equal(t, "now", string(p.Payload))
		assert.Equal(t, uint8(1), p.QoS)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServerSessionsAndShutdown(t *testing.T) {
	var mu sync.Mutex
	var states []ConnState
	b := startBroker(t, func(srv *Server) {
		srv.ConnState = func(_ net.Conn, st ConnState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, st)
		}
	})

	rwc, err := net.Dial("tcp", b.addr)
	require.NoError(t, err)
	defer rwc.Close()
	p := &peer{t: t, conn: rwc, version: packet.VERSION500}
	require.Equal(t, uint8(0), p.connect().ReasonCode.Code)
	p.send(&packet.PINGREQ{FixedHeader: p.header()})
	_, ok := p.recv().(*packet.PINGRESP)
	require.True(t, ok)

	infos := b.srv.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "tester", infos[0].ClientID)
	assert.Equal(t, "5.0", infos[0].Version)
	_, ok = b.srv.Session(infos[0].ID)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.srv.Shutdown(ctx) }()

	dis, ok := p.recv().(*packet.DISCONNECT)
	require.True(t, ok)
	assert.Equal(t, packet.ErrServerShuttingDown.Code, dis.ReasonCode.Code)
	require.NoError(t, <-done)
	assert.ErrorIs(t, <-b.errc, ErrServerClosed)
	assert.Empty(t, b.srv.Sessions())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{ConnNew, ConnActive, ConnClosed}, states)
}

func TestWebsocketTransport(t *testing.T) {
	router := NewRouter()
	app := NewApp(nil).Publish(router).Control(router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs := httptest.NewServer(websocketHandler(func(rwc net.Conn) {
		_ = app.ServeConn(ctx, rwc)
	}))
	defer hs.Close()

	got := make(chan *Publish, 1)
	c := New(URL("ws://"+strings.TrimPrefix(hs.URL, "http://")+"/mqtt"), ClientID("ws"),
		Subscription(packet.Subscription{TopicFilter: "ws/echo", MaximumQoS: 1}))
	c.OnPublish(PublishFunc(func(ctx context.Context, s *Session, p *Publish) error {
		got <- p
		return nil
	}))
	s, err := c.Connect(ctx)
	require.NoError(t, err)

	d, err := s.Sink().Publish(ctx, "ws/echo", []byte("ping"), QoS(1))
	require.NoError(t, err)
	_, err = d.Wait(ctx)
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "ping", string(p.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("echo not received")
	}
	require.NoError(t, s.Sink().Close(packet.CodeDisconnect))
	<-s.Done()
	assert.NoError(t, s.Err())
}
