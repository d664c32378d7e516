package mqttd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/mqttd/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRoute(t *testing.T) {
	r := NewRouter()
	a := testSession(RoleServer, packet.VERSION311)
	b := testSession(RoleServer, packet.VERSION500)
	subscribe(t, a, topic.Subscription{Filter: "room/+", QoS: 1})
	subscribe(t, b, topic.Subscription{Filter: "room/kitchen", QoS: 0})
	r.track(a)
	r.track(b)
	require.Equal(t, 2, r.Len())

	n, err := r.Route(context.Background(), &Message{Topic: "room/kitchen", Payload: []byte("on"), QoS: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint8(1), queued(t, a).pkt.(*packet.PUBLISH).QoS)
	assert.Equal(t, uint8(0), queued(t, b).pkt.(*packet.PUBLISH).QoS)

	n, err = r.Route(context.Background(), &Message{Topic: "room/hall"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queued(t, a)

	_, err = r.Route(context.Background(), &Message{Topic: "room/#"})
	assert.Error(t, err)

	b.close(ErrSessionClosed)
	n, err = r.Route(context.Background(), &Message{Topic: "room/kitchen"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var buf bytes.Buffer
	r.Print(&buf)
	assert.Contains(t, buf.String(), "[c1] subscriptions=1")
}

func TestRouterServePublish(t *testing.T) {
	r := NewRouter()
	s := testSession(RoleServer, packet.VERSION500)
	err := r.ServePublish(context.Background(), s, &Publish{Message: Message{Topic: "nobody/home"}})
	assert.ErrorIs(t, err, packet.CodeNoMatchingSubscribers)
}

func TestRouterWill(t *testing.T) {
	r := NewRouter()
	watcher := testSession(RoleServer, packet.VERSION311)
	subscribe(t, watcher, topic.Subscription{Filter: "status/#", QoS: 1})
	r.track(watcher)

	gone := testSession(RoleServer, packet.VERSION311)
	_, err := r.ServeControl(context.Background(), gone, &Subscribe{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = r.ServeControl(context.Background(), gone, &Closed{Will: &Message{Topic: "status/gone", Payload: []byte("offline"), QoS: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	pub := queued(t, watcher).pkt.(*packet.PUBLISH)
	assert.Equal(t, "status/gone", pub.Message.TopicName)
	assert.Equal(t, "offline", string(pub.Message.Content))
}

func TestAdminPublish(t *testing.T) {
	r := NewRouter()
	s := testSession(RoleServer, packet.VERSION311)
	subscribe(t, s, topic.Subscription{Filter: "admin/#"})
	r.track(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(`{"topic":"admin/notice","payload":"hi","qos":1}`))
	adminPublish(w, req, r)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["delivered"])
	assert.Equal(t, "hi", string(queued(t, s).pkt.(*packet.PUBLISH).Message.Content))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(`{"topic":"admin/notice","qos":3}`))
	adminPublish(w, req, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	adminPublish(w, httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(`{}`)), nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestSessionInfo(t *testing.T) {
	s := testSession(RoleServer, packet.VERSION500)
	subscribe(t, s, topic.Subscription{Filter: "a/b"})
	info := s.Info()
	assert.Equal(t, "c1", info.ClientID)
	assert.Equal(t, "5.0", info.Version)
	assert.Equal(t, []string{"a/b"}, info.Subscriptions)
}

func TestMetricsRegisterOnce(t *testing.T) {
	assert.NotPanics(t, func() {
		Metrics().Register()
		Metrics().Register()
	})
}
