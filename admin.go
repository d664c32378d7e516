package mqttd

import (
	"encoding/json"
	"net/http"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/requests"
)

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	ID            string   `json:"id"`
	ClientID      string   `json:"client_id"`
	Version       string   `json:"version"`
	Remote        string   `json:"remote"`
	KeepAlive     int      `json:"keep_alive"`
	Subscriptions []string `json:"subscriptions"`
	Outbound      int      `json:"inflight_outbound"`
	Inbound       int      `json:"inflight_inbound"`
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.id,
		ClientID:  s.clientID,
		Version:   VersionName(s.version),
		Remote:    addrString(s.remote),
		KeepAlive: int(s.keepAlive.Seconds()),
	}
	for _, sub := range s.Subscriptions() {
		info.Subscriptions = append(info.Subscriptions, sub.Filter)
	}
	info.Outbound, info.Inbound = s.Inflight()
	return info
}

type closeRequest struct {
	ID string `json:"id"`
}

// adminClose ends a session with administrative action (0x98).
func adminClose(w http.ResponseWriter, r *http.Request, srv *Server) {
	buf, err := requests.ParseBody(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req closeRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, ok := srv.Session(req.ID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := s.Sink().Close(packet.ErrAdministrativeAction); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, s.Info())
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     uint8  `json:"qos"`
	Retain  bool   `json:"retain"`
}

// adminPublish injects a message into the router as if a client had published it.
func adminPublish(w http.ResponseWriter, r *http.Request, router *Router) {
	if router == nil {
		http.Error(w, "no router", http.StatusNotImplemented)
		return
	}
	buf, err := requests.ParseBody(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req publishRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.QoS > 2 {
		http.Error(w, "qos out of range", http.StatusBadRequest)
		return
	}
	n, err := router.Route(r.Context(), &Message{Topic: req.Topic, Payload: []byte(req.Payload), QoS: req.QoS, Retain: req.Retain})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]int{"delivered": n})
}
