package mqttd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outboundLabel = "outbound"
	inboundLabel  = "inbound"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	Inflight          *prometheus.GaugeVec
	PacketReceived    *prometheus.CounterVec
	ByteReceived      prometheus.Counter
	PacketSent        *prometheus.CounterVec
	ByteSent          prometheus.Counter
	AckAnomalies      prometheus.Counter
	KeepAliveTimeouts prometheus.Counter
	HandshakeFailures prometheus.Counter
	HandlerErrors     prometheus.Counter

	once sync.Once
}

var (
	stat = &Stat{
		Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT connections"}),
		ActiveSessions:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_session_count", Help: "The number of established sessions"}),
		Inflight:          prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mqtt_inflight_exchanges", Help: "The number of open packet identifier exchanges"}, []string{"direction"}),
		PacketReceived:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}, []string{"kind"}),
		ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_bytes", Help: "The total number of received MQTT bytes"}),
		PacketSent:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of send MQTT packets"}, []string{"kind"}),
		ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_bytes", Help: "The total number of send MQTT bytes"}),
		AckAnomalies:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_ack_anomalies_total", Help: "Acknowledgements for unknown packet identifiers"}),
		KeepAliveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_keepalive_timeouts_total", Help: "Sessions closed by keep alive expiry"}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_handshake_failures_total", Help: "Connections that never became a session"}),
		HandlerErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_handler_errors_total", Help: "Errors returned by application handlers"}),
	}
)

// Metrics returns the process wide engine metrics.
func Metrics() *Stat {
	return stat
}

func ServerLog(ctx context.Context, stat *requests.Stat) {
	slog.InfoContext(ctx, "http", "stat", stat.Print())
}

// Httpd serves /metrics, pprof and the admin routes on url until ctx ends.
func Httpd(ctx context.Context, url string, srv *Server, router *Router) error {
	stat.Register()
	stat.RefreshUptime(ctx)
	mux := requests.NewServeMux(requests.URL(url), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Route("/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, srv.Sessions())
	})
	mux.Route("/sessions/close", func(w http.ResponseWriter, r *http.Request) {
		adminClose(w, r, srv)
	})
	mux.Route("/publish", func(w http.ResponseWriter, r *http.Request) {
		adminPublish(w, r, router)
	})
	mux.Pprof()
	s := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		slog.Info("http serve", "addr", s.Addr)
	}))
	return s.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Stat) RefreshUptime(ctx context.Context) {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.Uptime.Inc()
			}
		}
	}()
}

// Register adds the metrics to the default registry. Repeated calls are no-ops.
func (s *Stat) Register() {
	s.once.Do(func() {
		prometheus.MustRegister(
			s.Uptime, s.ActiveConnections, s.ActiveSessions, s.Inflight,
			s.PacketReceived, s.ByteReceived, s.PacketSent, s.ByteSent,
			s.AckAnomalies, s.KeepAliveTimeouts, s.HandshakeFailures, s.HandlerErrors,
		)
	})
}
