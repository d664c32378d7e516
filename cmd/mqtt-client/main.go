package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-io/mqttd"
	"github.com/golang-io/mqttd/packet"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		server   = flag.String("url", "mqtt://127.0.0.1:1883", "Broker URL: mqtt, mqtts, ws or wss")
		version  = flag.String("version", "5", "Protocol version, 3.1.1 or 5")
		topic    = flag.String("topic", "mqttd/clock", "Topic to publish the time to")
		filter   = flag.String("subscribe", "mqttd/#", "Topic filter to subscribe to")
		qos      = flag.Uint("qos", 1, "Publish QoS")
		interval = flag.Duration("interval", time.Second, "Publish interval")
		username = flag.String("username", "", "User name")
		password = flag.String("password", "", "Password")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := mqttd.New(
		mqttd.URL(*server),
		mqttd.Version(*version),
		mqttd.Credentials(*username, []byte(*password)),
		mqttd.Subscription(packet.Subscription{TopicFilter: *filter, MaximumQoS: 1}),
	)
	c.OnPublish(mqttd.PublishFunc(func(ctx context.Context, s *mqttd.Session, p *mqttd.Publish) error {
		slog.Info("message", "topic", p.Topic, "qos", p.QoS, "payload", string(p.Payload))
		return nil
	}))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publish",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	sessions := make(chan *mqttd.Session, 1)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.ConnectAndServe(ctx, func(s *mqttd.Session) {
			slog.Info("connected", "client_id", s.ClientID(), "present", s.SessionPresent())
			sessions <- s
		})
	})
	group.Go(func() error {
		var s *mqttd.Session
		tick := time.NewTicker(*interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s = <-sessions:
				continue
			case <-tick.C:
			}
			if s == nil {
				continue
			}
			_, err := breaker.Execute(func() (any, error) {
				pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				d, err := s.Sink().Publish(pctx, *topic, []byte(time.Now().Format(time.DateTime)), mqttd.QoS(uint8(*qos)))
				if err != nil {
					return nil, err
				}
				return d.Wait(pctx)
			})
			if err != nil {
				slog.Warn("publish failed", "topic", *topic, "err", err)
			}
		}
	})
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("mqtt-client stopped", "err", err)
		os.Exit(1)
	}
}
