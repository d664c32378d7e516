package mqttd

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-io/mqttd/packet"
	"github.com/golang-io/requests"
	"golang.org/x/time/rate"
)

// Options configures the App, the Server acceptor and the Client. Fields that only make
// sense for one of them say so.
type Options struct {
	URL           string // client dial target, or listen address for the Server
	ClientID      string // client only
	Version       byte   // client only
	Subscriptions []packet.Subscription
	Username      string
	Password      []byte
	CleanStart    bool
	TLSConfig     *tls.Config

	// KeepAlive is the interval a client requests.
	KeepAlive time.Duration

	// ServerKeepAlive, when non-zero, replaces the keep alive requested by v5.0 clients
	// and is announced to them in CONNACK.
	ServerKeepAlive time.Duration

	HandshakeTimeout time.Duration

	// WriteTimeout bounds each transport write. An established session with a keep alive
	// uses one and a half intervals when that is shorter.
	WriteTimeout time.Duration

	// ReceiveMaximum bounds unacknowledged inbound QoS 2 exchanges and is advertised to
	// the peer. MaxInflight caps outbound ones below the peer's own receive maximum.
	ReceiveMaximum uint16
	MaxInflight    uint16

	TopicAliasMaximum uint16
	MaxPacketSize     uint32

	// QueueSize is the depth of the Sink queue.
	QueueSize int

	MaxConnections int
	AcceptRate     rate.Limit
	AcceptBurst    int

	Logger *slog.Logger
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:              "mqtt://127.0.0.1:1883",
		ClientID:         "mqttd-" + requests.GenId(),
		Version:          packet.VERSION311,
		CleanStart:       true,
		KeepAlive:        60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReceiveMaximum:   64,
		QueueSize:        128,
		AcceptRate:       rate.Inf,
		Logger:           slog.Default(),
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func URL(url string) Option {
	return func(o *Options) {
		o.URL = url
	}
}

func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

func Subscription(subscription ...packet.Subscription) Option {
	return func(o *Options) {
		o.Subscriptions = append(o.Subscriptions, subscription...)
	}
}

func Version[T ~string | ~byte](version T) Option {
	return func(o *Options) {
		switch v := any(version).(type) {
		case byte:
			o.Version = v
		case string:
			switch v {
			case "5.0.0", "5":
				o.Version = packet.VERSION500
			case "3.1.1", "4":
				o.Version = packet.VERSION311
			default:
				panic(fmt.Errorf("version = %s not support", v))
			}
		}
	}
}

func Credentials(username string, password []byte) Option {
	return func(o *Options) {
		o.Username, o.Password = username, password
	}
}

func CleanStart(clean bool) Option {
	return func(o *Options) {
		o.CleanStart = clean
	}
}

func KeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAlive = d
	}
}

func ServerKeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.ServerKeepAlive = d
	}
}

func HandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

func WriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.WriteTimeout = d
	}
}

func ReceiveMaximum(n uint16) Option {
	return func(o *Options) {
		o.ReceiveMaximum = n
	}
}

func MaxInflight(n uint16) Option {
	return func(o *Options) {
		o.MaxInflight = n
	}
}

func TopicAliasMaximum(n uint16) Option {
	return func(o *Options) {
		o.TopicAliasMaximum = n
	}
}

func MaxPacketSize(n uint32) Option {
	return func(o *Options) {
		o.MaxPacketSize = n
	}
}

func QueueSize(n int) Option {
	return func(o *Options) {
		o.QueueSize = n
	}
}

// MaxConnections limits the number of simultaneously accepted connections per listener.
func MaxConnections(n int) Option {
	return func(o *Options) {
		o.MaxConnections = n
	}
}

// AcceptRate limits how fast a listener accepts new connections.
func AcceptRate(r rate.Limit, burst int) Option {
	return func(o *Options) {
		o.AcceptRate, o.AcceptBurst = r, burst
	}
}

func TLSConfig(config *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = config
	}
}

func Logger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
