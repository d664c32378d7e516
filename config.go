package mqttd

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-io/mqttd/packet"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MQTTD_MQTT_URL.
const EnvPrefix = "MQTTD_"

type Listen struct {
	URL      string `yaml:"url" env:"URL"`
	CertFile string `yaml:"certFile" env:"CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"KEY_FILE"`
}

// Engine holds the dispatcher limits of a broker.
type Engine struct {
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
	KeepAlive         time.Duration `yaml:"keepAlive" env:"KEEP_ALIVE"`
	ReceiveMaximum    uint16        `yaml:"receiveMaximum" env:"RECEIVE_MAXIMUM"`
	MaxInflight       uint16        `yaml:"maxInflight" env:"MAX_INFLIGHT"`
	TopicAliasMaximum uint16        `yaml:"topicAliasMaximum" env:"TOPIC_ALIAS_MAXIMUM"`
	MaxPacketSize     uint32        `yaml:"maxPacketSize" env:"MAX_PACKET_SIZE"`
	QueueSize         int           `yaml:"queueSize" env:"QUEUE_SIZE"`
	MaxConnections    int           `yaml:"maxConnections" env:"MAX_CONNECTIONS"`
	AcceptRate        float64       `yaml:"acceptRate" env:"ACCEPT_RATE"`
	AcceptBurst       int           `yaml:"acceptBurst" env:"ACCEPT_BURST"`
}

// Config is the broker configuration. It is read from YAML and then overridden by a .env
// file and MQTTD_ prefixed environment variables.
type Config struct {
	HTTP       Listen `yaml:"http" envPrefix:"HTTP_"`
	MQTT       Listen `yaml:"mqtt" envPrefix:"MQTT_"`
	MQTTs      Listen `yaml:"mqtts" envPrefix:"MQTTS_"`
	WebSocket  Listen `yaml:"websocket" envPrefix:"WS_"`
	WebSockets Listen `yaml:"websockets" envPrefix:"WSS_"`

	Engine Engine `yaml:"engine" envPrefix:"ENGINE_"`

	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	// Auth maps user names to bcrypt password hashes. An empty map disables auth.
	Auth map[string]string `yaml:"auth" env:"AUTH"`
}

// DefaultConfig listens on the standard plain MQTT port only.
func DefaultConfig() *Config {
	return &Config{
		HTTP: Listen{URL: "http://127.0.0.1:8080"},
		MQTT: Listen{URL: "mqtt://0.0.0.0:1883"},
		Engine: Engine{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReceiveMaximum:   64,
			QueueSize:        128,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads path when it is not empty and applies the environment on top.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	// a missing .env file is not an error
	_ = godotenv.Load()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options converts the engine section into functional options.
func (c *Config) Options() []Option {
	e := c.Engine
	opts := []Option{
		HandshakeTimeout(e.HandshakeTimeout),
		WriteTimeout(e.WriteTimeout),
		ReceiveMaximum(e.ReceiveMaximum),
		MaxInflight(e.MaxInflight),
		TopicAliasMaximum(e.TopicAliasMaximum),
		MaxPacketSize(e.MaxPacketSize),
		MaxConnections(e.MaxConnections),
		ServerKeepAlive(e.KeepAlive),
	}
	if e.QueueSize > 0 {
		opts = append(opts, QueueSize(e.QueueSize))
	}
	if e.AcceptRate > 0 {
		opts = append(opts, AcceptRate(rate.Limit(e.AcceptRate), max(e.AcceptBurst, 1)))
	}
	return opts
}

// GetAuth returns the stored hash for username.
func (c *Config) GetAuth(username string) (string, bool) {
	hash, ok := c.Auth[username]
	return hash, ok
}

// VersionName names a protocol level for logs.
func VersionName(version byte) string {
	switch version {
	case packet.VERSION500:
		return "5.0"
	case packet.VERSION311:
		return "3.1.1"
	}
	return "unknown"
}
