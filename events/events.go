// Package events publishes lookup outcomes and installer logins to an MQTT
// broker for whatever dashboards or automations listen there.
package events

import (
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/resolver"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultPrefix is the topic prefix used when none is configured.
	DefaultPrefix = "tracer"

	qos          = 1
	waitTimeout  = 5 * time.Second
	connectGrace = 10 * time.Second
)

// Publisher receives the events worth telling the outside world about.
type Publisher interface {
	Lookup(res resolver.Result)
	Login(e accounts.LoginEntry)
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Lookup(resolver.Result)    {}
func (Nop) Login(accounts.LoginEntry) {}
func (Nop) Close()                    {}

// Config is the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// client is the part of mqtt.Client used here.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes events as JSON, QoS 1, not retained.
type MQTT struct {
	client    client
	prefix    string
	logger    *log.Logger
	published *prometheus.CounterVec
}

// The Option type describes functions that operate on MQTT during construction.
type Option func(*MQTT)

// Logger will set the logger used to report failed publishes.
func Logger(l log.Logger) Option {
	return func(m *MQTT) {
		m.logger = &l
	}
}

// Published counts publishes, it must have "event" and "result" labels.
func Published(cv *prometheus.CounterVec) Option {
	return func(m *MQTT) {
		m.published = cv
	}
}

// Connect dials the broker in cfg. Reconnects are handled by the client.
func Connect(cfg Config, opts ...Option) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tracer"
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(cfg.Broker)
	co.SetClientID(cfg.ClientID)
	co.SetUsername(cfg.Username)
	co.SetPassword(cfg.Password)
	co.SetAutoReconnect(true)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	c := mqtt.NewClient(co)
	token := c.Connect()
	if !token.WaitTimeout(connectGrace) {
		return nil, errors.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "connect to mqtt broker")
	}

	m := newMQTT(c, cfg.Prefix, opts)
	if m.logger != nil {
		m.logger.With("broker", cfg.Broker).Info("connected to mqtt broker")
	}
	return m, nil
}

func newMQTT(c client, prefix string, opts []Option) *MQTT {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	m := &MQTT{client: c, prefix: prefix}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type lookupEvent struct {
	resolver.Result
	At time.Time `json:"at"`
}

type loginEvent struct {
	accounts.LoginEntry
}

// Lookup publishes res to <prefix>/lookup/<MAC>. Results without a MAC are dropped.
func (m *MQTT) Lookup(res resolver.Result) {
	if res.MAC == "" {
		return
	}
	m.publish("lookup", m.prefix+"/lookup/"+res.MAC, lookupEvent{Result: res, At: time.Now().UTC()})
}

// Login publishes e to <prefix>/login/<phone>.
func (m *MQTT) Login(e accounts.LoginEntry) {
	m.publish("login", m.prefix+"/login/"+e.Phone, loginEvent{e})
}

func (m *MQTT) publish(event, topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.failed(event, topic, errors.Wrap(err, "marshal event"))
		return
	}

	token := m.client.Publish(topic, qos, false, payload)
	go func() {
		if !token.WaitTimeout(waitTimeout) {
			m.failed(event, topic, errors.New("publish timed out"))
			return
		}
		if err := token.Error(); err != nil {
			m.failed(event, topic, errors.Wrap(err, "publish"))
			return
		}
		m.count(event, "ok")
	}()
}

func (m *MQTT) failed(event, topic string, err error) {
	m.count(event, "error")
	if m.logger != nil {
		m.logger.With("topic", topic).Error(err)
	}
}

func (m *MQTT) count(event, result string) {
	if m.published != nil {
		m.published.With(prometheus.Labels{"event": event, "result": result}).Inc()
	}
}

// Close disconnects, giving in-flight publishes a moment to finish.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
