// Package mqtt implements the robot transport over an MQTT broker using
// Eclipse Paho. Each robot publishes frames on its own events topic and
// receives commands on its own commands topic; a broker LWT on the closed
// topic maps broker-observed disconnects to transport-level closes.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/robofleet/tower/core/transport"
	"github.com/robofleet/tower/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string          `json:"broker"`
	ClientID   string          `json:"client_id"`
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UseTLS     bool            `json:"use_tls"`
	ClientCert string          `json:"client_cert"`
	ClientKey  string          `json:"client_key"`
	CABundle   string          `json:"ca_bundle"`
	AuthMethod string          `json:"auth_method"`
	QoS        map[string]byte `json:"qos"`
	MaxRetries int             `json:"max_retries"`
	BackoffMS  int             `json:"backoff_ms"`
	TLSConfig  *tls.Config     `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// inboundBuffer sizes the events channel. Senders block when it fills, so
// a slow supervisor applies backpressure instead of losing frames.
const inboundBuffer = 64

// Transport implements transport.Transport over MQTT topics scoped by site.
type Transport struct {
	cli  pahoClient
	site string

	events chan transport.Event
	qos    map[string]byte
	logger logger.Logger

	maxRetries int
	backoff    time.Duration

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup
}

// NewTransport connects to the broker and subscribes to the site's robot
// topics.
func NewTransport(cfg Config, site string) (*Transport, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_transport")
	t := &Transport{
		site:       site,
		events:     make(chan transport.Event, inboundBuffer),
		qos:        cfg.QoS,
		logger:     log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		done:       make(chan struct{}),
	}
	if t.maxRetries <= 0 {
		t.maxRetries = 3
	}
	if t.backoff <= 0 {
		t.backoff = 100 * time.Millisecond
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := t.qos["events"]; ok {
			qos = q
		}
		if token := c.Subscribe(t.eventsTopic(), qos, t.onFrame); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
		if token := c.Subscribe(t.closedTopic(), qos, t.onClosed); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	t.cli = c
	return t, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (t *Transport) eventsTopic() string {
	return fmt.Sprintf("tower/%s/robot/+/events", t.site)
}

func (t *Transport) closedTopic() string {
	return fmt.Sprintf("tower/%s/robot/+/closed", t.site)
}

// robotIDFromTopic extracts the robot id segment from
// tower/<site>/robot/<id>/<leaf>.
func robotIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		return ""
	}
	return parts[3]
}

func (t *Transport) onFrame(_ paho.Client, msg paho.Message) {
	id := robotIDFromTopic(msg.Topic())
	if id == "" {
		t.logger.Warnf("frame on unexpected topic %s", msg.Topic())
		return
	}
	t.emit(transport.Event{RobotID: id, Payload: msg.Payload()})
}

func (t *Transport) onClosed(_ paho.Client, msg paho.Message) {
	id := robotIDFromTopic(msg.Topic())
	if id == "" {
		var lwt struct {
			RobotID string `json:"robot_id"`
		}
		if err := json.Unmarshal(msg.Payload(), &lwt); err != nil || lwt.RobotID == "" {
			t.logger.Warnf("close notice on unexpected topic %s", msg.Topic())
			return
		}
		id = lwt.RobotID
	}
	t.emit(transport.Event{RobotID: id, Closed: true})
}

// emit hands an event to the consumer. The inflight counter keeps Close
// from closing the channel while a paho callback is mid-send; done unblocks
// senders stuck on a full channel during shutdown.
func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Events implements transport.Transport.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Send publishes a frame to the robot's commands topic with bounded retry
// and exponential backoff.
func (t *Transport) Send(robotID string, payload []byte) error {
	topic := fmt.Sprintf("tower/%s/robot/%s/commands", t.site, robotID)
	qos := byte(0)
	if q, ok := t.qos["commands"]; ok {
		qos = q
	}
	var publishErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		token := t.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		t.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(t.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// Close disconnects from the broker, waits out in-flight callbacks and
// closes the events channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	if t.cli != nil && t.cli.IsConnected() {
		t.cli.Disconnect(250)
	}
	t.inflight.Wait()
	close(t.events)
	return nil
}
