package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type mockClient struct {
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	published []struct {
		topic   string
		qos     byte
		payload []byte
	}
	publishErrs []error
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	m.published = append(m.published, struct {
		topic   string
		qos     byte
		payload []byte
	}{topic, qos, payload.([]byte)})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.subscribed = append(m.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func withMockClient(t *testing.T) *mockClient {
	t.Helper()
	mc := &mockClient{}
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
	return mc
}

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func TestSubscribesSiteTopics(t *testing.T) {
	mc := withMockClient(t)
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{"events": 1}}
	tr, err := NewTransport(cfg, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()
	if len(mc.subscribed) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(mc.subscribed))
	}
	if mc.subscribed[0].topic != "tower/site-a/robot/+/events" || mc.subscribed[0].qos != 1 {
		t.Fatalf("events subscription wrong: %+v", mc.subscribed[0])
	}
	if mc.subscribed[1].topic != "tower/site-a/robot/+/closed" {
		t.Fatalf("closed subscription wrong: %+v", mc.subscribed[1])
	}
}

func TestRobotIDFromTopic(t *testing.T) {
	if id := robotIDFromTopic("tower/site-a/robot/r7/events"); id != "r7" {
		t.Fatalf("expected r7 got %q", id)
	}
	if id := robotIDFromTopic("tower/site-a/robot/events"); id != "" {
		t.Fatalf("expected empty id got %q", id)
	}
}

func TestInboundFrameEmitsEvent(t *testing.T) {
	withMockClient(t)
	tr, err := NewTransport(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	tr.onFrame(nil, mockMessage{topic: "tower/site-a/robot/r1/events", p: []byte(`{"event":"ping","payload":{}}`)})
	select {
	case ev := <-tr.Events():
		if ev.RobotID != "r1" || ev.Closed {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestClosedNoticeEmitsClose(t *testing.T) {
	withMockClient(t)
	tr, err := NewTransport(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	tr.onClosed(nil, mockMessage{topic: "tower/site-a/robot/r1/closed"})
	select {
	case ev := <-tr.Events():
		if ev.RobotID != "r1" || !ev.Closed {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestClosedNoticeFallsBackToPayload(t *testing.T) {
	withMockClient(t)
	tr, err := NewTransport(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	tr.onClosed(nil, mockMessage{topic: "unexpected", p: []byte(`{"robot_id":"r9"}`)})
	select {
	case ev := <-tr.Events():
		if ev.RobotID != "r9" || !ev.Closed {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestSendPublishesToCommandsTopic(t *testing.T) {
	mc := withMockClient(t)
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", QoS: map[string]byte{"commands": 1}}
	tr, err := NewTransport(cfg, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send("r1", []byte("frame")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mc.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(mc.published))
	}
	p := mc.published[0]
	if p.topic != "tower/site-a/robot/r1/commands" || p.qos != 1 || string(p.payload) != "frame" {
		t.Fatalf("publish wrong: %+v", p)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	mc := withMockClient(t)
	mc.publishErrs = []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 3, BackoffMS: 1}
	tr, err := NewTransport(cfg, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send("r1", []byte("frame")); err != nil {
		t.Fatalf("send should recover: %v", err)
	}
	if len(mc.published) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(mc.published))
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	mc := withMockClient(t)
	mc.publishErrs = []error{
		fmt.Errorf("net fail"), fmt.Errorf("net fail"), fmt.Errorf("net fail"),
	}
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 2, BackoffMS: 1}
	tr, err := NewTransport(cfg, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.Send("r1", []byte("frame")); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestSendDefaultsSetAtConstruction(t *testing.T) {
	withMockClient(t)
	tr, err := NewTransport(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()
	if tr.maxRetries != 3 || tr.backoff != 100*time.Millisecond {
		t.Fatalf("retry defaults not normalized: retries=%d backoff=%v", tr.maxRetries, tr.backoff)
	}
}

func TestCloseWithConcurrentInbound(t *testing.T) {
	withMockClient(t)
	tr, err := NewTransport(Config{Broker: "tcp://localhost:1883", ClientID: "id"}, "site-a")
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	// nobody drains, so some frame callbacks block on the full channel
	// while Close runs
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tr.onFrame(nil, mockMessage{topic: "tower/site-a/robot/r1/events", p: []byte(`{}`)})
			}
		}()
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	for range tr.Events() {
	}
	tr.onFrame(nil, mockMessage{topic: "tower/site-a/robot/r1/events", p: []byte(`{}`)})
}
