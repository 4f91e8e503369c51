// Package awsiot maintains the MQTT-over-WebSocket session against the AWS
// IoT gateway, signed with the short-lived credential triplet.
package awsiot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"mydolphin-bridge/internal/status"
)

const (
	keepAlive         = 30 * time.Second
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho convention
	reconnectMin      = 1 * time.Second
	reconnectMax      = 32 * time.Second
)

// Credentials is the SigV4 triplet handed over from the REST pipeline.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Message is one inbound broker message, delivered on the session's message
// channel so all shared-state mutation stays on the coordinator task.
type Message struct {
	Topic   string
	Payload []byte
}

// LedgerEntry records an outbound publish until its completion callback.
type LedgerEntry struct {
	Topic   string
	Payload []byte
}

// Config carries everything a session needs; the session itself is one-shot
// and is fully replaced on failure.
type Config struct {
	Endpoint      string
	Region        string
	ClientID      string
	Credentials   Credentials
	Subscriptions []string
	CACert        []byte

	Messages chan<- Message
	Statuses chan<- status.Connection
	Logger   *zap.Logger
}

// Session wraps one paho client connected to the IoT gateway.
type Session struct {
	cfg    Config
	log    *zap.Logger
	filter *status.Filter

	mu        sync.Mutex
	client    mqtt.Client
	ledger    map[uint64]LedgerEntry
	publishID uint64

	done chan struct{}
}

// DefaultIgnoredTransitions suppresses the resubscribe wobble.
func DefaultIgnoredTransitions() map[status.Connection][]status.Connection {
	return map[status.Connection][]status.Connection{
		status.Connected: {status.Connecting},
	}
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		log:    cfg.Logger.Named("mqtt"),
		filter: status.NewFilter(DefaultIgnoredTransitions()),
		ledger: make(map[uint64]LedgerEntry),
		done:   make(chan struct{}),
	}
}

// Connect dials the presigned WebSocket URL and waits for the broker
// handshake. Subscriptions happen in the connect callback so they are also
// replayed when paho's auto-reconnect resumes the session.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	broker := presignWebSocketURL(s.cfg.Endpoint, s.cfg.Region, s.cfg.Credentials, time.Now())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(reconnectMin)
	opts.SetMaxReconnectInterval(reconnectMax)
	opts.SetTLSConfig(s.tlsConfig())
	opts.SetDefaultPublishHandler(s.dispatch)
	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.log.Warn("connection lost", zap.Error(err))
		s.emit(status.Failed)
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.emit(status.Connecting)
	}

	client := mqtt.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.emit(status.Connecting)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.emit(status.Failed)
		return errors.New("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		s.emit(status.Failed)
		return err
	}
	return nil
}

func (s *Session) tlsConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(s.cfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(s.cfg.CACert) {
			cfg.RootCAs = pool
		} else {
			s.log.Warn("CA bundle did not parse, using system roots")
		}
	}
	return cfg
}

func (s *Session) onConnect(client mqtt.Client) {
	for _, topic := range s.cfg.Subscriptions {
		token := client.Subscribe(topic, 0, nil)
		if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
			s.log.Warn("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
			continue
		}
		if sub, ok := token.(*mqtt.SubscribeToken); ok {
			for granted, qos := range sub.Result() {
				if qos == 0x80 {
					s.log.Warn("subscription refused", zap.String("topic", granted))
				}
			}
		}
	}
	s.emit(status.Connected)
}

func (s *Session) dispatch(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case s.cfg.Messages <- Message{Topic: msg.Topic(), Payload: payload}:
	case <-s.done:
	}
}

// Publish sends at QoS 0 and tracks the message in the outbound ledger until
// its completion callback fires.
func (s *Session) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.publishID++
	id := s.publishID
	s.ledger[id] = LedgerEntry{Topic: topic, Payload: payload}
	s.mu.Unlock()

	if client == nil {
		s.complete(id)
		return errors.New("session not connected")
	}
	token := client.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		s.complete(id)
		if err := token.Error(); err != nil {
			s.log.Warn("publish failed", zap.Uint64("id", id), zap.String("topic", topic), zap.Error(err))
			return
		}
		s.log.Debug("published", zap.Uint64("id", id), zap.String("topic", topic))
	}()
	return nil
}

func (s *Session) complete(id uint64) {
	s.mu.Lock()
	delete(s.ledger, id)
	s.mu.Unlock()
}

// Ledger returns a copy of the in-flight publish ledger.
func (s *Session) Ledger() map[uint64]LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]LedgerEntry, len(s.ledger))
	for id, entry := range s.ledger {
		out[id] = entry
	}
	return out
}

// Terminate disconnects asynchronously and tolerates a misbehaving client by
// dropping the reference regardless. The final status is Disconnected.
func (s *Session) Terminate() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	if client != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("disconnect panicked", zap.Any("reason", r))
				}
			}()
			client.Disconnect(disconnectQuiesce)
		}()
	}
	s.emit(status.Disconnected)
}

func (s *Session) emit(next status.Connection) {
	if !s.filter.Observe(next) {
		s.log.Debug("status suppressed", zap.String("status", string(next)))
		return
	}
	select {
	case s.cfg.Statuses <- next:
	case <-s.done:
	default:
		s.log.Warn("status channel full", zap.String("status", string(next)))
	}
}
