package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/shakenotify/internal/config"
)

// ErrPublish is wrapped by every connect, publish and disconnect failure.
var ErrPublish = errors.New("telemetry publish failed")

// connection is the subset of [autopaho.ConnectionManager] a Session
// uses.
type connection interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
	Done() <-chan struct{}
}

// dialFunc starts a connection manager. It is swapped out in tests.
type dialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (connection, error)

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (connection, error) {
	return autopaho.NewConnection(ctx, cfg)
}

// Publisher opens telemetry sessions against the configured broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	dial     dialFunc
}

// New creates a Publisher but does not connect. An empty ClientID in
// cfg is replaced with [DefaultClientID].
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		dial:     dialAutopaho,
	}
}

// Topic returns the feed topic reports are published to.
func (p *Publisher) Topic() string {
	return FeedTopic(p.cfg.Account, p.cfg.FeedKey)
}

// ClientID returns the identifier presented to the broker.
func (p *Publisher) ClientID() string {
	return p.clientID
}

// clientConfig builds the autopaho configuration for one session.
func (p *Publisher) clientConfig() (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := uint16(30)
	if p.cfg.KeepAliveSec > 0 && p.cfg.KeepAliveSec <= 0xFFFF {
		keepAlive = uint16(p.cfg.KeepAliveSec)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               p.cfg.Account,
		ConnectPassword:               []byte(p.cfg.AccessKey),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Debug("mqtt session connected", "broker", p.cfg.Broker)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return pahoCfg, nil
}

// Connect opens a session and blocks until the broker accepts it or ctx
// ends. The returned Session must be closed.
func (p *Publisher) Connect(ctx context.Context) (*Session, error) {
	pahoCfg, err := p.clientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	// The connection manager lives until cancel; it must not outlive
	// the session even if Close is skipped.
	sessCtx, cancel := context.WithCancel(ctx)

	cm, err := p.dial(sessCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: mqtt connect: %w", ErrPublish, err)
	}

	if err := cm.AwaitConnection(ctx); err != nil {
		cancel()
		<-cm.Done()
		return nil, fmt.Errorf("%w: await mqtt connection: %w", ErrPublish, err)
	}

	return &Session{
		cm:     cm,
		cancel: cancel,
		qos:    p.cfg.QoS,
		logger: p.logger,
	}, nil
}

// Session is one connect/publish/disconnect unit of work.
type Session struct {
	cm     connection
	cancel context.CancelFunc
	qos    byte
	logger *slog.Logger
	closed bool
}

// Publish sends payload to topic. Messages are not retained.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.closed {
		return fmt.Errorf("%w: session closed", ErrPublish)
	}
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     s.qos,
	}); err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPublish, topic, err)
	}
	s.logger.Debug("mqtt report published", "topic", topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker and waits for the connection
// manager to shut down. Calling Close more than once is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.cm.Disconnect(ctx)
	s.cancel()

	select {
	case <-s.cm.Done():
	case <-ctx.Done():
	}

	if err != nil {
		return fmt.Errorf("%w: mqtt disconnect: %w", ErrPublish, err)
	}
	return nil
}
