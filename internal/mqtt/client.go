package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/i474232898/meteo-dashboard/internal/config"
)

var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("mqtt client stopped")
)

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_mqtt_messages_received_total",
		Help: "MQTT messages delivered by the broker.",
	})
	activeTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dashboard_mqtt_active_topics",
		Help: "Broker topics with at least one local subscriber.",
	})
)

const (
	qos         = byte(1) // at least once
	opTimeout   = 5 * time.Second
	quiesceMs   = 250
	connectPoll = 200 * time.Millisecond
)

// Client is one shared broker connection. Local subscribers are routed by
// exact topic: the broker subscription is opened for the first local
// subscriber of a topic and dropped after the last one leaves.
type Client struct {
	client mqtt.Client
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	topics    map[string]map[uint64]func([]byte)
	nextID    uint64

	// brokerMu serialises broker subscribe/unsubscribe so they reach the
	// broker in the order local state changed.
	brokerMu sync.Mutex
	onBroker map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	c := newClient(logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	// Session settings
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if cfg.CAFile != "" || cfg.CertFile != "" {
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)
		c.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func newClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:   logger,
		topics:   make(map[string]map[uint64]func([]byte)),
		onBroker: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt ca %s: no certificates found", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Connect waits for the initial connection, respecting ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	for {
		if token.WaitTimeout(connectPoll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Subscribe registers handler for messages on topic and returns the function
// that removes it. The returned function is idempotent. A message already
// being dispatched when it is called may still reach handler.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	subs, ok := c.topics[topic]
	if !ok {
		subs = make(map[uint64]func([]byte))
		c.topics[topic] = subs
	}
	subs[id] = handler
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { c.remove(topic, id) })
	}

	if err := c.syncTopic(ctx, topic); err != nil {
		unsubscribe()
		return nil, err
	}
	c.logger.Debug("local subscription added", "topic", topic, "id", id)
	return unsubscribe, nil
}

func (c *Client) remove(topic string, id uint64) {
	c.mu.Lock()
	subs := c.topics[topic]
	delete(subs, id)
	empty := len(subs) == 0
	if empty {
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	if empty {
		// Unsubscribe may be called from inside a message handler, where
		// waiting on a paho token would block the router.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if err := c.syncTopic(ctx, topic); err != nil {
				c.logger.Warn("mqtt unsubscribe failed", "topic", topic, "error", err)
			}
		}()
	}
}

// syncTopic brings the broker subscription for topic in line with the
// local subscriber set.
func (c *Client) syncTopic(ctx context.Context, topic string) error {
	c.brokerMu.Lock()
	defer c.brokerMu.Unlock()

	c.mu.Lock()
	want := len(c.topics[topic]) > 0
	c.mu.Unlock()

	have := c.onBroker[topic]
	switch {
	case want && !have:
		if err := wait(ctx, c.client.Subscribe(topic, qos, c.dispatch)); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		c.onBroker[topic] = true
		c.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	case !want && have:
		delete(c.onBroker, topic)
		if err := wait(ctx, c.client.Unsubscribe(topic)); err != nil {
			return fmt.Errorf("unsubscribe from %s: %w", topic, err)
		}
		c.logger.Info("unsubscribed from mqtt topic", "topic", topic)
	}
	activeTopics.Set(float64(len(c.onBroker)))
	return nil
}

// resubscribe restores broker subscriptions after a (re)connect; a clean
// session loses them.
func (c *Client) resubscribe() {
	c.brokerMu.Lock()
	c.onBroker = make(map[string]bool)
	c.brokerMu.Unlock()

	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := c.syncTopic(ctx, t); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", t, "error", err)
		}
		cancel()
	}
}

func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	messagesReceived.Inc()

	payload := msg.Payload()
	data := make([]byte, len(payload))
	copy(data, payload)

	c.mu.Lock()
	subs := c.topics[msg.Topic()]
	handlers := make([]func([]byte), 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.logger.Debug("received mqtt message", "topic", msg.Topic(), "size", len(data), "subscribers", len(handlers))
	for _, h := range handlers {
		h(data)
	}
}

// Publish sends payload to topic with QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the broker connection.
// Idempotent and safe to call multiple times.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(quiesceMs)
	}
	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(opTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", opTimeout)
	}
}
