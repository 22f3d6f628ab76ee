// Package mqttclient provides the single shared connection to the device
// message bus. Every other component registers topic-pattern interest through
// this client rather than opening its own connection: the broker does not
// scale to one connection per concern, and per-topic ordering is only
// preserved within one connection.
package mqttclient

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected      = stderrors.New("not connected to MQTT broker")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// MessageHandler receives one inbound bus message. Handlers run on the
// client's dispatch goroutine; per-topic arrival order is preserved.
type MessageHandler func(topic string, payload []byte)

// SubscriptionID identifies one registered handler for later removal
type SubscriptionID string

// Client manages the shared MQTT connection and multiplexes inbound messages
// to every registered handler whose topic filter matches.
type Client struct {
	brokerURL string
	status    atomic.Value // stores ConnectionStatus
	logger    Logger

	conn mqtt.Client

	// Handler multiplexing: one broker subscription per filter, any number
	// of registered handlers behind it. Replayed on reconnect.
	routes   map[string]map[SubscriptionID]MessageHandler
	filterOf map[SubscriptionID]string
	mu       sync.RWMutex

	// Connection options
	clientID       string
	username       string
	password       string
	qos            byte
	connectTimeout time.Duration
	publishTimeout time.Duration
	reconnectWait  time.Duration
	keepAlive      time.Duration

	closed atomic.Bool
}

// NewClient creates a new MQTT bus client with optional configuration
func NewClient(brokerURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		brokerURL: brokerURL,
		logger:    &defaultLogger{},
		routes:    make(map[string]map[SubscriptionID]MessageHandler),
		filterOf:  make(map[SubscriptionID]string),
		// Sensible defaults
		clientID:       "fleetsapi-" + uuid.NewString()[:8],
		qos:            0,
		connectTimeout: 10 * time.Second,
		publishTimeout: 5 * time.Second,
		reconnectWait:  5 * time.Second,
		keepAlive:      30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)

	c.logger.Debugf("Created MQTT client for %s", brokerURL)

	return c, nil
}

// BrokerURL returns the configured broker URL
func (c *Client) BrokerURL() string {
	return c.brokerURL
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Connect establishes the broker connection. Registered topic filters are
// re-subscribed automatically on every (re)connect.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to MQTT broker at %s", c.brokerURL)

	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(c.clientID).
		SetKeepAlive(c.keepAlive).
		SetAutoReconnect(true).
		SetConnectRetryInterval(c.reconnectWait).
		SetCleanSession(true).
		SetOrderMatters(true)

	c.mu.RLock()
	username, password := c.username, c.password
	c.mu.RUnlock()
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.OnConnect = func(_ mqtt.Client) {
		c.setStatus(StatusConnected)
		c.logger.Printf("MQTT connected")
		c.resubscribeAll()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setStatus(StatusReconnecting)
		c.logger.Errorf("MQTT connection lost: %v", err)
	}

	conn := mqtt.NewClient(opts)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	token := conn.Connect()

	timeout := c.connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ErrConnectionTimeout, "Client", "Connect", "establish connection")
	}
	if err := token.Error(); err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	return nil
}

// Close disconnects from the broker, allowing in-flight work to quiesce
func (c *Client) Close(_ context.Context) error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	// Clear credentials from memory; Connect reads them under the same lock
	c.username = ""
	c.password = ""
	c.mu.Unlock()

	if conn != nil && conn.IsConnectionOpen() {
		conn.Disconnect(250)
	}

	c.setStatus(StatusDisconnected)
	return nil
}

// Publish sends a payload to a concrete topic. Returns a transport error if
// the connection is down or the broker rejects the message; delivery is never
// retried here - retry policy belongs to the caller.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnectionOpen() {
		return errors.WrapTransient(ErrNotConnected, "Client", "Publish", "check connection")
	}

	timeout := c.publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	token := conn.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return errors.WrapTransient(errors.ErrPublishFailed, "Client", "Publish", "await broker ack")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+topic)
	}
	return nil
}

// Subscribe registers a handler for a topic filter ("+" and "#" wildcards
// supported). Multiple handlers may share one filter; the broker subscription
// is created once and removed when the last handler unsubscribes.
func (c *Client) Subscribe(filter string, handler MessageHandler) (SubscriptionID, error) {
	if handler == nil {
		return "", errors.WrapInvalid(errors.ErrSubscribeFail, "Client", "Subscribe", "nil handler")
	}

	id := SubscriptionID(uuid.NewString())

	c.mu.Lock()
	handlers, known := c.routes[filter]
	if !known {
		handlers = make(map[SubscriptionID]MessageHandler)
		c.routes[filter] = handlers
	}
	handlers[id] = handler
	c.filterOf[id] = filter
	conn := c.conn
	c.mu.Unlock()

	// First handler for this filter establishes the broker subscription.
	// When disconnected, the OnConnect resubscribe pass picks it up instead.
	if !known && conn != nil && conn.IsConnectionOpen() {
		if err := c.subscribeFilter(conn, filter); err != nil {
			c.removeHandler(id)
			return "", err
		}
	}

	return id, nil
}

// Unsubscribe removes a previously registered handler. Removing an unknown or
// already-removed handler is a no-op.
func (c *Client) Unsubscribe(id SubscriptionID) {
	c.removeHandler(id)
}

func (c *Client) removeHandler(id SubscriptionID) {
	c.mu.Lock()
	filter, ok := c.filterOf[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.filterOf, id)
	delete(c.routes[filter], id)
	last := len(c.routes[filter]) == 0
	if last {
		delete(c.routes, filter)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil && conn.IsConnectionOpen() {
		token := conn.Unsubscribe(filter)
		if !token.WaitTimeout(c.publishTimeout) || token.Error() != nil {
			c.logger.Errorf("Failed to unsubscribe filter %s: %v", filter, token.Error())
		}
	}
}

// subscribeFilter creates the broker subscription for one filter
func (c *Client) subscribeFilter(conn mqtt.Client, filter string) error {
	token := conn.Subscribe(filter, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(filter, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.connectTimeout) {
		return errors.WrapTransient(errors.ErrSubscribeFail, "Client", "Subscribe", "await suback for "+filter)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+filter)
	}
	c.logger.Debugf("Subscribed to %s", filter)
	return nil
}

// dispatch fans one inbound message out to every handler registered for the
// filter it arrived on. Handlers run synchronously so per-topic arrival order
// is preserved for each registered consumer.
func (c *Client) dispatch(filter, topic string, payload []byte) {
	c.mu.RLock()
	handlers := make([]MessageHandler, 0, len(c.routes[filter]))
	for _, h := range c.routes[filter] {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// resubscribeAll replays every registered filter after a (re)connect
func (c *Client) resubscribeAll() {
	c.mu.RLock()
	filters := make([]string, 0, len(c.routes))
	for filter := range c.routes {
		filters = append(filters, filter)
	}
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return
	}
	for _, filter := range filters {
		if err := c.subscribeFilter(conn, filter); err != nil {
			c.logger.Errorf("Resubscribe failed for %s: %v", filter, err)
		}
	}
}
