package relay

import (
	"context"
	"sync"
	"time"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/mqttclient"
)

// DefaultCommandTimeout bounds a single-shot command when the caller does
// not supply a deadline
const DefaultCommandTimeout = 10 * time.Second

// StopPayload is the control message that tells a device to end a stream
const StopPayload = "0"

// CommandResult is the reply to a resolved single-shot command
type CommandResult struct {
	DeviceSerial string
	Payload      []byte
	Elapsed      time.Duration
}

// pendingCommand is one in-flight registration on a reply topic. The once
// guard means a late reply arriving after timeout resolution is dropped
// rather than delivered twice.
type pendingCommand struct {
	device       string
	controlTopic string
	replyTopic   string
	created      time.Time

	once  sync.Once
	reply chan []byte

	// streaming mode only
	sink  Sink
	subID mqttclient.SubscriptionID
}

// Correlator layers request/response and streaming semantics over the
// one-way device bus. A command publishes to a device control topic and the
// reply, if any, arrives on the matching data topic; the correlator
// registers reply interest before publishing so the only reply cannot be
// lost to a subscribe race.
//
// Only one registration is permitted per (device, reply topic) at a time.
// A second issuance for the same pair is rejected with ErrAlreadyPending
// instead of silently stealing the first caller's reply.
type Correlator struct {
	bus       Bus
	namespace string
	logger    Logger
	metrics   *metric.Metrics

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// CorrelatorOption customizes a Correlator
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the diagnostic logger
func WithCorrelatorLogger(logger Logger) CorrelatorOption {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCorrelatorNamespace overrides the device topic namespace
func WithCorrelatorNamespace(namespace string) CorrelatorOption {
	return func(c *Correlator) {
		if namespace != "" {
			c.namespace = namespace
		}
	}
}

// WithCorrelatorMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithCorrelatorMetrics(registry *metric.MetricsRegistry) CorrelatorOption {
	return func(c *Correlator) {
		if registry != nil {
			c.metrics = registry.Metrics
		}
	}
}

// NewCorrelator creates a Correlator over the given bus
func NewCorrelator(bus Bus, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		bus:       bus,
		namespace: mqttclient.DefaultNamespace,
		logger:    defaultLogger{},
		pending:   make(map[string]*pendingCommand),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send publishes a command to a device control topic without waiting for a
// reply. Lock and reset commands are fire-and-forget on this fleet.
func (c *Correlator) Send(ctx context.Context, serial, capability string, payload []byte) error {
	topic := mqttclient.ControlTopic(c.namespace, serial, capability)
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		return errors.Wrap(err, "Correlator", "Send", "publish command")
	}
	c.logger.Debugf("sent %s command to %s", capability, serial)
	return nil
}

// IssueCommand publishes a command to the device control topic for the
// given capability and waits for the first message on the matching data
// topic. Exactly one of reply, timeout, or publish failure resolves the
// command; every path releases the reply-topic registration.
func (c *Correlator) IssueCommand(ctx context.Context, serial, capability string, payload []byte, timeout time.Duration) (*CommandResult, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	p, err := c.register(serial, capability, nil)
	if err != nil {
		return nil, err
	}

	subID, err := c.bus.Subscribe(p.replyTopic, func(_ string, payload []byte) {
		p.once.Do(func() { p.reply <- payload })
	})
	if err != nil {
		c.release(p.replyTopic)
		return nil, errors.Wrap(err, "Correlator", "IssueCommand", "subscribe reply topic")
	}
	defer func() {
		c.bus.Unsubscribe(subID)
		c.release(p.replyTopic)
	}()

	if err := c.bus.Publish(ctx, p.controlTopic, payload); err != nil {
		return nil, errors.Wrap(err, "Correlator", "IssueCommand", "publish command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-p.reply:
		return &CommandResult{
			DeviceSerial: serial,
			Payload:      reply,
			Elapsed:      time.Since(p.created),
		}, nil
	case <-timer.C:
		c.logger.Printf("command on %s timed out after %s", p.controlTopic, timeout)
		return nil, errors.WrapTransient(errors.ErrCommandTimeout, "Correlator", "IssueCommand", "await reply")
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "Correlator", "IssueCommand", "await reply")
	}
}

// OpenStream registers a streaming command: the start payload is published
// to the device control topic and every subsequent message on the matching
// data topic is delivered to the sink, until StopStream is called, the sink
// disconnects, or a delivery fails.
func (c *Correlator) OpenStream(ctx context.Context, serial, capability string, payload []byte, sink Sink) error {
	p, err := c.register(serial, capability, sink)
	if err != nil {
		return err
	}

	subID, err := c.bus.Subscribe(p.replyTopic, func(_ string, payload []byte) {
		if sendErr := sink.Send(payload); sendErr != nil {
			c.logger.Debugf("stream sink for %s gone: %v", p.replyTopic, sendErr)
			c.closeStream(p.replyTopic, "consumer disconnected")
		}
	})
	if err != nil {
		c.release(p.replyTopic)
		return errors.Wrap(err, "Correlator", "OpenStream", "subscribe data topic")
	}
	if !c.setSubID(p.replyTopic, subID) {
		// a reply raced the registration and tore the stream down before
		// the subscription ID landed; drop the orphaned subscription here
		c.bus.Unsubscribe(subID)
		return errors.WrapTransient(errors.ErrAlreadyClosed, "Correlator", "OpenStream", "attach data subscription")
	}

	if err := c.bus.Publish(ctx, p.controlTopic, payload); err != nil {
		c.closeStream(p.replyTopic, "publish failed")
		return errors.Wrap(err, "Correlator", "OpenStream", "publish start command")
	}

	go func() {
		<-sink.Done()
		c.closeStream(p.replyTopic, "consumer disconnected")
	}()

	c.logger.Printf("opened %s stream for %s", capability, serial)
	return nil
}

// StopStream publishes the device stop payload for the capability and
// closes the active stream. Stopping when no stream is active still tells
// the device to stop, and reports ErrNotFound.
func (c *Correlator) StopStream(ctx context.Context, serial, capability string) error {
	topic := mqttclient.ControlTopic(c.namespace, serial, capability)
	if err := c.bus.Publish(ctx, topic, []byte(StopPayload)); err != nil {
		return errors.Wrap(err, "Correlator", "StopStream", "publish stop command")
	}

	replyTopic := mqttclient.DataTopic(c.namespace, serial, capability)
	if !c.closeStream(replyTopic, "stopped") {
		return errors.WrapInvalid(errors.ErrNotFound, "Correlator", "StopStream", "close stream")
	}
	c.logger.Printf("stopped %s stream for %s", capability, serial)
	return nil
}

// Pending reports the number of in-flight registrations
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// register reserves the reply topic for one caller
func (c *Correlator) register(serial, capability string, sink Sink) (*pendingCommand, error) {
	replyTopic := mqttclient.DataTopic(c.namespace, serial, capability)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[replyTopic]; exists {
		return nil, errors.WrapInvalid(errors.ErrAlreadyPending, "Correlator", "register", "reserve reply topic")
	}
	p := &pendingCommand{
		device:       serial,
		controlTopic: mqttclient.ControlTopic(c.namespace, serial, capability),
		replyTopic:   replyTopic,
		created:      time.Now(),
		reply:        make(chan []byte, 1),
		sink:         sink,
	}
	c.pending[replyTopic] = p
	c.gaugePending()
	return p, nil
}

// gaugePending mirrors the table size to the metrics registry. Callers
// hold c.mu.
func (c *Correlator) gaugePending() {
	if c.metrics != nil {
		c.metrics.CommandsPending.Set(float64(len(c.pending)))
	}
}

// setSubID stores the data-topic subscription ID on the pending entry. It
// reports false when the entry was already torn down, in which case the
// caller owns the subscription and must unsubscribe it.
func (c *Correlator) setSubID(replyTopic string, subID mqttclient.SubscriptionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[replyTopic]
	if !ok {
		return false
	}
	p.subID = subID
	return true
}

func (c *Correlator) release(replyTopic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, replyTopic)
	c.gaugePending()
}

// closeStream releases a streaming registration: unsubscribes from the data
// topic and delivers a terminal marker to the sink. Safe to call from both
// the stop path and the sink-disconnect path; the first caller wins.
func (c *Correlator) closeStream(replyTopic, reason string) bool {
	c.mu.Lock()
	p, ok := c.pending[replyTopic]
	if ok && p.sink != nil {
		delete(c.pending, replyTopic)
		c.gaugePending()
	}
	c.mu.Unlock()
	if !ok || p.sink == nil {
		return false
	}

	if p.subID != "" {
		c.bus.Unsubscribe(p.subID)
	}
	if err := p.sink.End(reason); err != nil {
		c.logger.Debugf("terminal marker for %s not delivered: %v", replyTopic, err)
	}
	return true
}
