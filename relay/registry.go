package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/mqttclient"
)

// StreamKind names a class of per-device live stream
type StreamKind string

const (
	// StreamLogs delivers device log lines as they arrive on the bus
	StreamLogs StreamKind = "logs"

	// StreamLock delivers lock state changes; a new viewer receives the
	// last known state immediately
	StreamLock StreamKind = "lock"
)

// DefaultLogHistory is how many log lines are retained per device for
// replay to late-joining viewers
const DefaultLogHistory = 1000

// Subscription is one viewer's membership in a (device, kind) group
type Subscription struct {
	ID           uuid.UUID
	DeviceSerial string
	Kind         StreamKind
	Sink         Sink

	registered time.Time
}

type groupKey struct {
	serial string
	kind   StreamKind
}

// Registry routes live bus traffic to long-lived viewers. It taps the bus
// once per stream kind at Start and is the single synchronization point
// for group membership: subscribes, unsubscribes, and deliveries may all
// race and the registry keeps them consistent.
type Registry struct {
	bus       Bus
	tracker   *LockTracker
	namespace string
	logger    Logger
	history   int
	metrics   *metric.Metrics

	mu      sync.RWMutex
	groups  map[groupKey]map[uuid.UUID]*Subscription
	logs    map[string]*logRing
	tapIDs  []mqttclient.SubscriptionID
	started bool
}

// RegistryOption customizes a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the diagnostic logger
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryNamespace overrides the device topic namespace
func WithRegistryNamespace(namespace string) RegistryOption {
	return func(r *Registry) {
		if namespace != "" {
			r.namespace = namespace
		}
	}
}

// WithRegistryMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithRegistryMetrics(registry *metric.MetricsRegistry) RegistryOption {
	return func(r *Registry) {
		if registry != nil {
			r.metrics = registry.Metrics
		}
	}
}

// WithLogHistory sets the per-device log replay depth
func WithLogHistory(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.history = n
		}
	}
}

// NewRegistry creates a Registry over the given bus. The tracker may be
// nil, in which case lock streams deliver only live updates.
func NewRegistry(bus Bus, tracker *LockTracker, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:       bus,
		tracker:   tracker,
		namespace: mqttclient.DefaultNamespace,
		logger:    defaultLogger{},
		history:   DefaultLogHistory,
		groups:    make(map[groupKey]map[uuid.UUID]*Subscription),
		logs:      make(map[string]*logRing),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the bus taps: one wildcard subscription per stream kind,
// shared by every current and future viewer.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	lockFilter := mqttclient.WildcardTopic(r.namespace, "lock", mqttclient.ChannelControl)
	lockID, err := r.bus.Subscribe(lockFilter, func(topic string, payload []byte) {
		r.onLockMessage(ctx, topic, payload)
	})
	if err != nil {
		return errors.Wrap(err, "Registry", "Start", "subscribe lock tap")
	}

	logsFilter := mqttclient.WildcardTopic(r.namespace, "logs", mqttclient.ChannelData)
	logsID, err := r.bus.Subscribe(logsFilter, func(topic string, payload []byte) {
		r.onLogMessage(topic, payload)
	})
	if err != nil {
		r.bus.Unsubscribe(lockID)
		return errors.Wrap(err, "Registry", "Start", "subscribe logs tap")
	}

	r.mu.Lock()
	r.tapIDs = append(r.tapIDs, lockID, logsID)
	r.mu.Unlock()
	r.logger.Printf("registry tapping %s and %s", lockFilter, logsFilter)
	return nil
}

// Stop removes the bus taps. Active viewers keep their group membership
// but receive no further deliveries.
func (r *Registry) Stop() {
	r.mu.Lock()
	ids := r.tapIDs
	r.tapIDs = nil
	r.started = false
	r.mu.Unlock()
	for _, id := range ids {
		r.bus.Unsubscribe(id)
	}
}

// Subscribe adds a sink to the (device, kind) group. For the lock kind the
// last known state is delivered to the sink before it joins the live group,
// so a new viewer sees current state without waiting for the next bus
// event. For the logs kind the retained history is replayed first.
func (r *Registry) Subscribe(ctx context.Context, serial string, kind StreamKind, sink Sink) (*Subscription, error) {
	if kind != StreamLogs && kind != StreamLock {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Subscribe", "resolve stream kind")
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Subscribe", "validate sink")
	}

	switch kind {
	case StreamLock:
		if r.tracker != nil {
			if status, err := r.tracker.Status(ctx, serial); err == nil {
				if sendErr := sink.Send([]byte(strconv.Itoa(status))); sendErr != nil {
					return nil, errors.Wrap(sendErr, "Registry", "Subscribe", "deliver cached lock state")
				}
			}
		}
	case StreamLogs:
		for _, line := range r.LogHistory(serial) {
			if sendErr := sink.Send(line); sendErr != nil {
				return nil, errors.Wrap(sendErr, "Registry", "Subscribe", "replay log history")
			}
		}
	}

	sub := &Subscription{
		ID:           uuid.New(),
		DeviceSerial: serial,
		Kind:         kind,
		Sink:         sink,
		registered:   time.Now(),
	}

	key := groupKey{serial: serial, kind: kind}
	r.mu.Lock()
	group, ok := r.groups[key]
	if !ok {
		group = make(map[uuid.UUID]*Subscription)
		r.groups[key] = group
	}
	group[sub.ID] = sub
	r.mu.Unlock()

	go func() {
		<-sink.Done()
		r.Unsubscribe(sub)
	}()

	r.logger.Debugf("viewer %s joined %s/%s", sub.ID, serial, kind)
	return sub, nil
}

// Unsubscribe removes a subscription from its group. Removing one that is
// already gone is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	key := groupKey{serial: sub.DeviceSerial, kind: sub.Kind}
	r.mu.Lock()
	if group, ok := r.groups[key]; ok {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(r.groups, key)
		}
	}
	r.mu.Unlock()
}

// StopAll delivers a terminal marker to every sink in the (device, kind)
// group and empties it. ErrNotFound when the group has no viewers.
func (r *Registry) StopAll(serial string, kind StreamKind) error {
	key := groupKey{serial: serial, kind: kind}
	r.mu.Lock()
	group, ok := r.groups[key]
	if ok {
		delete(r.groups, key)
	}
	r.mu.Unlock()

	if !ok || len(group) == 0 {
		return errors.WrapInvalid(errors.ErrNotFound, "Registry", "StopAll", "close viewer group")
	}
	for _, sub := range group {
		if err := sub.Sink.End("stopped"); err != nil {
			r.logger.Debugf("terminal marker for viewer %s not delivered: %v", sub.ID, err)
		}
	}
	r.logger.Printf("closed %d viewer(s) on %s/%s", len(group), serial, kind)
	return nil
}

// Viewers reports the current group size
func (r *Registry) Viewers(serial string, kind StreamKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[groupKey{serial: serial, kind: kind}])
}

// TotalViewers reports the viewer count across all devices for a kind
func (r *Registry) TotalViewers(kind StreamKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for key, group := range r.groups {
		if key.kind == kind {
			total += len(group)
		}
	}
	return total
}

// LogHistory returns the retained log lines for a device, oldest first
func (r *Registry) LogHistory(serial string) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.logs[serial]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

func (r *Registry) onLockMessage(ctx context.Context, topic string, payload []byte) {
	serial := mqttclient.DeviceFromTopic(r.namespace, topic)
	if serial == "" {
		return
	}
	if r.metrics != nil {
		r.metrics.BusMessages.WithLabelValues("lock").Inc()
	}
	if r.tracker != nil {
		if err := r.tracker.ObservePayload(ctx, serial, payload); err != nil && !errors.IsInvalid(err) {
			r.logger.Errorf("lock status for %s not recorded: %v", serial, err)
		}
	}
	r.fanOut(serial, StreamLock, payload)
}

func (r *Registry) onLogMessage(topic string, payload []byte) {
	serial := mqttclient.DeviceFromTopic(r.namespace, topic)
	if serial == "" {
		return
	}
	if r.metrics != nil {
		r.metrics.BusMessages.WithLabelValues("logs").Inc()
	}
	r.mu.Lock()
	ring, ok := r.logs[serial]
	if !ok {
		ring = newLogRing(r.history)
		r.logs[serial] = ring
	}
	ring.append(payload)
	r.mu.Unlock()

	r.fanOut(serial, StreamLogs, payload)
}

// fanOut delivers one payload to every sink in the group. A sink that
// fails the write is removed from the group; other viewers are unaffected.
func (r *Registry) fanOut(serial string, kind StreamKind, payload []byte) {
	key := groupKey{serial: serial, kind: kind}

	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.groups[key]))
	for _, sub := range r.groups[key] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Sink.Send(payload); err != nil {
			r.logger.Debugf("evicting viewer %s on %s/%s: %v", sub.ID, serial, kind, err)
			r.Unsubscribe(sub)
		}
	}
}
