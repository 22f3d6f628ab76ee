package relay

import (
	"context"
	"sync"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/mqttclient"
)

var errNoStatusForTest = errors.ErrNoStatus

// fakeBus is an in-process loopback bus: Publish dispatches synchronously
// to every subscription whose filter matches the topic.
type fakeBus struct {
	mu         sync.Mutex
	subs       map[mqttclient.SubscriptionID]fakeSub
	published  []publishedMsg
	publishErr error
	onPublish  func(topic string, payload []byte)
	next       int
}

type fakeSub struct {
	filter  string
	handler mqttclient.MessageHandler
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[mqttclient.SubscriptionID]fakeSub)}
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	b.published = append(b.published, publishedMsg{topic: topic, payload: payload})
	handlers := make([]mqttclient.MessageHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if mqttclient.MatchTopic(sub.filter, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	hook := b.onPublish
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(topic, payload)
	}
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(filter string, handler mqttclient.MessageHandler) (mqttclient.SubscriptionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := mqttclient.SubscriptionID(string(rune('a' + b.next)))
	b.subs[id] = fakeSub{filter: filter, handler: handler}
	return id, nil
}

func (b *fakeBus) Unsubscribe(id mqttclient.SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *fakeBus) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBus) publishedTo(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, msg := range b.published {
		if msg.topic == topic {
			out = append(out, msg.payload)
		}
	}
	return out
}

// memLockStore is an in-memory LockStatusStore for tests
type memLockStore struct {
	mu     sync.Mutex
	states map[string]int
	getErr error
}

func newMemLockStore() *memLockStore {
	return &memLockStore{states: make(map[string]int)}
}

func (s *memLockStore) Get(_ context.Context, serial string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, s.getErr
	}
	status, ok := s.states[serial]
	if !ok {
		return 0, errNoStatusForTest
	}
	return status, nil
}

func (s *memLockStore) All(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.states))
	for serial, status := range s.states {
		out[serial] = status
	}
	return out, nil
}

func (s *memLockStore) Upsert(_ context.Context, serial string, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[serial] = status
	return nil
}
