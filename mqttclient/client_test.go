package mqttclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", c.BrokerURL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.NotEmpty(t, c.clientID)
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("tcp://broker:1883",
		WithClientID("fleet-backend"),
		WithCredentials("dev:fleet", "secret"),
		WithQoS(1),
		WithPublishTimeout(time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "fleet-backend", c.clientID)
	assert.Equal(t, "dev:fleet", c.username)
	assert.Equal(t, byte(1), c.qos)
	assert.Equal(t, time.Second, c.publishTimeout)
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestPublishWhileDisconnected(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "ekco/v1/dev1/lock/control", []byte("1"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	_, err = c.Subscribe("ekco/v1/+/logs/data", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSubscribeRegistersRouteWithoutConnection(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	id, err := c.Subscribe("ekco/v1/+/logs/data", func(string, []byte) {})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	c.mu.RLock()
	assert.Len(t, c.routes["ekco/v1/+/logs/data"], 1)
	c.mu.RUnlock()
}

func TestDispatchFansOutToAllHandlersForFilter(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string

	filter := "ekco/v1/+/logs/data"
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := c.Subscribe(filter, func(topic string, payload []byte) {
			mu.Lock()
			got = append(got, name+":"+topic+":"+string(payload))
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	c.dispatch(filter, "ekco/v1/dev1/logs/data", []byte("line"))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{
		"a:ekco/v1/dev1/logs/data:line",
		"b:ekco/v1/dev1/logs/data:line",
	}, got)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	filter := "ekco/v1/+/lock/control"
	id, err := c.Subscribe(filter, func(string, []byte) {})
	require.NoError(t, err)

	c.Unsubscribe(id)
	c.Unsubscribe(id) // second removal is a no-op

	c.mu.RLock()
	_, exists := c.routes[filter]
	c.mu.RUnlock()
	assert.False(t, exists)
}

func TestUnsubscribeKeepsFilterWhileOtherHandlersRemain(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	filter := "ekco/v1/+/lock/control"
	id1, err := c.Subscribe(filter, func(string, []byte) {})
	require.NoError(t, err)
	_, err = c.Subscribe(filter, func(string, []byte) {})
	require.NoError(t, err)

	c.Unsubscribe(id1)

	c.mu.RLock()
	assert.Len(t, c.routes[filter], 1)
	c.mu.RUnlock()
}

func TestCloseClearsCredentialsUnderLock(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883",
		WithCredentials("dev:fleet", "secret"),
	)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Empty(t, c.username)
	assert.Empty(t, c.password)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := NewClient("tcp://localhost:1883")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
}
