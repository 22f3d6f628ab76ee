package poller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

type fakeStore struct {
	mu       sync.Mutex
	gps      []telemetry.GPSRow
	alerts   []telemetry.AlertRow
	ignition []telemetry.IgnitionRow
	maxTS    map[telemetry.Series]int64
	err      error
}

func (s *fakeStore) QueryGPSLatest(_ context.Context) ([]telemetry.GPSRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.gps, nil
}

func (s *fakeStore) QueryAlertsNewerThan(_ context.Context, watermark int64) ([]telemetry.AlertRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []telemetry.AlertRow
	for _, row := range s.alerts {
		if row.Time > watermark {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) QueryIgnitionNewerThan(_ context.Context, watermark int64) ([]telemetry.IgnitionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []telemetry.IgnitionRow
	for _, row := range s.ignition {
		if row.Time > watermark {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) MaxTimestamp(_ context.Context, series telemetry.Series) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.maxTS[series], nil
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []publishedEvent
	publishErr error
}

type publishedEvent struct {
	subject string
	payload []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, publishedEvent{subject: subject, payload: data})
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
}

func (p *fakePublisher) events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.published...)
}

func fixedClock(at int64) func() time.Time {
	return func() time.Time { return time.Unix(at, 0) }
}

const t0 = int64(1700000000)

func TestSeedWatermarkClamping(t *testing.T) {
	tests := []struct {
		name string
		max  int64
		want int64
	}{
		{name: "empty series seeds to floor", max: 0, want: t0 - SeedLookback},
		{name: "recent max wins", max: t0 - 10, want: t0 - 10},
		{name: "stale max clamps to floor", max: t0 - 3600, want: t0 - SeedLookback},
		{name: "future max clamps to now", max: t0 + 300, want: t0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{maxTS: map[telemetry.Series]int64{telemetry.SeriesAlerts: tc.max}}
			p := New(store, &fakePublisher{}, WithClock(fixedClock(t0)))
			assert.Equal(t, tc.want, p.seedWatermark(context.Background(), telemetry.SeriesAlerts))
		})
	}
}

func TestSeedWatermarkStorageError(t *testing.T) {
	store := &fakeStore{err: errors.ErrStorageUnavailable}
	p := New(store, &fakePublisher{}, WithClock(fixedClock(t0)))
	assert.Equal(t, t0-SeedLookback, p.seedWatermark(context.Background(), telemetry.SeriesAlerts))
}

func TestPollAlertsAdvancesWatermark(t *testing.T) {
	store := &fakeStore{alerts: []telemetry.AlertRow{
		{Time: t0 + 10, DeviceSerial: "dev1", Alert: "Tamper detected"},
		{Time: t0 + 5, DeviceSerial: "dev2", Alert: "Low battery"},
	}}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0+30)))
	p.setWatermark(telemetry.SeriesAlerts, t0)

	require.NoError(t, p.pollAlerts(context.Background()))

	// watermark lands one past the newest considered row
	assert.Equal(t, t0+11, p.Watermark(telemetry.SeriesAlerts))

	events := pub.events()
	require.Len(t, events, 1)
	assert.Equal(t, "fleet.events.alerts", events[0].subject)

	var event telemetry.Event
	require.NoError(t, json.Unmarshal(events[0].payload, &event))
	assert.Equal(t, telemetry.EventAlertUpdate, event.Type)

	var rows []telemetry.AlertRow
	require.NoError(t, json.Unmarshal(event.Data, &rows))
	assert.Len(t, rows, 2)

	// the same rows are not re-emitted on the next tick
	require.NoError(t, p.pollAlerts(context.Background()))
	assert.Len(t, pub.events(), 1)
}

func TestPollAlertsDiscardsFutureRows(t *testing.T) {
	store := &fakeStore{alerts: []telemetry.AlertRow{
		{Time: t0 + 500, DeviceSerial: "dev1", Alert: "Tamper detected"},
	}}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0)))
	p.setWatermark(telemetry.SeriesAlerts, t0-10)

	require.NoError(t, p.pollAlerts(context.Background()))

	// a clock-skewed row neither advances the watermark nor emits
	assert.Equal(t, t0-10, p.Watermark(telemetry.SeriesAlerts))
	assert.Empty(t, pub.events())
}

func TestPollAlertsAdvancesPastNoise(t *testing.T) {
	store := &fakeStore{alerts: []telemetry.AlertRow{
		{Time: t0 + 5, DeviceSerial: "dev1", Alert: "Door opened"},
		{Time: t0 + 3, DeviceSerial: "dev2", Alert: "Ignition on"},
	}}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0+30)))
	p.setWatermark(telemetry.SeriesAlerts, t0)

	require.NoError(t, p.pollAlerts(context.Background()))

	// nothing newsworthy was emitted, but the rows were considered
	assert.Empty(t, pub.events())
	assert.Equal(t, t0+6, p.Watermark(telemetry.SeriesAlerts))
}

func TestPollAlertsFailedPublishRetriesBatch(t *testing.T) {
	store := &fakeStore{alerts: []telemetry.AlertRow{
		{Time: t0 + 10, DeviceSerial: "dev1", Alert: "Tamper detected"},
	}}
	pub := &fakePublisher{}
	pub.setErr(errors.ErrNotConnected)
	p := New(store, pub, WithClock(fixedClock(t0+30)))
	p.setWatermark(telemetry.SeriesAlerts, t0)

	// the bus is down: the tick fails and the watermark must not move,
	// or the batch would be unreachable forever
	err := p.pollAlerts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, t0, p.Watermark(telemetry.SeriesAlerts))
	assert.Empty(t, pub.events())

	// once the bus recovers the same window is re-queried and emitted
	pub.setErr(nil)
	require.NoError(t, p.pollAlerts(context.Background()))
	assert.Equal(t, t0+11, p.Watermark(telemetry.SeriesAlerts))
	require.Len(t, pub.events(), 1)
}

func TestPollIgnitionFailedPublishRetriesBatch(t *testing.T) {
	store := &fakeStore{ignition: []telemetry.IgnitionRow{
		{Time: t0 + 5, DeviceSerial: "dev1", Status: "on"},
	}}
	pub := &fakePublisher{}
	pub.setErr(errors.ErrNotConnected)
	p := New(store, pub, WithClock(fixedClock(t0+30)))
	p.setWatermark(telemetry.SeriesIgnition, t0)

	require.Error(t, p.pollIgnition(context.Background()))
	assert.Equal(t, t0, p.Watermark(telemetry.SeriesIgnition))

	pub.setErr(nil)
	require.NoError(t, p.pollIgnition(context.Background()))
	assert.Equal(t, t0+6, p.Watermark(telemetry.SeriesIgnition))
	require.Len(t, pub.events(), 1)
}

func TestPollAlertsNoRowsLeavesWatermark(t *testing.T) {
	store := &fakeStore{}
	p := New(store, &fakePublisher{}, WithClock(fixedClock(t0)))
	p.setWatermark(telemetry.SeriesAlerts, t0-5)

	require.NoError(t, p.pollAlerts(context.Background()))
	assert.Equal(t, t0-5, p.Watermark(telemetry.SeriesAlerts))
}

func TestPollAlertsStorageErrorSkipsTick(t *testing.T) {
	store := &fakeStore{err: errors.ErrStorageUnavailable}
	p := New(store, &fakePublisher{}, WithClock(fixedClock(t0)))
	p.setWatermark(telemetry.SeriesAlerts, t0-5)

	err := p.pollAlerts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, t0-5, p.Watermark(telemetry.SeriesAlerts))
}

func TestPollIgnition(t *testing.T) {
	store := &fakeStore{ignition: []telemetry.IgnitionRow{
		{Time: t0 + 2, DeviceSerial: "dev1", Status: "on"},
	}}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0+30)))
	p.setWatermark(telemetry.SeriesIgnition, t0)

	require.NoError(t, p.pollIgnition(context.Background()))
	assert.Equal(t, t0+3, p.Watermark(telemetry.SeriesIgnition))

	events := pub.events()
	require.Len(t, events, 1)
	assert.Equal(t, "fleet.events.ignition", events[0].subject)

	var event telemetry.Event
	require.NoError(t, json.Unmarshal(events[0].payload, &event))
	assert.Equal(t, telemetry.EventEngineUpdate, event.Type)
}

func TestPollGPSSnapshot(t *testing.T) {
	store := &fakeStore{gps: []telemetry.GPSRow{
		{Time: t0, DeviceSerial: "dev1", Latitude: -26.2041, Longitude: 28.0473, Speed: 62.5},
	}}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0)))

	require.NoError(t, p.pollGPS(context.Background()))
	require.NoError(t, p.pollGPS(context.Background()))

	// snapshot emits every tick while data exists
	events := pub.events()
	require.Len(t, events, 2)
	assert.Equal(t, "fleet.events.gps", events[0].subject)

	var event telemetry.Event
	require.NoError(t, json.Unmarshal(events[0].payload, &event))
	assert.Equal(t, telemetry.EventGPSUpdate, event.Type)
}

func TestPollGPSEmptyEmitsNothing(t *testing.T) {
	pub := &fakePublisher{}
	p := New(&fakeStore{}, pub, WithClock(fixedClock(t0)))

	require.NoError(t, p.pollGPS(context.Background()))
	assert.Empty(t, pub.events())
}

func TestStartSeedsAndRuns(t *testing.T) {
	store := &fakeStore{
		maxTS: map[telemetry.Series]int64{telemetry.SeriesAlerts: t0 - 5},
		alerts: []telemetry.AlertRow{
			{Time: t0 + 1, DeviceSerial: "dev1", Alert: "Tamper detected"},
		},
	}
	pub := &fakePublisher{}
	p := New(store, pub, WithClock(fixedClock(t0+10)), WithInterval(10*time.Millisecond))

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Equal(t, t0-5, p.Watermark(telemetry.SeriesAlerts))
	require.Eventually(t, func() bool {
		for _, ev := range pub.events() {
			if ev.subject == "fleet.events.alerts" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
