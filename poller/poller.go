// Package poller turns the passive storage tables into a push feed. One
// runner per monitored series queries for rows beyond a watermark on a
// fixed interval and publishes non-empty batches to the internal event bus,
// where the broadcast fan-out picks them up.
package poller

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/storage"
	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

// DefaultInterval is the per-series polling cadence
const DefaultInterval = 3 * time.Second

// SeedLookback bounds how far back a cold start may reach: the seeded
// watermark is clamped to no earlier than now minus this many seconds.
const SeedLookback = int64(60)

// Publisher is the slice of the internal event bus the poller needs.
// *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Logger receives diagnostic output from the poller
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) { log.Printf("[POLLER] "+format, v...) }
func (defaultLogger) Errorf(format string, v ...any) { log.Printf("[POLLER] ERROR: "+format, v...) }
func (defaultLogger) Debugf(format string, v ...any) {}

// Poller owns the watermark state and runners for every monitored series.
// The alert and ignition series follow the watermark discipline; the GPS
// series publishes a latest-position-per-device snapshot each tick instead,
// since viewers only care about current position.
type Poller struct {
	store    storage.TelemetryStore
	pub      Publisher
	filter   *telemetry.AlertFilter
	interval time.Duration
	logger   Logger
	metrics  *metric.Metrics
	now      func() time.Time

	mu         sync.Mutex
	watermarks map[telemetry.Series]int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option customizes a Poller
type Option func(*Poller)

// WithInterval sets the polling cadence
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithLogger sets the diagnostic logger
func WithLogger(logger Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithAlertFilter sets the noise filter applied to the alert series
func WithAlertFilter(filter *telemetry.AlertFilter) Option {
	return func(p *Poller) { p.filter = filter }
}

// WithMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Poller) {
		if registry != nil {
			p.metrics = registry.Metrics
		}
	}
}

// WithClock overrides the wall-clock source
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Poller over the given store and publisher
func New(store storage.TelemetryStore, pub Publisher, opts ...Option) *Poller {
	p := &Poller{
		store:      store,
		pub:        pub,
		filter:     telemetry.NewAlertFilter(telemetry.DefaultExcludedAlerts),
		interval:   DefaultInterval,
		logger:     defaultLogger{},
		now:        time.Now,
		watermarks: make(map[telemetry.Series]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start seeds the watermarks and launches one runner per series. The
// runners stop when ctx is canceled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	for _, series := range []telemetry.Series{telemetry.SeriesAlerts, telemetry.SeriesIgnition} {
		wm := p.seedWatermark(ctx, series)
		p.setWatermark(series, wm)
		p.logger.Printf("%s watermark seeded at %d", series, wm)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, series := range []telemetry.Series{telemetry.SeriesGPS, telemetry.SeriesAlerts, telemetry.SeriesIgnition} {
		p.wg.Add(1)
		go p.run(runCtx, series)
	}
	return nil
}

// Stop halts every runner and waits for them to drain
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.started = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Watermark returns the current watermark for a series
func (p *Poller) Watermark(series telemetry.Series) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermarks[series]
}

func (p *Poller) setWatermark(series telemetry.Series, wm int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watermarks[series] = wm
}

// seedWatermark initializes a series watermark from the newest persisted
// row, clamped to the window [now-SeedLookback, now]: a cold start neither
// replays the whole backlog nor skips rows from the last minute.
func (p *Poller) seedWatermark(ctx context.Context, series telemetry.Series) int64 {
	now := p.now().Unix()
	floor := now - SeedLookback

	max, err := p.store.MaxTimestamp(ctx, series)
	if err != nil {
		p.logger.Errorf("seed for %s fell back to floor: %v", series, err)
		return floor
	}
	if max < floor {
		return floor
	}
	if max > now {
		return now
	}
	return max
}

func (p *Poller) run(ctx context.Context, series telemetry.Series) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx, series); err != nil {
				// a failed tick is skipped, the watermark is untouched,
				// and the next tick retries
				p.logger.Errorf("%s poll failed: %v", series, err)
				if p.metrics != nil {
					p.metrics.PollErrors.WithLabelValues(string(series)).Inc()
				}
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, series telemetry.Series) error {
	switch series {
	case telemetry.SeriesGPS:
		return p.pollGPS(ctx)
	case telemetry.SeriesAlerts:
		return p.pollAlerts(ctx)
	case telemetry.SeriesIgnition:
		return p.pollIgnition(ctx)
	default:
		return errors.WrapInvalid(errors.ErrNotFound, "Poller", "pollOnce", "resolve series")
	}
}

// pollGPS publishes the latest position per device. No watermark: the
// snapshot is idempotent and viewers only render current state.
func (p *Poller) pollGPS(ctx context.Context) error {
	rows, err := p.store.QueryGPSLatest(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Poller", "pollGPS", "query latest positions")
	}
	if len(rows) == 0 {
		return nil
	}
	return p.emit(ctx, telemetry.SeriesGPS, rows)
}

func (p *Poller) pollAlerts(ctx context.Context) error {
	wm := p.Watermark(telemetry.SeriesAlerts)
	rows, err := p.store.QueryAlertsNewerThan(ctx, wm)
	if err != nil {
		return errors.WrapTransient(err, "Poller", "pollAlerts", "query alerts")
	}

	now := p.now().Unix()
	valid := rows[:0:0]
	maxTS := int64(0)
	for _, row := range rows {
		// rows stamped beyond the wall clock are skewed device writes;
		// admitting them would push the watermark past now and starve
		// the series
		if row.Time > now {
			p.logger.Debugf("discarding future alert row at %d (now %d)", row.Time, now)
			continue
		}
		valid = append(valid, row)
		if row.Time > maxTS {
			maxTS = row.Time
		}
	}
	if len(valid) == 0 {
		return nil
	}

	kept := p.filter.Apply(valid)
	if len(kept) == 0 {
		// every considered row was noise; nothing is published, so
		// advancing cannot lose a batch
		p.setWatermark(telemetry.SeriesAlerts, maxTS+1)
		return nil
	}
	if err := p.emit(ctx, telemetry.SeriesAlerts, kept); err != nil {
		// watermark untouched, the next tick retries the same window
		return err
	}
	// advance past every row considered, including the noise-filtered ones
	p.setWatermark(telemetry.SeriesAlerts, maxTS+1)
	return nil
}

func (p *Poller) pollIgnition(ctx context.Context) error {
	wm := p.Watermark(telemetry.SeriesIgnition)
	rows, err := p.store.QueryIgnitionNewerThan(ctx, wm)
	if err != nil {
		return errors.WrapTransient(err, "Poller", "pollIgnition", "query ignition rows")
	}

	now := p.now().Unix()
	valid := rows[:0:0]
	maxTS := int64(0)
	for _, row := range rows {
		if row.Time > now {
			p.logger.Debugf("discarding future ignition row at %d (now %d)", row.Time, now)
			continue
		}
		valid = append(valid, row)
		if row.Time > maxTS {
			maxTS = row.Time
		}
	}
	if len(valid) == 0 {
		return nil
	}

	if err := p.emit(ctx, telemetry.SeriesIgnition, valid); err != nil {
		return err
	}
	p.setWatermark(telemetry.SeriesIgnition, maxTS+1)
	return nil
}

func (p *Poller) emit(ctx context.Context, series telemetry.Series, rows any) error {
	event, err := telemetry.NewEvent(series, rows)
	if err != nil {
		return errors.WrapInvalid(err, "Poller", "emit", "encode event")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "Poller", "emit", "encode event")
	}
	if err := p.pub.Publish(ctx, series.Subject(), payload); err != nil {
		return errors.WrapTransient(err, "Poller", "emit", "publish event")
	}
	if p.metrics != nil {
		p.metrics.PollBatches.WithLabelValues(string(series)).Inc()
	}
	p.logger.Debugf("emitted %s batch", series)
	return nil
}
