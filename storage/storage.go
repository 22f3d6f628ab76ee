// Package storage defines the read/write query contracts the relay consumes,
// and a SQLite implementation of them. The relay never touches schema or SQL
// outside this package, so the store can later be swapped for a true append
// log or change subscription without touching fan-out logic.
package storage

import (
	"context"

	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

// TelemetryStore is the read contract for the monitored time series
type TelemetryStore interface {
	// QueryGPSLatest returns the most recent position fix per device
	QueryGPSLatest(ctx context.Context) ([]telemetry.GPSRow, error)

	// QueryAlertsNewerThan returns alert rows with timestamp strictly greater
	// than the watermark, newest first
	QueryAlertsNewerThan(ctx context.Context, watermark int64) ([]telemetry.AlertRow, error)

	// QueryIgnitionNewerThan returns ignition rows with timestamp strictly
	// greater than the watermark, newest first
	QueryIgnitionNewerThan(ctx context.Context, watermark int64) ([]telemetry.IgnitionRow, error)

	// MaxTimestamp returns the highest persisted timestamp for a series,
	// or zero when the series is empty
	MaxTimestamp(ctx context.Context, series telemetry.Series) (int64, error)
}

// LockStatusStore is the write/read contract for the lock-status projection
type LockStatusStore interface {
	// Get returns the persisted lock state for a device.
	// Returns errors.ErrNoStatus when no state has been recorded.
	Get(ctx context.Context, serial string) (int, error)

	// All returns every persisted lock state keyed by device serial
	All(ctx context.Context) (map[string]int, error)

	// Upsert inserts or replaces the lock state for a device
	Upsert(ctx context.Context, serial string, status int) error
}
