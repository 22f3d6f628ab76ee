package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

// DefaultQueryTimeout bounds every storage query issued by the pollers
const DefaultQueryTimeout = 5 * time.Second

// DB implements TelemetryStore and LockStatusStore over SQLite
type DB struct {
	db           *sql.DB
	queryTimeout time.Duration
}

var _ TelemetryStore = (*DB)(nil)
var _ LockStatusStore = (*DB)(nil)

// NewDB opens (and if necessary bootstraps) the database at dbfile
func NewDB(dbfile string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, errors.WrapFatal(err, "DB", "NewDB", "open database")
	}
	if err := createTables(db); err != nil {
		return nil, errors.WrapFatal(err, "DB", "NewDB", "create tables")
	}
	return &DB{db: db, queryTimeout: DefaultQueryTimeout}, nil
}

// Close closes the underlying database handle
func (d *DB) Close() error {
	return d.db.Close()
}

func createTables(db *sql.DB) error {
	sqlStmt := `
		CREATE TABLE IF NOT EXISTS gps_ts (
			time          INT NOT NULL,
			device_serial TEXT NOT NULL,
			latitude      REAL NOT NULL DEFAULT 0,
			longitude     REAL NOT NULL DEFAULT 0,
			speed         REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS gps_ts_device_time ON gps_ts(device_serial, time);

		CREATE TABLE IF NOT EXISTS alert_ts (
			time          INT NOT NULL,
			device_serial TEXT NOT NULL,
			alert         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS alert_ts_time ON alert_ts(time);

		CREATE TABLE IF NOT EXISTS engine_ts (
			time            INT NOT NULL,
			device_serial   TEXT NOT NULL,
			ignition_status TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS engine_ts_time ON engine_ts(time);

		CREATE TABLE IF NOT EXISTS vehicle_lock_status (
			serial_number TEXT PRIMARY KEY,
			status        INTEGER NOT NULL
		);
	`
	_, err := db.Exec(sqlStmt)
	return err
}

func (d *DB) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.queryTimeout)
}

// seriesTable maps a series to its backing table
func seriesTable(series telemetry.Series) (string, bool) {
	switch series {
	case telemetry.SeriesGPS:
		return "gps_ts", true
	case telemetry.SeriesAlerts:
		return "alert_ts", true
	case telemetry.SeriesIgnition:
		return "engine_ts", true
	default:
		return "", false
	}
}

// QueryGPSLatest returns the most recent position fix per device
func (d *DB) QueryGPSLatest(ctx context.Context) ([]telemetry.GPSRow, error) {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT g.time, g.device_serial, g.latitude, g.longitude, g.speed
		FROM gps_ts g
		JOIN (
			SELECT device_serial, MAX(time) AS latest
			FROM gps_ts
			GROUP BY device_serial
		) m ON g.device_serial = m.device_serial AND g.time = m.latest
		ORDER BY g.device_serial`)
	if err != nil {
		return nil, errors.WrapTransient(err, "DB", "QueryGPSLatest", "query gps_ts")
	}
	defer rows.Close()

	var result []telemetry.GPSRow
	for rows.Next() {
		var r telemetry.GPSRow
		if err := rows.Scan(&r.Time, &r.DeviceSerial, &r.Latitude, &r.Longitude, &r.Speed); err != nil {
			return nil, errors.WrapTransient(err, "DB", "QueryGPSLatest", "scan row")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// QueryAlertsNewerThan returns alert rows newer than the watermark, newest first
func (d *DB) QueryAlertsNewerThan(ctx context.Context, watermark int64) ([]telemetry.AlertRow, error) {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT time, device_serial, alert
		FROM alert_ts
		WHERE time > ?
		ORDER BY time DESC`, watermark)
	if err != nil {
		return nil, errors.WrapTransient(err, "DB", "QueryAlertsNewerThan", "query alert_ts")
	}
	defer rows.Close()

	var result []telemetry.AlertRow
	for rows.Next() {
		var r telemetry.AlertRow
		if err := rows.Scan(&r.Time, &r.DeviceSerial, &r.Alert); err != nil {
			return nil, errors.WrapTransient(err, "DB", "QueryAlertsNewerThan", "scan row")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// QueryIgnitionNewerThan returns ignition rows newer than the watermark, newest first
func (d *DB) QueryIgnitionNewerThan(ctx context.Context, watermark int64) ([]telemetry.IgnitionRow, error) {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT time, device_serial, ignition_status
		FROM engine_ts
		WHERE time > ?
		ORDER BY time DESC`, watermark)
	if err != nil {
		return nil, errors.WrapTransient(err, "DB", "QueryIgnitionNewerThan", "query engine_ts")
	}
	defer rows.Close()

	var result []telemetry.IgnitionRow
	for rows.Next() {
		var r telemetry.IgnitionRow
		if err := rows.Scan(&r.Time, &r.DeviceSerial, &r.Status); err != nil {
			return nil, errors.WrapTransient(err, "DB", "QueryIgnitionNewerThan", "scan row")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// MaxTimestamp returns the highest persisted timestamp for a series
func (d *DB) MaxTimestamp(ctx context.Context, series telemetry.Series) (int64, error) {
	table, ok := seriesTable(series)
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "DB", "MaxTimestamp", "unknown series "+string(series))
	}

	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	var max sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT MAX(time) FROM `+table).Scan(&max)
	if err != nil {
		return 0, errors.WrapTransient(err, "DB", "MaxTimestamp", "query "+table)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Get returns the persisted lock state for a device
func (d *DB) Get(ctx context.Context, serial string) (int, error) {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	var status int
	err := d.db.QueryRowContext(ctx,
		`SELECT status FROM vehicle_lock_status WHERE serial_number = ?`, serial).Scan(&status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, errors.ErrNoStatus
	}
	if err != nil {
		return 0, errors.WrapTransient(err, "DB", "Get", "query vehicle_lock_status")
	}
	return status, nil
}

// All returns every persisted lock state keyed by device serial
func (d *DB) All(ctx context.Context) (map[string]int, error) {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT serial_number, status FROM vehicle_lock_status`)
	if err != nil {
		return nil, errors.WrapTransient(err, "DB", "All", "query vehicle_lock_status")
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var serial string
		var status int
		if err := rows.Scan(&serial, &status); err != nil {
			return nil, errors.WrapTransient(err, "DB", "All", "scan row")
		}
		result[serial] = status
	}
	return result, rows.Err()
}

// Upsert inserts or replaces the lock state for a device
func (d *DB) Upsert(ctx context.Context, serial string, status int) error {
	ctx, cancel := d.queryCtx(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO vehicle_lock_status (serial_number, status) VALUES (?, ?)
		ON CONFLICT(serial_number) DO UPDATE SET status = excluded.status`,
		serial, status)
	if err != nil {
		return errors.WrapTransient(err, "DB", "Upsert", "upsert vehicle_lock_status")
	}
	return nil
}

// InsertGPS appends a position fix to gps_ts
func (d *DB) InsertGPS(ctx context.Context, row telemetry.GPSRow) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO gps_ts (time, device_serial, latitude, longitude, speed) VALUES (?, ?, ?, ?, ?)`,
		row.Time, row.DeviceSerial, row.Latitude, row.Longitude, row.Speed)
	if err != nil {
		return errors.WrapTransient(err, "DB", "InsertGPS", "insert gps_ts")
	}
	return nil
}

// InsertAlert appends an alert to alert_ts
func (d *DB) InsertAlert(ctx context.Context, row telemetry.AlertRow) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO alert_ts (time, device_serial, alert) VALUES (?, ?, ?)`,
		row.Time, row.DeviceSerial, row.Alert)
	if err != nil {
		return errors.WrapTransient(err, "DB", "InsertAlert", "insert alert_ts")
	}
	return nil
}

// InsertIgnition appends an ignition state change to engine_ts
func (d *DB) InsertIgnition(ctx context.Context, row telemetry.IgnitionRow) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO engine_ts (time, device_serial, ignition_status) VALUES (?, ?, ?)`,
		row.Time, row.DeviceSerial, row.Status)
	if err != nil {
		return errors.WrapTransient(err, "DB", "InsertIgnition", "insert engine_ts")
	}
	return nil
}
