// Package telemetry defines the monitored time series, their row shapes, and
// the event payloads pushed to live viewers.
package telemetry

import "encoding/json"

// Series identifies one monitored time series
type Series string

// Monitored series
const (
	SeriesGPS      Series = "gps"
	SeriesAlerts   Series = "alerts"
	SeriesIgnition Series = "ignition"
)

// Event type strings as seen by push viewers
const (
	EventGPSUpdate    = "gps_update"
	EventAlertUpdate  = "alert_update"
	EventEngineUpdate = "engine_update"
)

// EventSubjectPrefix is the internal bus subject prefix for poller emissions.
// The full subject is EventSubjectPrefix + "." + string(series).
const EventSubjectPrefix = "fleet.events"

// Subject returns the internal bus subject this series publishes on
func (s Series) Subject() string {
	return EventSubjectPrefix + "." + string(s)
}

// EventType returns the viewer-facing event type for this series
func (s Series) EventType() string {
	switch s {
	case SeriesGPS:
		return EventGPSUpdate
	case SeriesAlerts:
		return EventAlertUpdate
	case SeriesIgnition:
		return EventEngineUpdate
	default:
		return string(s)
	}
}

// Event is the payload shape delivered to push viewers:
// {"type": "gps_update"|"alert_update"|"engine_update", "data": [rows]}
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals rows into an Event for the given series
func NewEvent(series Series, rows any) (Event, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: series.EventType(), Data: data}, nil
}

// GPSRow is one position fix from gps_ts
type GPSRow struct {
	Time         int64   `json:"time"`
	DeviceSerial string  `json:"device_serial"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Speed        float64 `json:"speed"`
}

// AlertRow is one device alert from alert_ts
type AlertRow struct {
	Time         int64  `json:"time"`
	DeviceSerial string `json:"device_serial"`
	Alert        string `json:"alert"`
}

// IgnitionRow is one ignition state change from engine_ts
type IgnitionRow struct {
	Time         int64  `json:"time"`
	DeviceSerial string `json:"device_serial"`
	Status       string `json:"ignition_status"`
}

// Timestamp implementations let the poller treat rows uniformly.

// Timestamp returns the row time in epoch seconds
func (r GPSRow) Timestamp() int64 { return r.Time }

// Timestamp returns the row time in epoch seconds
func (r AlertRow) Timestamp() int64 { return r.Time }

// Timestamp returns the row time in epoch seconds
func (r IgnitionRow) Timestamp() int64 { return r.Time }
