// Package fleetsapi is the real-time relay for a fleet telemetry
// backend. It sits between tracker devices on an MQTT bus, a SQLite
// telemetry store fed by an ingestion pipeline, and the operator
// dashboards that consume live data.
//
// # Architecture
//
// Three data paths run through the relay:
//
//	┌──────────┐  ekco/v1/<serial>/<cap>/…   ┌─────────────┐
//	│ Devices  │◄───────────────────────────►│   relay     │  Correlator
//	│  (MQTT)  │                             │             │  Registry
//	└──────────┘                             └──────┬──────┘
//	                                                │ SSE / REST
//	┌──────────┐  fleet.events.<series>      ┌──────┴──────┐
//	│  SQLite  │──► poller ──► NATS ────────►│  gateway /  │
//	│  store   │                             │  broadcast  │──► dashboards
//	└──────────┘                             └─────────────┘
//
// Command path: the gateway accepts lock, reset, and log-retrieval
// requests; the relay.Correlator publishes to the device's control
// topic and correlates the reply from its data topic, either as a
// single response with a timeout or as a long-lived stream into an
// SSE sink.
//
// Live-view path: the relay.Registry taps the lock control and log
// data topics once, tracks cached lock status, keeps a bounded log
// history per device, and fans incoming frames out to every
// subscribed viewer.
//
// Change path: the poller watches the telemetry store with per-series
// watermarks (GPS is snapshot-per-tick), publishes typed events on
// NATS, and the broadcast hub relays every event to connected
// WebSocket dashboards.
//
// # Packages
//
//   - mqttclient: device bus connection and topic scheme
//   - natsclient: internal event bus connection
//   - storage: SQLite telemetry and lock-status stores
//   - telemetry: row types, series, events, and the alert noise filter
//   - relay: command correlator, stream registry, lock tracker
//   - poller: change watermark poller
//   - broadcast: WebSocket fan-out of NATS events
//   - gateway: REST/SSE API surface
//   - metric: Prometheus metrics
//   - errors: structured error classification
//   - config: configuration loading and validation
package fleetsapi
