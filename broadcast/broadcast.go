// Package broadcast is the push edge of the pipeline: a WebSocket server
// that fans internal bus events out to every connected viewer. Delivery is
// best-effort; a viewer that cannot accept a write is dropped, not queued.
package broadcast

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/telemetry"
)

const (
	// DefaultPort is the WebSocket listen port
	DefaultPort = 8081

	// DefaultPath is the WebSocket endpoint path
	DefaultPath = "/ws"

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
)

// DefaultSubject subscribes to every series the pollers emit
var DefaultSubject = telemetry.EventSubjectPrefix + ".>"

// Subscriber is the slice of the internal event bus the hub needs.
// *natsclient.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Logger receives diagnostic output from the hub
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) { log.Printf("[BROADCAST] "+format, v...) }
func (defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[BROADCAST] ERROR: "+format, v...)
}
func (defaultLogger) Debugf(format string, v ...any) {}

// client is one connected push viewer. The write mutex serializes
// broadcast writes and ping frames on the same connection.
type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

// welcomeMessage greets a viewer so the frontend can confirm the stream is
// live before the first poll batch arrives
const welcomeMessage = `{"type":"connected"}`

// Hub is the broadcast fan-out: it subscribes to the internal event bus
// once and relays every event to all connected WebSocket viewers.
type Hub struct {
	port    int
	path    string
	subject string
	sub     Subscriber
	logger  Logger
	metrics *metric.Metrics

	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	server   *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
}

// HubOption customizes a Hub
type HubOption func(*Hub)

// WithPort sets the WebSocket listen port
func WithPort(port int) HubOption {
	return func(h *Hub) {
		if port > 0 {
			h.port = port
		}
	}
}

// WithPath sets the WebSocket endpoint path
func WithPath(path string) HubOption {
	return func(h *Hub) {
		if path != "" {
			h.path = path
		}
	}
}

// WithSubject sets the bus subject filter the hub relays
func WithSubject(subject string) HubOption {
	return func(h *Hub) {
		if subject != "" {
			h.subject = subject
		}
	}
}

// WithHubLogger sets the diagnostic logger
func WithHubLogger(logger Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithMetrics(registry *metric.MetricsRegistry) HubOption {
	return func(h *Hub) {
		if registry != nil {
			h.metrics = registry.Metrics
		}
	}
}

// NewHub creates a Hub relaying events from the given subscriber. A nil
// subscriber is allowed; Broadcast can then be driven directly.
func NewHub(sub Subscriber, opts ...HubOption) *Hub {
	h := &Hub{
		port:    DefaultPort,
		path:    DefaultPath,
		subject: DefaultSubject,
		sub:     sub,
		logger:  defaultLogger{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to the event bus and launches the WebSocket server
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	if h.sub != nil {
		err := h.sub.Subscribe(ctx, h.subject, func(_ context.Context, data []byte) {
			h.Broadcast(data)
		})
		if err != nil {
			return errors.Wrap(err, "Hub", "Start", "subscribe "+h.subject)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleWebSocket)
	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.port),
		Handler: mux,
	}
	h.shutdown = make(chan struct{})
	h.running = true

	h.wg.Add(2)
	go h.runServer()
	go h.maintainClients()

	h.logger.Printf("websocket server on :%d%s relaying %s", h.port, h.path, h.subject)
	return nil
}

// Stop shuts the server down and closes every viewer connection
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.stopped = true
	close(h.shutdown)
	server := h.server
	h.server = nil
	h.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			h.logger.Errorf("server shutdown: %v", err)
		}
	}

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*client)
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}

// Clients reports the number of connected viewers
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Handler returns the WebSocket upgrade handler, for mounting on an
// existing server in tests
func (h *Hub) Handler() http.HandlerFunc {
	return h.handleWebSocket
}

// Broadcast delivers one payload to every connected viewer. Viewers whose
// write fails are removed; the rest are unaffected.
func (h *Hub) Broadcast(payload []byte) {
	h.clientsMu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range targets {
		if c.closed.Load() {
			continue
		}
		if err := h.writeTo(c, payload); err != nil {
			h.logger.Debugf("dropping viewer: %v", err)
			h.removeClient(c)
		}
	}

	if h.metrics != nil {
		h.metrics.EventsBroadcast.WithLabelValues(h.subject).Inc()
	}
}

func (h *Hub) writeTo(c *client, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *Hub) runServer() {
	defer h.wg.Done()
	h.mu.Lock()
	server := h.server
	h.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		h.logger.Errorf("websocket server failed: %v", err)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// claim the waitgroup slot under the same lock Stop takes, so a
	// connection cannot be added once Stop has started waiting. An
	// upgraded connection is hijacked and server.Shutdown does not cover
	// it; the waitgroup is the only thing that does.
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("upgrade failed: %v", err)
		h.wg.Done()
		return
	}

	c := &client{conn: conn, connectedAt: time.Now()}
	h.clientsMu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.clientsMu.Unlock()

	// Stop may have swept the client map between the claim above and the
	// registration; close the straggler ourselves
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		h.removeClient(c)
		h.wg.Done()
		return
	}

	if h.metrics != nil {
		h.metrics.ViewersConnected.Set(float64(count))
	}
	h.logger.Debugf("viewer connected from %s (%d total)", r.RemoteAddr, count)

	if err := h.writeTo(c, []byte(welcomeMessage)); err != nil {
		h.removeClient(c)
		h.wg.Done()
		return
	}

	go h.readLoop(c)
}

// readLoop drains inbound frames so pongs and close frames are processed.
// Viewers are read-only; any data they send is discarded.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// maintainClients pings viewers so half-open connections are detected even
// when no events are flowing
func (h *Hub) maintainClients() {
	defer h.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.clientsMu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for _, c := range h.clients {
				targets = append(targets, c)
			}
			h.clientsMu.RUnlock()

			for _, c := range targets {
				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					h.removeClient(c)
				}
			}
		}
	}
}

func (h *Hub) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		h.clientsMu.Lock()
		delete(h.clients, c.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()
		_ = c.conn.Close()

		if h.metrics != nil {
			h.metrics.ViewersConnected.Set(float64(count))
		}
		h.logger.Debugf("viewer disconnected (%d remain)", count)
	})
}
