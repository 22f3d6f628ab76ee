package gateway

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/KairosTechnologies2024/fleetsapi/errors"
	"github.com/KairosTechnologies2024/fleetsapi/metric"
	"github.com/KairosTechnologies2024/fleetsapi/relay"
)

// Device capability names on the bus
const (
	capabilityLock  = "lock"
	capabilityReset = "reset"
	capabilityLogs  = "logs"
)

// Command payloads understood by device firmware
const (
	payloadEngage  = "1"
	payloadRelease = "0"
)

type handlers struct {
	correlator *relay.Correlator
	registry   *relay.Registry
	tracker    *relay.LockTracker
	metrics    *metric.MetricsRegistry
	logger     Logger
	timeout    time.Duration
}

type lockRequest struct {
	DeviceSerial string `json:"device_serial"`
	Action       string `json:"action"`
}

type resetRequest struct {
	DeviceSerial string `json:"device_serial"`
}

// httpStatus maps relay errors onto response codes
func httpStatus(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrAlreadyPending):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrNotFound), stderrors.Is(err, errors.ErrNoStatus):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

// lockVehicle sends a lock or unlock command. The device reports the
// resulting state on its control topic, which the registry tap mirrors
// into the lock-status cache.
func (h *handlers) lockVehicle(c echo.Context) error {
	var req lockRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.DeviceSerial == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "device_serial is required"})
	}

	var payload string
	switch req.Action {
	case "lock":
		payload = payloadEngage
	case "unlock":
		payload = payloadRelease
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action must be lock or unlock"})
	}

	if err := h.correlator.Send(c.Request().Context(), req.DeviceSerial, capabilityLock, []byte(payload)); err != nil {
		h.logger.Errorf("lock command for %s failed: %v", req.DeviceSerial, err)
		return c.JSON(httpStatus(err), errorBody(err))
	}
	h.countCommand(capabilityLock, "sent")
	return c.JSON(http.StatusAccepted, map[string]string{
		"device_serial": req.DeviceSerial,
		"status":        "sent",
	})
}

// resetDevice sends a fire-and-forget reboot command
func (h *handlers) resetDevice(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.DeviceSerial == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "device_serial is required"})
	}

	if err := h.correlator.Send(c.Request().Context(), req.DeviceSerial, capabilityReset, []byte(payloadEngage)); err != nil {
		h.logger.Errorf("reset command for %s failed: %v", req.DeviceSerial, err)
		return c.JSON(httpStatus(err), errorBody(err))
	}
	h.countCommand(capabilityReset, "sent")
	return c.JSON(http.StatusAccepted, map[string]string{
		"device_serial": req.DeviceSerial,
		"status":        "sent",
	})
}

// retrieveLogs issues a single-shot log retrieval and waits for the first
// reply
func (h *handlers) retrieveLogs(c echo.Context) error {
	serial := c.Param("serial")
	start := time.Now()

	result, err := h.correlator.IssueCommand(c.Request().Context(), serial, capabilityLogs, []byte(payloadEngage), h.timeout)
	if err != nil {
		h.countCommand(capabilityLogs, outcomeFor(err))
		return c.JSON(httpStatus(err), errorBody(err))
	}

	h.countCommand(capabilityLogs, "success")
	if h.metrics != nil {
		h.metrics.Metrics.CommandDuration.WithLabelValues(capabilityLogs).Observe(time.Since(start).Seconds())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"device_serial": result.DeviceSerial,
		"logs":          string(result.Payload),
	})
}

// streamLogs opens a streaming log retrieval and relays every device
// reply as a server-sent event until the stream is stopped or the viewer
// disconnects
func (h *handlers) streamLogs(c echo.Context) error {
	serial := c.Param("serial")

	reqCtx := c.Request().Context()
	sink, err := newSSEWriter(c.Response())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	go func() {
		<-reqCtx.Done()
		sink.Close()
	}()

	if err := h.correlator.OpenStream(reqCtx, serial, capabilityLogs, []byte(payloadEngage), sink); err != nil {
		// headers are already sent, so report the failure in-band
		_ = sink.End(err.Error())
		return nil
	}

	<-sink.Done()
	return nil
}

// stopLogStream tells the device to stop and ends the active stream
func (h *handlers) stopLogStream(c echo.Context) error {
	serial := c.Param("serial")
	if err := h.correlator.StopStream(c.Request().Context(), serial, capabilityLogs); err != nil {
		return c.JSON(httpStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

// streamKind subscribes the viewer to a registry stream (logs or lock)
// over server-sent events
func (h *handlers) streamKind(c echo.Context) error {
	serial := c.Param("serial")
	kind := relay.StreamKind(c.Param("kind"))

	if kind != relay.StreamLogs && kind != relay.StreamLock {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stream kind"})
	}

	reqCtx := c.Request().Context()
	sink, err := newSSEWriter(c.Response())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody(err))
	}
	go func() {
		<-reqCtx.Done()
		sink.Close()
	}()

	sub, err := h.registry.Subscribe(reqCtx, serial, kind, sink)
	if err != nil {
		_ = sink.End(err.Error())
		return nil
	}
	defer h.registry.Unsubscribe(sub)

	h.gaugeViewers(kind)
	defer h.gaugeViewers(kind)

	<-sink.Done()
	return nil
}

// stopKindStream force-closes every viewer of a (device, kind) group
func (h *handlers) stopKindStream(c echo.Context) error {
	serial := c.Param("serial")
	kind := relay.StreamKind(c.Param("kind"))

	if kind != relay.StreamLogs && kind != relay.StreamLock {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown stream kind"})
	}

	if err := h.registry.StopAll(serial, kind); err != nil {
		return c.JSON(httpStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

// lockStatus returns the last known lock state for a device
func (h *handlers) lockStatus(c echo.Context) error {
	serial := c.Param("serial")

	status, err := h.tracker.Status(c.Request().Context(), serial)
	if err != nil {
		return c.JSON(httpStatus(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"device_serial": serial,
		"lock_status":   status,
	})
}

func (h *handlers) countCommand(capability, outcome string) {
	if h.metrics != nil {
		h.metrics.Metrics.CommandsIssued.WithLabelValues(capability, outcome).Inc()
		if outcome == "timeout" {
			h.metrics.Metrics.CommandsTimedOut.Inc()
		}
	}
}

func (h *handlers) gaugeViewers(kind relay.StreamKind) {
	if h.metrics != nil {
		h.metrics.Metrics.StreamViewers.WithLabelValues(string(kind)).Set(float64(h.registry.TotalViewers(kind)))
	}
}

func outcomeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrCommandTimeout):
		return "timeout"
	case stderrors.Is(err, errors.ErrAlreadyPending):
		return "already_pending"
	default:
		return "error"
	}
}
