package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/config"
	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/hw/motor"
	"github.com/cjeanneret/paws/internal/logic/calibration"
	"github.com/cjeanneret/paws/internal/logic/motion"
	"github.com/cjeanneret/paws/internal/logic/session"
)

// Backend is what the handlers drive. *session.Session implements it.
type Backend interface {
	Scheduler() (*motion.Scheduler, error)
	Calibrate(ctx context.Context) (calibration.Records, error)
	Records() calibration.Records
	Status() session.Status
	SequenceFromConfig(sc config.SequenceConfig) (motion.Sequence, error)
	FireSoftware(hint *int) bool
}

// SequenceRequest is the body of POST /sequence.
type SequenceRequest struct {
	Steps  []config.StepConfig `json:"steps"`
	Repeat bool                `json:"repeat"`
}

// TriggerRequest is the optional body of POST /trigger.
type TriggerRequest struct {
	Step *int `json:"step"`
}

// ShutterRequest is the body of POST /shutters/:index.
type ShutterRequest struct {
	Open *bool `json:"open"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Backend     Backend
	Broadcaster *StatusBroadcaster
	Hub         *events.Hub
	OpTimeout   time.Duration // bound on pause, reset and manual moves

	upgrader websocket.Upgrader
}

func NewHandlers(backend Backend, broadcaster *StatusBroadcaster, hub *events.Hub) *Handlers {
	return &Handlers{
		Backend:     backend,
		Broadcaster: broadcaster,
		Hub:         hub,
		OpTimeout:   10 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// statusFor maps controller errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotCalibrated),
		errors.Is(err, session.ErrCalibrating),
		errors.Is(err, motion.ErrInvalidTransition),
		errors.Is(err, motion.ErrFaulted):
		return http.StatusConflict
	case errors.Is(err, motion.ErrUnresolvedChannel):
		return http.StatusBadRequest
	case errors.Is(err, motor.ErrHardwareUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, calibration.ErrCalibrationFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (h *Handlers) opContext() (context.Context, context.CancelFunc) {
	// not tied to the request: a client disconnect must not strand a shutter mid-move
	return context.WithTimeout(context.Background(), h.OpTimeout)
}

func (h *Handlers) scheduler(c *gin.Context) (*motion.Scheduler, bool) {
	sched, err := h.Backend.Scheduler()
	if err != nil {
		abort(c, statusFor(err), err)
		return nil, false
	}
	return sched, true
}

// HandleState serves GET /state.
func (h *Handlers) HandleState(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, h.Backend.Status())
}

// HandleCalibration serves GET /calibration.
func (h *Handlers) HandleCalibration(c *gin.Context) {
	recs := h.Backend.Records()
	if recs == nil {
		abort(c, http.StatusNotFound, session.ErrNotCalibrated)
		return
	}
	out := make([]calibration.Record, 0, len(recs))
	for _, ch := range recs.Channels() {
		out = append(out, recs[ch])
	}
	c.IndentedJSON(http.StatusOK, out)
}

// HandleSequence serves POST /sequence.
func (h *Handlers) HandleSequence(c *gin.Context) {
	var req SequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
		return
	}
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	seq, err := h.Backend.SequenceFromConfig(config.SequenceConfig{Steps: req.Steps, Repeat: req.Repeat})
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if err := sched.LoadSequence(seq); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		abort(c, code, err)
		return
	}
	debug.Info("Sequence loaded from API (%d steps)", len(seq.Steps))
	c.IndentedJSON(http.StatusOK, sched.Status())
}

// HandlePause serves POST /pause.
func (h *Handlers) HandlePause(c *gin.Context) {
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()
	if err := sched.Pause(ctx); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, sched.Status())
}

// HandleResume serves POST /resume.
func (h *Handlers) HandleResume(c *gin.Context) {
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	if err := sched.Resume(); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, sched.Status())
}

// HandleReset serves POST /reset.
func (h *Handlers) HandleReset(c *gin.Context) {
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()
	if err := sched.Reset(ctx); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, sched.Status())
}

// HandleCalibrate serves POST /calibrate. It blocks until every channel is
// homed and verified.
func (h *Handlers) HandleCalibrate(c *gin.Context) {
	recs, err := h.Backend.Calibrate(context.Background())
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"channels": len(recs), "status": h.Backend.Status()})
}

// HandleResetAfterFault serves POST /reset-after-fault: recalibrate, then
// leave Faulted.
func (h *Handlers) HandleResetAfterFault(c *gin.Context) {
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	if st := sched.State(); st != motion.Faulted {
		abort(c, http.StatusConflict, errors.Wrapf(motion.ErrInvalidTransition, "not faulted (state %s)", st))
		return
	}
	if _, err := h.Backend.Calibrate(context.Background()); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, sched.Status())
}

// HandleTrigger serves POST /trigger (software trigger). The body is optional.
func (h *Handlers) HandleTrigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
			return
		}
	}
	if !h.Backend.FireSoftware(req.Step) {
		abort(c, http.StatusServiceUnavailable, errors.New("trigger queue full"))
		return
	}
	c.IndentedJSON(http.StatusAccepted, gin.H{"status": "fired"})
}

// HandleShutter serves POST /shutters/:index.
func (h *Handlers) HandleShutter(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		abort(c, http.StatusBadRequest, errors.Errorf("invalid shutter index %q", c.Param("index")))
		return
	}
	var req ShutterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Open == nil {
		abort(c, http.StatusBadRequest, errors.New(`body must be {"open": true|false}`))
		return
	}
	sched, ok := h.scheduler(c)
	if !ok {
		return
	}
	ctx, cancel := h.opContext()
	defer cancel()
	if err := sched.SetShutter(ctx, index, *req.Open); err != nil {
		code := statusFor(err)
		if errors.Is(err, motion.ErrUnresolvedChannel) {
			code = http.StatusNotFound
		}
		abort(c, code, err)
		return
	}
	c.IndentedJSON(http.StatusOK, sched.Channels())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	w.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			w.Flush()

		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			w.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// HandleEventsWS streams hub events as JSON over a websocket.
func (h *Handlers) HandleEventsWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		debug.Warn("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(sub)

	// the read side only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					debug.Verbose("websocket read: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
