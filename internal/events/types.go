package events

import "encoding/json"

// Event name constants
const (
	StateChanged    = "scheduler.state"
	StepStarted     = "scheduler.step"
	StepDone        = "scheduler.step_done"
	TriggerOverrun  = "trigger.overrun"
	TriggerIgnored  = "trigger.ignored"
	FaultDetected   = "safety.fault"
	ShutterMoved    = "shutter.moved"
	CalibrationDone = "calibration.done"
	CalibrationFail = "calibration.failed"
)

// Event is a named JSON payload.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// StateChangeEvent is the payload for scheduler.state.
type StateChangeEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Ts     int64  `json:"ts"`
}

// StepEvent is the payload for scheduler.step and scheduler.step_done.
type StepEvent struct {
	Index     int    `json:"index"`
	Loop      int    `json:"loop"`
	Open      string `json:"open"` // shutter name, "none" for a dark step
	TriggerID string `json:"trigger_id,omitempty"`
	LatencyUs int64  `json:"latency_us,omitempty"` // trigger to confirmed open
	Ts        int64  `json:"ts"`
}

// TriggerEvent is the payload for trigger.overrun and trigger.ignored.
type TriggerEvent struct {
	TriggerID string `json:"trigger_id"`
	Dropped   string `json:"dropped,omitempty"` // replaced pending trigger
	Reason    string `json:"reason,omitempty"`
	Ts        int64  `json:"ts"`
}

// FaultEvent is the payload for safety.fault.
type FaultEvent struct {
	Channel int    `json:"channel"`
	Fault   string `json:"fault"`
	Reason  string `json:"reason"`
	Ts      int64  `json:"ts"`
}

// ShutterEvent is the payload for shutter.moved.
type ShutterEvent struct {
	Channel  int    `json:"channel"`
	Name     string `json:"name"`
	Open     bool   `json:"open"`
	Position int64  `json:"position"`
	Ts       int64  `json:"ts"`
}

// CalibrationEvent is the payload for calibration.done and calibration.failed.
type CalibrationEvent struct {
	Channel int    `json:"channel"`
	Home    int64  `json:"home,omitempty"`
	Open    int64  `json:"open,omitempty"`
	Closed  int64  `json:"closed,omitempty"`
	Error   string `json:"error,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs unmarshals the payload into T. Empty data yields the zero value.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
