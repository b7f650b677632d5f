package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 1 << 20

// NoneShutter is the reserved step name meaning "all shutters closed".
const NoneShutter = "none"

// ControllerConfig selects and configures the motor backend.
type ControllerConfig struct {
	Type           string `yaml:"type"`             // "gpio", "serial" or "sim"
	Device         string `yaml:"device"`           // serial device, e.g. /dev/ttyACM0
	Baud           int    `yaml:"baud"`             // serial baud rate
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`  // serial read timeout
	Retries        int    `yaml:"retries"`          // attempts per request before the link is lost
	PollIntervalMs int    `yaml:"poll_interval_ms"` // status polling period while moving
}

// ShutterConfig describes one shutter: its motor, limit switch and travel.
type ShutterConfig struct {
	Name           string  `yaml:"name"`
	Channel        int     `yaml:"channel"`            // board channel (serial backend)
	StepPin        int     `yaml:"step_pin"`           // BCM pins (gpio backend)
	DirPin         int     `yaml:"dir_pin"`
	EnablePin      int     `yaml:"enable_pin"`         // A4988 ENABLE pin. 0 = not used. Active LOW.
	LimitPin       int     `yaml:"limit_pin"`          // home switch. 0 = none
	LimitActiveLow bool    `yaml:"limit_active_low"`   // switch to GND with pull-up
	StepsPerRev    int     `yaml:"steps_per_rev"`
	Microstepping  int     `yaml:"microstepping"`
	StepAngleDeg   float64 `yaml:"step_angle_deg"`     // full-step angle from the motor datasheet
	OpenAngleDeg   float64 `yaml:"open_angle_deg"`     // swing between closed and open
	Reverse        bool    `yaml:"reverse"`            // invert the motor direction (wiring dependent)
	ClosedOffset   int64   `yaml:"closed_offset"`      // closed position, steps away from home
	Velocity       float64 `yaml:"velocity"`           // steps/s
	Acceleration   float64 `yaml:"acceleration"`       // steps/s², 0 = constant speed
	ReleaseAfter   bool    `yaml:"release_after_move"` // disable the driver between moves
}

// CalibrationConfig tunes homing and where records are stored.
type CalibrationConfig struct {
	StorePath       string  `yaml:"store_path"`
	HomingTimeoutMs int     `yaml:"homing_timeout_ms"`
	HomingVelocity  float64 `yaml:"homing_velocity"` // steps/s
	HomingTravel    int64   `yaml:"homing_travel"`   // max steps driven toward the limit
	Tolerance       int64   `yaml:"tolerance"`       // read-back epsilon, steps
}

// SafetyConfig tunes the fault monitor.
type SafetyConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"` // clamped to 50..200
}

// SchedulerConfig tunes step execution.
type SchedulerConfig struct {
	// DarkIntervalMs is the pause between a confirmed close and the next open.
	// nil means the default; 0 requires AcceptOverlapRisk.
	DarkIntervalMs    *int `yaml:"dark_interval_ms"`
	AcceptOverlapRisk bool `yaml:"accept_overlap_risk"`
	AllowOverlap      bool `yaml:"allow_overlap"` // open next while previous is still closing
	MoveTimeoutMs     int  `yaml:"move_timeout_ms"`
}

// TriggerConfig selects the trigger source.
type TriggerConfig struct {
	Source     string `yaml:"source"` // "gpio", "software" or "clock"
	Pin        int    `yaml:"pin"`
	Edge       string `yaml:"edge"` // rising, falling, both
	DebounceUs int    `yaml:"debounce_us"`
	PollUs     int    `yaml:"poll_us"`
	PeriodMs   int    `yaml:"period_ms"` // clock source
	Loops      int    `yaml:"loops"`     // clock source, 0 = until stopped
}

// StepConfig is one step of the default sequence.
type StepConfig struct {
	Shutter string `yaml:"shutter" json:"shutter"` // shutter name or "none"
	HoldMs  int    `yaml:"hold_ms" json:"hold_ms"`
}

// SequenceConfig is the sequence armed at startup, if any.
type SequenceConfig struct {
	Steps  []StepConfig `yaml:"steps" json:"steps"`
	Repeat bool         `yaml:"repeat" json:"repeat"`
}

// WebConfig configures the operator API.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Controller  ControllerConfig  `yaml:"controller"`
	Shutters    []ShutterConfig   `yaml:"shutters"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Safety      SafetyConfig      `yaml:"safety"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Trigger     TriggerConfig     `yaml:"trigger"`
	Sequence    *SequenceConfig   `yaml:"sequence,omitempty"` // optional
	Web         WebConfig         `yaml:"web"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath accepts only a .yaml file directly inside a configs/
// directory, with no ".." elements.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errors.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return errors.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	if fi.Size() > MaxConfigFileBytes {
		return nil, errors.Errorf("config file is %d bytes, limit is %d", fi.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and checks every section.
func (c *Config) Validate() error {
	switch c.Controller.Type {
	case "":
		c.Controller.Type = "sim"
	case "gpio", "sim":
	case "serial":
		if c.Controller.Device == "" {
			return errors.New("controller.device is required for the serial controller")
		}
	default:
		return errors.Errorf("controller.type must be gpio, serial or sim, got %q", c.Controller.Type)
	}
	if c.Controller.Baud <= 0 {
		c.Controller.Baud = 115200
	}
	if c.Controller.ReadTimeoutMs <= 0 {
		c.Controller.ReadTimeoutMs = 100
	}
	if c.Controller.Retries <= 0 {
		c.Controller.Retries = 3
	}
	if c.Controller.PollIntervalMs <= 0 {
		c.Controller.PollIntervalMs = 10
	}

	if len(c.Shutters) == 0 {
		return errors.New("at least one shutter is required")
	}
	seen := make(map[string]bool)
	for i := range c.Shutters {
		s := &c.Shutters[i]
		if s.Name == "" {
			return errors.Errorf("shutters[%d].name is required", i)
		}
		if s.Name == NoneShutter {
			return errors.Errorf("shutters[%d].name %q is reserved", i, NoneShutter)
		}
		if seen[s.Name] {
			return errors.Errorf("duplicate shutter name %q", s.Name)
		}
		seen[s.Name] = true
		if s.StepsPerRev <= 0 {
			s.StepsPerRev = 200
		}
		if s.Microstepping <= 0 {
			s.Microstepping = 1
		}
		if s.StepAngleDeg <= 0 {
			s.StepAngleDeg = 360.0 / float64(s.StepsPerRev)
		}
		if s.OpenAngleDeg <= 0 {
			return errors.Errorf("shutter %q: open_angle_deg must be > 0", s.Name)
		}
		if s.OpenAngleDeg > 360 {
			return errors.Errorf("shutter %q: open_angle_deg must be <= 360, got %.2f", s.Name, s.OpenAngleDeg)
		}
		// closed must sit off the limit switch so a closed shutter never reads as a limit fault
		if s.ClosedOffset < 0 {
			return errors.Errorf("shutter %q: closed_offset must not be negative, got %d", s.Name, s.ClosedOffset)
		}
		if s.ClosedOffset == 0 {
			s.ClosedOffset = 10
		}
		if s.Velocity <= 0 {
			s.Velocity = 800
		}
		if s.Acceleration < 0 {
			return errors.Errorf("shutter %q: acceleration must be >= 0", s.Name)
		}
		if c.Controller.Type == "gpio" && (s.StepPin == 0 || s.DirPin == 0) {
			return errors.Errorf("shutter %q: step_pin and dir_pin are required for the gpio controller", s.Name)
		}
	}

	if c.Calibration.StorePath == "" {
		c.Calibration.StorePath = "calibration.yaml"
	}
	if c.Calibration.HomingTimeoutMs <= 0 {
		c.Calibration.HomingTimeoutMs = 10000
	}
	if c.Calibration.HomingVelocity <= 0 {
		c.Calibration.HomingVelocity = 400
	}
	if c.Calibration.HomingTravel <= 0 {
		c.Calibration.HomingTravel = 100000
	}
	if c.Calibration.Tolerance < 0 {
		return errors.New("calibration.tolerance must be >= 0")
	}

	if c.Safety.PollIntervalMs <= 0 {
		c.Safety.PollIntervalMs = 100
	}

	if c.Scheduler.DarkIntervalMs == nil {
		d := 5
		c.Scheduler.DarkIntervalMs = &d
	}
	if *c.Scheduler.DarkIntervalMs < 0 {
		return errors.New("scheduler.dark_interval_ms must be >= 0")
	}
	if *c.Scheduler.DarkIntervalMs == 0 && !c.Scheduler.AcceptOverlapRisk {
		return errors.New("scheduler.dark_interval_ms is 0: set scheduler.accept_overlap_risk to acknowledge")
	}
	if c.Scheduler.AllowOverlap && !c.Scheduler.AcceptOverlapRisk {
		return errors.New("scheduler.allow_overlap requires scheduler.accept_overlap_risk")
	}
	if c.Scheduler.MoveTimeoutMs <= 0 {
		c.Scheduler.MoveTimeoutMs = 2000
	}

	switch c.Trigger.Source {
	case "":
		c.Trigger.Source = "software"
	case "software":
	case "gpio":
		if c.Trigger.Pin == 0 {
			return errors.New("trigger.pin is required for the gpio trigger")
		}
		switch c.Trigger.Edge {
		case "":
			c.Trigger.Edge = "rising"
		case "rising", "falling", "both":
		default:
			return errors.Errorf("trigger.edge must be rising, falling or both, got %q", c.Trigger.Edge)
		}
	case "clock":
		if c.Trigger.PeriodMs <= 0 {
			return errors.New("trigger.period_ms must be > 0 for the clock trigger")
		}
	default:
		return errors.Errorf("trigger.source must be gpio, software or clock, got %q", c.Trigger.Source)
	}
	if c.Trigger.Loops < 0 {
		return errors.New("trigger.loops must be >= 0")
	}
	if c.Trigger.PollUs <= 0 {
		c.Trigger.PollUs = 500
	}

	if c.Sequence != nil {
		if len(c.Sequence.Steps) == 0 {
			return errors.New("sequence.steps must not be empty")
		}
		for i, st := range c.Sequence.Steps {
			if st.Shutter != NoneShutter && !seen[st.Shutter] {
				return errors.Errorf("sequence.steps[%d]: unknown shutter %q", i, st.Shutter)
			}
			if st.HoldMs < 0 {
				return errors.Errorf("sequence.steps[%d]: hold_ms must be >= 0", i)
			}
		}
	}

	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return errors.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ShutterIndex returns the index of the named shutter, or -1.
func (c *Config) ShutterIndex(name string) int {
	for i, s := range c.Shutters {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// DarkInterval returns the pause between a confirmed close and the next open.
func (c *Config) DarkInterval() time.Duration {
	if c.Scheduler.DarkIntervalMs == nil {
		return 0
	}
	return time.Duration(*c.Scheduler.DarkIntervalMs) * time.Millisecond
}

// MoveTimeout returns the slack allowed over expected travel before a stall.
func (c *Config) MoveTimeout() time.Duration {
	return time.Duration(c.Scheduler.MoveTimeoutMs) * time.Millisecond
}

// HomingTimeout returns the time allowed to reach the limit switch.
func (c *Config) HomingTimeout() time.Duration {
	return time.Duration(c.Calibration.HomingTimeoutMs) * time.Millisecond
}

// SafetyPollInterval returns the fault polling period.
func (c *Config) SafetyPollInterval() time.Duration {
	return time.Duration(c.Safety.PollIntervalMs) * time.Millisecond
}

// ControllerReadTimeout returns the serial read timeout.
func (c *Config) ControllerReadTimeout() time.Duration {
	return time.Duration(c.Controller.ReadTimeoutMs) * time.Millisecond
}

// ControllerPollInterval returns the status polling period.
func (c *Config) ControllerPollInterval() time.Duration {
	return time.Duration(c.Controller.PollIntervalMs) * time.Millisecond
}

// TriggerDebounce returns the minimum spacing between accepted edges.
func (c *Config) TriggerDebounce() time.Duration {
	return time.Duration(c.Trigger.DebounceUs) * time.Microsecond
}

// TriggerPoll returns the trigger line sampling period.
func (c *Config) TriggerPoll() time.Duration {
	return time.Duration(c.Trigger.PollUs) * time.Microsecond
}

// ClockPeriod returns the clock trigger period.
func (c *Config) ClockPeriod() time.Duration {
	return time.Duration(c.Trigger.PeriodMs) * time.Millisecond
}
