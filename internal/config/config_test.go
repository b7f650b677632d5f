package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"con fig.yaml", "café.yaml"} {
		if err := ValidateConfigPath(filepath.Join(cfgDir, name)); err != nil {
			t.Errorf("unexpected error for %q: %v", name, err)
		}
	}
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
controller:
  type: gpio
shutters:
  - name: "488nm"
    step_pin: 17
    dir_pin: 27
    enable_pin: 5
    limit_pin: 6
    limit_active_low: true
    steps_per_rev: 200
    microstepping: 2
    open_angle_deg: 45
    closed_offset: 20
    velocity: 1200
    acceleration: 4000
  - name: "561nm"
    step_pin: 22
    dir_pin: 23
    open_angle_deg: 45
    reverse: true
calibration:
  store_path: /var/lib/paws/calibration.yaml
  tolerance: 2
safety:
  poll_interval_ms: 50
scheduler:
  dark_interval_ms: 8
trigger:
  source: gpio
  pin: 4
  edge: falling
  debounce_us: 200
sequence:
  steps:
    - shutter: "488nm"
      hold_ms: 100
    - shutter: "561nm"
      hold_ms: 100
    - shutter: none
      hold_ms: 50
  repeat: true
web:
  addr: "127.0.0.1:9000"
defaults:
  debug_level: 2
  mock_gpio: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Controller.Type != "gpio" {
		t.Errorf("controller.type = %q, want gpio", cfg.Controller.Type)
	}
	if len(cfg.Shutters) != 2 {
		t.Fatalf("shutters = %d, want 2", len(cfg.Shutters))
	}
	a := cfg.Shutters[0]
	if a.StepPin != 17 || a.DirPin != 27 || a.EnablePin != 5 || a.LimitPin != 6 || !a.LimitActiveLow {
		t.Errorf("shutter pins = %+v", a)
	}
	if a.ClosedOffset != 20 || a.Velocity != 1200 || a.Acceleration != 4000 {
		t.Errorf("shutter motion = %+v", a)
	}
	if !cfg.Shutters[1].Reverse {
		t.Error("second shutter should be reversed")
	}
	if cfg.Calibration.Tolerance != 2 {
		t.Errorf("tolerance = %d, want 2", cfg.Calibration.Tolerance)
	}
	if cfg.DarkInterval() != 8*time.Millisecond {
		t.Errorf("DarkInterval() = %v, want 8ms", cfg.DarkInterval())
	}
	if cfg.Trigger.Edge != "falling" || cfg.TriggerDebounce() != 200*time.Microsecond {
		t.Errorf("trigger = %+v", cfg.Trigger)
	}
	if cfg.Sequence == nil || len(cfg.Sequence.Steps) != 3 || !cfg.Sequence.Repeat {
		t.Errorf("sequence = %+v", cfg.Sequence)
	}
	if cfg.ShutterIndex("561nm") != 1 || cfg.ShutterIndex("nope") != -1 {
		t.Error("ShutterIndex lookup failed")
	}
	if cfg.Web.Addr != "127.0.0.1:9000" {
		t.Errorf("web.addr = %q", cfg.Web.Addr)
	}
	if cfg.Defaults.DebugLevel != 2 || !cfg.Defaults.MockGPIO {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Parse([]byte(`
shutters:
  - name: A
    open_angle_deg: 90
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := cfg.Shutters[0]
	if s.StepsPerRev != 200 || s.Microstepping != 1 {
		t.Errorf("stepper defaults = %d/%d, want 200/1", s.StepsPerRev, s.Microstepping)
	}
	if s.StepAngleDeg != 1.8 {
		t.Errorf("step_angle_deg default = %v, want 1.8", s.StepAngleDeg)
	}
	if s.ClosedOffset != 10 || s.Velocity != 800 {
		t.Errorf("closed_offset/velocity defaults = %d/%v", s.ClosedOffset, s.Velocity)
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"dark interval", cfg.DarkInterval(), 5 * time.Millisecond},
		{"move timeout", cfg.MoveTimeout(), 2 * time.Second},
		{"homing timeout", cfg.HomingTimeout(), 10 * time.Second},
		{"safety poll", cfg.SafetyPollInterval(), 100 * time.Millisecond},
		{"serial read timeout", cfg.ControllerReadTimeout(), 100 * time.Millisecond},
		{"serial poll", cfg.ControllerPollInterval(), 10 * time.Millisecond},
		{"trigger poll", cfg.TriggerPoll(), 500 * time.Microsecond},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Controller.Type != "sim" || cfg.Trigger.Source != "software" {
		t.Errorf("controller/trigger defaults = %q/%q", cfg.Controller.Type, cfg.Trigger.Source)
	}
	if cfg.Calibration.StorePath != "calibration.yaml" || cfg.Web.Addr != ":8080" {
		t.Errorf("store/web defaults = %q/%q", cfg.Calibration.StorePath, cfg.Web.Addr)
	}
	if cfg.Sequence != nil {
		t.Error("sequence should stay nil when absent")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no shutters", "controller:\n  type: sim\n"},
		{"unknown controller", "controller:\n  type: usb\nshutters:\n  - {name: A, open_angle_deg: 90}\n"},
		{"serial without device", "controller:\n  type: serial\nshutters:\n  - {name: A, open_angle_deg: 90}\n"},
		{"gpio without pins", "controller:\n  type: gpio\nshutters:\n  - {name: A, open_angle_deg: 90}\n"},
		{"missing name", "shutters:\n  - {open_angle_deg: 90}\n"},
		{"reserved name", "shutters:\n  - {name: none, open_angle_deg: 90}\n"},
		{"duplicate name", "shutters:\n  - {name: A, open_angle_deg: 90}\n  - {name: A, open_angle_deg: 90}\n"},
		{"no open angle", "shutters:\n  - {name: A}\n"},
		{"open angle too large", "shutters:\n  - {name: A, open_angle_deg: 400}\n"},
		{"negative closed offset", "shutters:\n  - {name: A, open_angle_deg: 90, closed_offset: -5}\n"},
		{"negative acceleration", "shutters:\n  - {name: A, open_angle_deg: 90, acceleration: -1}\n"},
		{"negative tolerance", "shutters:\n  - {name: A, open_angle_deg: 90}\ncalibration:\n  tolerance: -1\n"},
		{"zero dark interval", "shutters:\n  - {name: A, open_angle_deg: 90}\nscheduler:\n  dark_interval_ms: 0\n"},
		{"negative dark interval", "shutters:\n  - {name: A, open_angle_deg: 90}\nscheduler:\n  dark_interval_ms: -1\n  accept_overlap_risk: true\n"},
		{"overlap without ack", "shutters:\n  - {name: A, open_angle_deg: 90}\nscheduler:\n  allow_overlap: true\n"},
		{"gpio trigger without pin", "shutters:\n  - {name: A, open_angle_deg: 90}\ntrigger:\n  source: gpio\n"},
		{"bad edge", "shutters:\n  - {name: A, open_angle_deg: 90}\ntrigger:\n  source: gpio\n  pin: 4\n  edge: up\n"},
		{"clock without period", "shutters:\n  - {name: A, open_angle_deg: 90}\ntrigger:\n  source: clock\n"},
		{"unknown trigger", "shutters:\n  - {name: A, open_angle_deg: 90}\ntrigger:\n  source: midi\n"},
		{"negative loops", "shutters:\n  - {name: A, open_angle_deg: 90}\ntrigger:\n  source: clock\n  period_ms: 10\n  loops: -1\n"},
		{"empty sequence", "shutters:\n  - {name: A, open_angle_deg: 90}\nsequence:\n  steps: []\n"},
		{"unknown step shutter", "shutters:\n  - {name: A, open_angle_deg: 90}\nsequence:\n  steps:\n    - {shutter: B}\n"},
		{"negative hold", "shutters:\n  - {name: A, open_angle_deg: 90}\nsequence:\n  steps:\n    - {shutter: A, hold_ms: -1}\n"},
		{"debug level", "shutters:\n  - {name: A, open_angle_deg: 90}\ndefaults:\n  debug_level: 9\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_ZeroDarkIntervalAcknowledged(t *testing.T) {
	cfg, err := Parse([]byte(`
shutters:
  - {name: A, open_angle_deg: 90}
scheduler:
  dark_interval_ms: 0
  accept_overlap_risk: true
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DarkInterval() != 0 {
		t.Errorf("DarkInterval() = %v, want 0", cfg.DarkInterval())
	}
}

func TestLoad_ClockTrigger(t *testing.T) {
	cfg, err := Parse([]byte(`
shutters:
  - {name: A, open_angle_deg: 90}
trigger:
  source: clock
  period_ms: 250
  loops: 20
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClockPeriod() != 250*time.Millisecond || cfg.Trigger.Loops != 20 {
		t.Errorf("clock = %v x %d", cfg.ClockPeriod(), cfg.Trigger.Loops)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for empty config (no shutters), got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
shutters:
  - name: A
    open_angle_deg: 90
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}
