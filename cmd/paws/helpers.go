package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/config"
	"github.com/cjeanneret/paws/internal/debug"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func bool2Text(b bool) string {
	if b {
		return green("✔ yes")
	}
	return red("✘ no")
}

var levelNames = map[string]int{
	"off":     debug.LevelOff,
	"error":   debug.LevelOff,
	"info":    debug.LevelInfo,
	"live":    debug.LevelLive,
	"verbose": debug.LevelVerbose,
	"debug":   debug.LevelVerbose,
	"trace":   debug.LevelTrace,
}

// parseLogLevel accepts a level name or a number 0-4.
func parseLogLevel(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if l, ok := levelNames[s]; ok {
		return l, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < debug.LevelOff || n > debug.LevelTrace {
		return 0, errors.Errorf("invalid log level %q", s)
	}
	return n, nil
}

// parseStep reads "NAME" or "NAME:HOLD_MS". "none" is a closed step.
func parseStep(s string) (config.StepConfig, error) {
	name, hold, found := strings.Cut(strings.TrimSpace(s), ":")
	if name == "" {
		return config.StepConfig{}, errors.Errorf("step %q: missing shutter name", s)
	}
	step := config.StepConfig{Shutter: name}
	if !found {
		return step, nil
	}
	ms, err := strconv.Atoi(hold)
	if err != nil {
		return config.StepConfig{}, errors.Errorf("step %q: invalid hold: %v", s, err)
	}
	if ms < 0 {
		return config.StepConfig{}, errors.Errorf("step %q: hold must not be negative", s)
	}
	step.HoldMs = ms
	return step, nil
}

// sequenceFromFlags builds a sequence from --step values, or returns nil
// when none were given.
func sequenceFromFlags(steps []string, repeat bool) (*config.SequenceConfig, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	sc := &config.SequenceConfig{Repeat: repeat}
	for _, s := range steps {
		step, err := parseStep(s)
		if err != nil {
			return nil, err
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
