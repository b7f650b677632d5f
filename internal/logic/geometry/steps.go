package geometry

import (
	"math"

	"github.com/cjeanneret/paws/internal/config"
)

// StepsCalculator converts shutter swing angles to motor step counts.
type StepsCalculator struct {
	stepsPerDegree float64
}

// NewStepsCalculator creates a step calculator for one shutter.
// A full step of StepAngleDeg is divided into Microstepping microsteps.
func NewStepsCalculator(s config.ShutterConfig) *StepsCalculator {
	stepAngle := s.StepAngleDeg
	if stepAngle <= 0 && s.StepsPerRev > 0 {
		stepAngle = 360.0 / float64(s.StepsPerRev)
	}
	ms := s.Microstepping
	if ms <= 0 {
		ms = 1
	}
	if stepAngle <= 0 {
		return &StepsCalculator{}
	}
	return &StepsCalculator{stepsPerDegree: float64(ms) / stepAngle}
}

// StepsPerDegree returns microsteps per degree of shaft rotation.
func (s *StepsCalculator) StepsPerDegree() float64 {
	return s.stepsPerDegree
}

// StepsFromAngle converts an angle (in degrees) to microsteps, rounded to the
// nearest step.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int64 {
	return int64(math.Round(angleDegrees * s.stepsPerDegree))
}

// OpenTravel returns the step distance between the closed and open positions.
// It is never zero: a shutter that does not move cannot open.
func (s *StepsCalculator) OpenTravel(sh config.ShutterConfig) int64 {
	n := s.StepsFromAngle(math.Abs(sh.OpenAngleDeg))
	if n < 1 {
		n = 1
	}
	return n
}
