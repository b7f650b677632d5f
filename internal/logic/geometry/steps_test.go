package geometry

import (
	"math"
	"testing"

	"github.com/cjeanneret/paws/internal/config"
)

func TestStepsCalculator_KnownConfig(t *testing.T) {
	// 1.8° full step, 16 microsteps: 16 / 1.8 ≈ 8.888 steps per degree
	sc := NewStepsCalculator(config.ShutterConfig{StepAngleDeg: 1.8, Microstepping: 16})

	cases := []struct {
		name  string
		angle float64
		want  int64
	}{
		{"90_degrees", 90, 800},
		{"negative_90", -90, -800},
		{"zero", 0, 0},
		{"full_360", 360, 3200},
		{"small_1_degree", 1, 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sc.StepsFromAngle(tc.angle)
			if got != tc.want {
				t.Errorf("StepsFromAngle(%v) = %d, want %d", tc.angle, got, tc.want)
			}
		})
	}
}

func TestStepsCalculator_DifferentMicrostepping(t *testing.T) {
	microsteps := []int{1, 2, 4, 8, 16, 32}
	for _, ms := range microsteps {
		sc := NewStepsCalculator(config.ShutterConfig{StepAngleDeg: 1.8, Microstepping: ms})
		want := int64(50 * ms) // 90° is 50 full steps
		if got := sc.StepsFromAngle(90); got != want {
			t.Errorf("microstepping=%d: StepsFromAngle(90) = %d, want %d", ms, got, want)
		}
	}
}

func TestStepsCalculator_StepAngleFromStepsPerRev(t *testing.T) {
	sc := NewStepsCalculator(config.ShutterConfig{StepsPerRev: 400, Microstepping: 2})
	want := 800.0 / 360.0
	if got := sc.StepsPerDegree(); math.Abs(got-want) > 1e-9 {
		t.Errorf("StepsPerDegree = %v, want %v", got, want)
	}
}

func TestStepsCalculator_HalfStepShutter(t *testing.T) {
	// 30° swing on a 1.8° motor in half-step mode
	sh := config.ShutterConfig{StepAngleDeg: 1.8, Microstepping: 2, OpenAngleDeg: 30}
	sc := NewStepsCalculator(sh)
	if got := sc.OpenTravel(sh); got != 33 {
		t.Errorf("OpenTravel = %d, want 33", got)
	}
}

func TestStepsCalculator_OpenTravelNeverZero(t *testing.T) {
	sh := config.ShutterConfig{StepAngleDeg: 1.8, Microstepping: 1, OpenAngleDeg: 0.1}
	if got := NewStepsCalculator(sh).OpenTravel(sh); got != 1 {
		t.Errorf("OpenTravel = %d, want 1", got)
	}
	if got := NewStepsCalculator(config.ShutterConfig{}).StepsFromAngle(90); got != 0 {
		t.Errorf("unconfigured calculator should return 0, got %d", got)
	}
}
