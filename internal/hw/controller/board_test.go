package controller

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/paws/internal/hw/motor"
)

// fakeBoard answers the wire protocol in memory. Moves finish after a
// fixed number of STATUS polls.
type fakeBoard struct {
	mu         sync.Mutex
	out        bytes.Buffer
	pos        map[int]int64
	target     map[int]int64
	pollsLeft  map[int]int
	fault      map[int]string
	unknown    map[int]bool
	failWrites int
	pollsPer   int
	lines      []string
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		pos:       map[int]int64{},
		target:    map[int]int64{},
		pollsLeft: map[int]int{},
		fault:     map[int]string{},
		unknown:   map[int]bool{},
		pollsPer:  2,
	}
}

func (f *fakeBoard) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return 0, errors.New("usb hiccup")
	}
	line := strings.TrimSpace(string(p))
	f.lines = append(f.lines, line)
	fields := strings.Fields(line)
	ch, _ := strconv.Atoi(fields[1])
	switch fields[0] {
	case "MOVE":
		t, _ := strconv.ParseInt(fields[2], 10, 64)
		f.target[ch] = t
		f.pollsLeft[ch] = f.pollsPer
		f.out.WriteString("OK\n")
	case "STOP":
		f.pollsLeft[ch] = 0
		f.target[ch] = f.pos[ch]
		f.out.WriteString("OK\n")
	case "POS":
		if f.unknown[ch] {
			fmt.Fprintf(&f.out, "POS %d ?\n", ch)
		} else {
			fmt.Fprintf(&f.out, "POS %d %d\n", ch, f.pos[ch])
		}
	case "STATUS":
		state := "IDLE"
		if f.pollsLeft[ch] > 0 {
			f.pollsLeft[ch]--
			state = "MOVING"
			if f.pollsLeft[ch] == 0 {
				f.pos[ch] = f.target[ch]
			}
		}
		fault := f.fault[ch]
		if fault == "" {
			fault = "NONE"
		}
		fmt.Fprintf(&f.out, "STATUS %d %s %s\n", ch, state, fault)
	default:
		f.out.WriteString("ERR \"unknown command\"\n")
	}
	return len(p), nil
}

func (f *fakeBoard) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Read(p)
}

func (f *fakeBoard) Close() error { return nil }

func (f *fakeBoard) sent(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Retries:      3,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		MoveTimeout:  200 * time.Millisecond,
		Velocity:     100000,
	}
}

func wait(t *testing.T, m *motor.Move) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("move did not complete")
	}
	return err
}

func TestChannel_MoveToCompletes(t *testing.T) {
	fb := newFakeBoard()
	b := NewBoard(fb, testConfig())
	ch := b.Channel(1)

	m, err := ch.MoveTo(120, motor.Profile{Velocity: 500, Acceleration: 1000})
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if err := wait(t, m); err != nil {
		t.Fatalf("move: %v", err)
	}
	pos, err := ch.ReadPosition()
	if err != nil || pos != 120 {
		t.Errorf("ReadPosition = %d, %v; want 120", pos, err)
	}
	if fb.sent("MOVE 1 120 500 1000") != 1 {
		t.Errorf("expected MOVE line on the wire, got %v", fb.lines)
	}
}

func TestChannel_MoveToIdempotent(t *testing.T) {
	fb := newFakeBoard()
	b := NewBoard(fb, testConfig())
	ch := b.Channel(0)

	m, _ := ch.MoveTo(50, motor.Profile{})
	wait(t, m)
	again, err := ch.MoveTo(50, motor.Profile{})
	if err != nil {
		t.Fatalf("second MoveTo: %v", err)
	}
	if err := wait(t, again); err != nil {
		t.Fatalf("second move: %v", err)
	}
	if n := fb.sent("MOVE"); n != 1 {
		t.Errorf("expected a single MOVE on the wire, got %d", n)
	}
}

func TestChannel_LimitAndStallFaults(t *testing.T) {
	fb := newFakeBoard()
	b := NewBoard(fb, testConfig())
	ch := b.Channel(2)

	fb.mu.Lock()
	fb.fault[2] = "LIMIT"
	fb.mu.Unlock()
	m, _ := ch.MoveTo(-5000, motor.Profile{})
	if err := wait(t, m); !errors.Is(err, motor.ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
	if f := ch.ReadFault(); f != motor.FaultLimitExceeded {
		t.Errorf("fault = %v, want limit_exceeded", f)
	}

	fb.mu.Lock()
	fb.fault[2] = "STALL"
	fb.mu.Unlock()
	m, _ = ch.MoveTo(100, motor.Profile{})
	if err := wait(t, m); !errors.Is(err, motor.ErrStall) {
		t.Errorf("err = %v, want ErrStall", err)
	}
	fb.mu.Lock()
	fb.fault[2] = ""
	fb.mu.Unlock()
	if f := ch.ReadFault(); f != motor.FaultStall {
		t.Errorf("stall should stay latched, got %v", f)
	}
	ch.ClearFault()
	if f := ch.ReadFault(); f != motor.FaultNone {
		t.Errorf("fault after clear = %v, want none", f)
	}
}

func TestChannel_StallOnTimeout(t *testing.T) {
	fb := newFakeBoard()
	fb.pollsPer = 1 << 30 // never finishes
	cfg := testConfig()
	cfg.MoveTimeout = 20 * time.Millisecond
	b := NewBoard(fb, cfg)
	ch := b.Channel(0)

	m, _ := ch.MoveTo(10, motor.Profile{})
	if err := wait(t, m); !errors.Is(err, motor.ErrStall) {
		t.Fatalf("err = %v, want ErrStall", err)
	}
	if fb.sent("STOP 0") == 0 {
		t.Error("a timed out move should be stopped on the board")
	}
}

func TestChannel_CancelStopsBoard(t *testing.T) {
	fb := newFakeBoard()
	fb.pollsPer = 1 << 30
	b := NewBoard(fb, testConfig())
	ch := b.Channel(3)

	m, _ := ch.MoveTo(10, motor.Profile{})
	m.Cancel()
	if err := wait(t, m); !errors.Is(err, motor.ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
	if fb.sent("STOP 3") != 1 {
		t.Errorf("expected one STOP on the wire, got %v", fb.lines)
	}
}

func TestChannel_UnknownPosition(t *testing.T) {
	fb := newFakeBoard()
	fb.unknown[0] = true
	b := NewBoard(fb, testConfig())

	pos, err := b.Channel(0).ReadPosition()
	if err != nil {
		t.Fatalf("ReadPosition: %v", err)
	}
	if pos.Known() {
		t.Errorf("position = %d, want Unknown", pos)
	}
}

func TestChannel_MoveFromUnknownPosition(t *testing.T) {
	fb := newFakeBoard()
	fb.unknown[0] = true
	b := NewBoard(fb, testConfig())
	ch := b.Channel(0)

	m, err := ch.MoveTo(10, motor.Profile{})
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if err := wait(t, m); err != nil {
		t.Fatalf("move from an unknown position: %v", err)
	}
	if f := ch.ReadFault(); f != motor.FaultNone {
		t.Errorf("fault = %v, want none", f)
	}
	if n := fb.sent("MOVE 0 10"); n != 1 {
		t.Errorf("MOVE sent %d times, want 1", n)
	}
}

func TestBoard_RetriesTransientErrors(t *testing.T) {
	fb := newFakeBoard()
	fb.failWrites = 2
	b := NewBoard(fb, testConfig())

	if _, err := b.Channel(0).ReadPosition(); err != nil {
		t.Fatalf("two failures within three attempts should succeed, got %v", err)
	}
	if b.Down() {
		t.Error("board should not be marked down")
	}
}

func TestBoard_LinkLostAfterRetries(t *testing.T) {
	fb := newFakeBoard()
	fb.failWrites = 3
	b := NewBoard(fb, testConfig())
	ch := b.Channel(0)

	if _, err := ch.ReadPosition(); !errors.Is(err, motor.ErrHardwareUnavailable) {
		t.Fatalf("err = %v, want ErrHardwareUnavailable", err)
	}
	if !b.Down() {
		t.Error("board should be marked down")
	}
	if f := ch.ReadFault(); f != motor.FaultDisconnected {
		t.Errorf("fault = %v, want disconnected", f)
	}
	if _, err := ch.MoveTo(10, motor.Profile{}); !errors.Is(err, motor.ErrHardwareUnavailable) {
		t.Errorf("MoveTo err = %v, want ErrHardwareUnavailable", err)
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"ok", "OK", []string{"OK"}, false},
		{"status", "STATUS 1 IDLE NONE", []string{"STATUS", "1", "IDLE", "NONE"}, false},
		{"quoted_error", `ERR "bad channel 9"`, nil, true},
		{"empty", "", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseReply(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}

	_, err := parseReply(`ERR "bad channel 9"`)
	if err == nil || !strings.Contains(err.Error(), "bad channel 9") {
		t.Errorf("ERR message should be kept, got %v", err)
	}
}
