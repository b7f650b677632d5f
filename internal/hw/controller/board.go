// Package controller talks to a multi-channel stepper controller board over
// a line-oriented serial link and exposes each channel as a motor.Adapter.
//
// Wire protocol (one request line, one reply line, ASCII, '\n' terminated):
//
//	MOVE <ch> <pos> <vel> <acc>   -> OK
//	STOP <ch>                     -> OK
//	POS <ch>                      -> POS <ch> <pos|?>
//	STATUS <ch>                   -> STATUS <ch> <MOVING|IDLE> <NONE|STALL|LIMIT|DISCONNECTED>
//	any                           -> ERR "<message>"
package controller

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/motor"
)

// Port is the byte link to the board.
type Port interface {
	io.ReadWriteCloser
}

// Config holds the link and polling parameters.
type Config struct {
	Device       string
	Baud         int
	ReadTimeout  time.Duration
	Retries      int            // attempts per request before the link is declared lost
	RetryDelay   time.Duration  // pause between attempts
	PollInterval time.Duration  // STATUS polling period while a move is in flight
	MoveTimeout  time.Duration  // slack over expected travel before a stall
	MaxTravel    motor.Position // travel budgeted for a move from an unknown position
	Tolerance    motor.Position
	Velocity     float64 // default steps/s when a profile leaves it at zero
}

func (c *Config) applyDefaults() {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 20 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = 2 * time.Second
	}
	if c.Velocity <= 0 {
		c.Velocity = 1000
	}
	if c.MaxTravel <= 0 {
		c.MaxTravel = 100000
	}
}

// Board is one controller. Requests are serialized on the link.
type Board struct {
	cfg  Config
	port Port
	r    *bufio.Reader

	mu   sync.Mutex // one request/reply on the wire at a time
	down bool       // latched once retries are exhausted

	chMu     sync.Mutex
	channels map[int]*Channel
}

// OpenSerial opens the board on a native serial device.
func OpenSerial(cfg Config) (*Board, error) {
	cfg.applyDefaults()
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(motor.ErrHardwareUnavailable, "open serial port %s: %v", cfg.Device, err)
	}
	debug.Info("Controller board opened on %s (%d baud)", cfg.Device, cfg.Baud)
	return NewBoard(p, cfg), nil
}

// NewBoard wraps an already open port.
func NewBoard(p Port, cfg Config) *Board {
	cfg.applyDefaults()
	return &Board{
		cfg:      cfg,
		port:     p,
		r:        bufio.NewReader(p),
		channels: make(map[int]*Channel),
	}
}

// Close closes the link.
func (b *Board) Close() error {
	return b.port.Close()
}

// Down reports whether the link was declared lost.
func (b *Board) Down() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

// Exec sends one request and returns the tokenised reply. Transport errors
// are retried up to cfg.Retries times; after that the board is marked down
// and every later call fails with motor.ErrHardwareUnavailable.
func (b *Board) Exec(format string, args ...interface{}) ([]string, error) {
	line := fmt.Sprintf(format, args...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, motor.ErrHardwareUnavailable
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.Retries; attempt++ {
		reply, err := b.roundTrip(line)
		if err == nil {
			return parseReply(reply)
		}
		lastErr = err
		debug.Verbose("controller: %q attempt %d/%d failed: %v", line, attempt, b.cfg.Retries, err)
		if attempt < b.cfg.Retries {
			time.Sleep(b.cfg.RetryDelay)
		}
	}
	b.down = true
	debug.Errorf("controller: link lost after %d attempts: %v", b.cfg.Retries, lastErr)
	return nil, errors.Wrap(motor.ErrHardwareUnavailable, lastErr.Error())
}

func (b *Board) roundTrip(line string) (string, error) {
	debug.Wire(">", line)
	if _, err := io.WriteString(b.port, line+"\n"); err != nil {
		return "", errors.Wrap(err, "write")
	}
	reply, err := b.r.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read")
	}
	reply = strings.TrimSpace(reply)
	debug.Wire("<", reply)
	return reply, nil
}

// errReply is a well-formed ERR answer: the board is alive but refused.
type errReply struct{ msg string }

func (e *errReply) Error() string { return "controller: " + e.msg }

func parseReply(reply string) ([]string, error) {
	fields, err := shlex.Split(reply)
	if err != nil {
		return nil, errors.Wrapf(err, "parse reply %q", reply)
	}
	if len(fields) == 0 {
		return nil, errors.New("empty reply")
	}
	if fields[0] == "ERR" {
		return nil, &errReply{msg: strings.Join(fields[1:], " ")}
	}
	return fields, nil
}

// Channel returns the adapter for channel index ch (created on first use).
func (b *Board) Channel(ch int) *Channel {
	b.chMu.Lock()
	defer b.chMu.Unlock()
	c, ok := b.channels[ch]
	if !ok {
		c = &Channel{board: b, index: ch}
		b.channels[ch] = c
	}
	return c
}
