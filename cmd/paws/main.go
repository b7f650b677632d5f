package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cjeanneret/paws/internal/config"
	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/hw/motor"
	"github.com/cjeanneret/paws/internal/logic/session"
)

var (
	configPath = filepath.Join("configs", "default.yaml")
	logLevel   = ""
)

var (
	gOperate = "Operate:"
	gInspect = "Inspect:"
)

// loadConfig validates the path, loads the file and sets up logging.
func loadConfig() (*config.Config, error) {
	if err := config.ValidateConfigPath(configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config failed")
	}
	level := cfg.Defaults.DebugLevel
	if logLevel != "" {
		if level, err = parseLogLevel(logLevel); err != nil {
			return nil, err
		}
	}
	setupLogger(level)
	debug.Section("Initialization")
	debug.Value("Config path", configPath)
	debug.Value("Debug level", level)
	return cfg, nil
}

func setupLogger(level int) {
	debug.Init(level)
	debug.SetOutput(os.Stderr)
	debug.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		debug.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
	}
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, motor.ErrHardwareUnavailable):
		fmt.Fprintln(os.Stderr, "\nError: shutter hardware is not reachable")
		fmt.Fprintln(os.Stderr, "  - Check the controller cable and the serial port in the config")
		fmt.Fprintln(os.Stderr, "  - Or set controller.type: sim to run without hardware")
	case errors.Is(err, session.ErrNotCalibrated):
		fmt.Fprintln(os.Stderr, "\nError: shutters are not calibrated")
		fmt.Fprintln(os.Stderr, "  - Run 'paws calibrate' first")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paws",
		Short: "paws drives stepper-motor optical shutters",
		Long: `paws drives stepper-motor optical shutters from a trigger signal.

Each trigger opens the next shutter of a sequence and closes the others,
so that at most one beam path is open at any time.`,
		SilenceUsage: true,
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "", "log level (off, info, live, verbose, trace or 0-4); empty uses the config")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path (must live in a configs/ directory)")

	cmd.AddGroup(
		&cobra.Group{ID: gOperate, Title: gOperate},
		&cobra.Group{ID: gInspect, Title: gInspect},
	)

	cmd.AddCommand(
		NewServeCommand(),
		NewRunCommand(),
		NewCalibrateCommand(),
		NewStatusCommand(),
	)

	return cmd
}
