package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/logic/motion"
	"github.com/cjeanneret/paws/internal/logic/session"
)

func NewCalibrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cali", "home"},
		GroupID: gOperate,
		Short:   "Home every shutter and store the calibration",
		Long: `Drive each shutter to its limit switch, derive the open and closed
positions, verify them, and write the calibration store. Shutters are
left closed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hub := events.NewHub()
			go logEvents(ctx, hub)

			sess, err := session.Open(cfg, hub)
			if err != nil {
				return err
			}
			defer func() {
				if err := sess.Close(); err != nil {
					debug.Errorf("closing hardware failed: %v", err)
				}
			}()

			// a stored calibration arms the configured sequence; go back to Idle
			if sched, err := sess.Scheduler(); err == nil && sched.State() != motion.Faulted {
				if err := sched.Reset(ctx); err != nil {
					return err
				}
			}

			recs, err := sess.Calibrate(ctx)
			if err != nil {
				return err
			}
			cmd.Println(bold("Calibration stored in " + cfg.Calibration.StorePath))
			printRecords(cmd, cfg, recs, time.Now())
			return nil
		},
	}
}
