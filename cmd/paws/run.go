package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/logic/session"
)

func NewRunCommand() *cobra.Command {
	var (
		steps  []string
		repeat bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		GroupID: gOperate,
		Short:   "Run a sequence from the trigger source without the HTTP API",
		Long: `Run a shutter sequence until interrupted.

Steps are given as NAME or NAME:HOLD_MS, in order. Use "none" for a step
where every shutter stays closed. Without --step the sequence from the
config file is used.`,
		Example: `  paws run --step A:100 --step B:100 --step none --repeat`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc, err := sequenceFromFlags(steps, repeat)
			if err != nil {
				return err
			}
			if sc != nil {
				// armed by Open once the stored calibration is loaded
				cfg.Sequence = sc
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
				closeShutters(sess)
				if err := sess.Close(); err != nil {
					debug.Errorf("closing hardware failed: %v", err)
				}
			}()

			sched, err := sess.Scheduler()
			if err != nil {
				return err
			}
			if sched.Sequence() == nil {
				debug.Warn("No sequence configured; triggers will be ignored")
			}
			debug.Info("Waiting for triggers (%s), Ctrl-C to stop", cfg.Trigger.Source)
			return sess.Run(ctx)
		},
	}

	cmd.Flags().StringArrayVarP(&steps, "step", "s", nil, "sequence step NAME[:HOLD_MS], repeatable")
	cmd.Flags().BoolVar(&repeat, "repeat", false, "restart the sequence after the last step")

	return cmd
}

// logEvents prints controller events on the console.
func logEvents(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			debug.Live("%s %s", e.Name, e.Data)
		}
	}
}
