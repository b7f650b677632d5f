package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/paws/internal/debug"
	"github.com/cjeanneret/paws/internal/events"
	"github.com/cjeanneret/paws/internal/logic/session"
	"github.com/cjeanneret/paws/internal/web"
)

func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: gOperate,
		Short:   "Run the controller with the operator HTTP API",
		Long: `Open the shutter hardware, listen for triggers and serve the operator API.

The configured sequence is armed as soon as every shutter is calibrated.
All shutters are closed on shutdown.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Web.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hub := events.NewHub()
			broadcaster := web.NewStatusBroadcaster()
			debug.SetOutput(io.MultiWriter(os.Stderr, web.BroadcastWriter(broadcaster)))
			go broadcaster.Pipe(ctx, hub)

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
			debug.Value("Run ID", sess.ID)

			runErr := make(chan error, 1)
			go func() {
				err := sess.Run(ctx)
				if err != nil {
					debug.Errorf("trigger listener stopped: %v", err)
				}
				runErr <- err
				cancel()
			}()

			srv := web.NewServer(cfg.Web.Addr, web.NewHandlers(sess, broadcaster, hub))
			if err := srv.Run(ctx); err != nil {
				return errors.Wrap(err, "web server")
			}
			cancel()
			return <-runErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides web.addr")

	return cmd
}

// closeShutters resets the scheduler so every shutter ends closed. A
// faulted or uncalibrated session is left alone.
func closeShutters(sess *session.Session) {
	sched, err := sess.Scheduler()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Reset(ctx); err != nil {
		debug.Warn("closing shutters on exit: %v", err)
		return
	}
	debug.Info("All shutters closed")
}
