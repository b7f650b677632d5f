package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/paws/internal/config"
	"github.com/cjeanneret/paws/internal/logic/calibration"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gInspect,
		Short:   "Show the configured shutters and their stored calibration",
		Long:    `Show the configured shutters and their stored calibration. The hardware is not touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			recs, err := calibration.NewStore(cfg.Calibration.StorePath).Load()
			if err != nil {
				return err
			}

			cmd.Println(bold("Controller:"))
			cmd.Println("  Type: " + cfg.Controller.Type)
			cmd.Println("  Trigger: " + cfg.Trigger.Source)
			cmd.Printf("  Dark interval: %s\n", cfg.DarkInterval())
			cmd.Println()

			missing := recs.Missing(shutterIndexes(cfg))
			cmd.Println(bold("Calibration:"))
			cmd.Println("  Store: " + cfg.Calibration.StorePath)
			cmd.Println("  Complete: " + bool2Text(len(missing) == 0))
			cmd.Println()

			printRecords(cmd, cfg, recs, time.Now())

			if cfg.Sequence != nil {
				cmd.Println()
				cmd.Println(bold("Sequence:"))
				for i, st := range cfg.Sequence.Steps {
					cmd.Printf("  %d. %s %s\n", i+1, st.Shutter, faint(fmt.Sprintf("(hold %dms)", st.HoldMs)))
				}
				cmd.Println("  Repeat: " + bool2Text(cfg.Sequence.Repeat))
			}
			return nil
		},
	}
}

func shutterIndexes(cfg *config.Config) []int {
	out := make([]int, len(cfg.Shutters))
	for i := range cfg.Shutters {
		out[i] = i
	}
	return out
}

func printRecords(cmd *cobra.Command, cfg *config.Config, recs calibration.Records, now time.Time) {
	cmd.Println(bold("Shutters:"))
	for i, sh := range cfg.Shutters {
		r, ok := recs[i]
		if !ok {
			cmd.Printf("  [%d] %s: %s\n", i, sh.Name, red("not calibrated"))
			continue
		}
		cmd.Printf("  [%d] %s: home %d, closed %d, open %d %s\n",
			i, sh.Name, r.HomeOffset, r.Closed(), r.Open(),
			faint(fmt.Sprintf("(%.2f steps/deg, calibrated %s)", r.StepsPerUnit, formatAge(r.CalibratedAt, now))))
	}
}
