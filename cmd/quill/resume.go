package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var resumeAbandon bool

var resumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Bring an interrupted session back to a consistent step",
	Long: `Resume recomputes a publication session's step from the artifacts it
has produced and clears a generation marker left by a run that no longer
exists. With --abandon the session is marked completed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if resumeAbandon {
			if err := a.orch.Abandon(ctx, args[0]); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("abandoned %s", args[0]), color.FgGreen)
			return nil
		}

		res, err := a.orch.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		if res.Restored {
			printStatus("✓", fmt.Sprintf("moved %s from %s to %s", res.SessionID, res.FromStep, res.Step), color.FgGreen)
		} else {
			printStatus("✓", fmt.Sprintf("%s is at %s", res.SessionID, res.Step), color.FgGreen)
		}
		if res.ClearedGeneration {
			printStatus("!", "cleared a stale generation marker", color.FgYellow)
		}
		return nil
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeAbandon, "abandon", false, "Mark the session completed instead")
}
