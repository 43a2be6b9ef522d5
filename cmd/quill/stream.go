package main

import (
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream <session> [resource]",
	Short: "Start generation for a session and follow it",
	Long: `Start the content generation run for a session and print its events.

The resource defaults to the one recorded on the session. Only one run may
be live per resource; a second request reports the run that holds it.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var resource string
		if len(args) > 1 {
			resource = args[1]
		}
		res, err := a.orch.OpenStream(ctx, args[0], resource, nil)
		return followStream(ctx, res, err)
	},
}
