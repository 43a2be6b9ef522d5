package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("quill version %s\n", version.Get())
	},
}
