package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/ternarybob/formpilot/internal/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		common.LoadVersionFromFile()
		fmt.Fprintf(cmd.OutOrStdout(), "FormPilot version %s\n", common.GetFullVersion())
	},
}
