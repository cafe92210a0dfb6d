package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/arbor/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("arbor %s\n", bi.Version)
		if bi.CommitHash != "" {
			fmt.Printf("commit: %s\n", bi.CommitHash)
		}
		if bi.BuildDate != "" {
			fmt.Printf("built:  %s\n", bi.BuildDate)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
