package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionExtended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s\n", appIdentity.BinaryName, versionInfo.Version)
		if !versionExtended {
			return
		}
		v := crucible.GetVersion()
		fmt.Fprintf(w, "commit:     %s\n", versionInfo.Commit)
		fmt.Fprintf(w, "built:      %s\n", versionInfo.BuildDate)
		fmt.Fprintf(w, "go:         %s\n", runtime.Version())
		fmt.Fprintf(w, "gofulmen:   %s\n", v.Gofulmen)
		fmt.Fprintf(w, "crucible:   %s\n", v.Crucible)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionExtended, "extended", false, "Include build and dependency versions")
}
