package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		extended, _ := cmd.Flags().GetBool("extended")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		info := map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
		}
		if extended || jsonOutput {
			v := crucible.GetVersion()
			info["go"] = runtime.Version()
			info["crucible"] = v.Crucible
			info["gofulmen"] = v.Gofulmen
		}
		if jsonOutput {
			return writeJSON(info)
		}

		fmt.Printf("%s %s\n", appIdentityName(), versionInfo.Version)
		if extended {
			fmt.Printf("  commit:   %s\n", versionInfo.Commit)
			fmt.Printf("  built:    %s\n", versionInfo.BuildDate)
			fmt.Printf("  go:       %s\n", info["go"])
			fmt.Printf("  crucible: %s\n", dash(info["crucible"]))
			fmt.Printf("  gofulmen: %s\n", dash(info["gofulmen"]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("extended", false, "Include commit, build date and library versions")
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
