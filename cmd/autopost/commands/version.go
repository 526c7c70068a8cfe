package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show autopost version information",
	Long:  `Display version, build time, commit hash, and platform information for the autopost binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		info := version.Get()
		out := cmd.OutOrStdout()

		if jsonOutput {
			data, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to format version as JSON")
			}
			printf(out, "%s\n", data)
			return nil
		}
		printf(out, "%s\nPlatform: %s\nGo: %s\n", info, info.Platform, info.GoVersion)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
