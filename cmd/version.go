package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/store"
)

// Set with -ldflags "-X github.com/kozaktomas/face-finder/cmd.Version=...".
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

// VersionOutput is printed by `version --json`.
type VersionOutput struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildDate   string `json:"build_date"`
	GoVersion   string `json:"go_version"`
	StoreFormat int    `json:"store_format"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and store format versions",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := VersionOutput{
		Version:     Version,
		Commit:      CommitSHA,
		BuildDate:   BuildDate,
		GoVersion:   runtime.Version(),
		StoreFormat: store.SchemaVersion,
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(out)
	}
	fmt.Printf("face-finder %s (%s, built %s)\n", out.Version, out.Commit, out.BuildDate)
	fmt.Printf("  %s, store format v%d\n", out.GoVersion, out.StoreFormat)
	return nil
}
