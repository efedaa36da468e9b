package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/lazypower/spiral/internal/store"
)

// Set via -ldflags at build time. Values left at their defaults are filled
// from the module build info when the binary carries it.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// BuildInfo describes the running binary and the store schema it writes.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Schema    int    `json:"schema_version"`
}

func currentBuild() BuildInfo {
	b := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Schema:    store.LatestSchemaVersion(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		b = b.withModuleInfo(bi)
	}
	return b
}

// withModuleInfo fills unset fields from the module version and VCS stamp.
func (b BuildInfo) withModuleInfo(bi *debug.BuildInfo) BuildInfo {
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && s.Value != "" {
				b.Commit = s.Value
				if len(b.Commit) > 12 {
					b.Commit = b.Commit[:12]
				}
			}
		case "vcs.time":
			if b.BuildDate == "unknown" && s.Value != "" {
				b.BuildDate = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

func (b BuildInfo) String() string {
	commit := b.Commit
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("spiral %s (commit: %s, built: %s, %s, schema v%d)",
		b.Version, commit, b.BuildDate, b.GoVersion, b.Schema)
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := currentBuild()
		if versionJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		}
		fmt.Fprintln(cmd.OutOrStdout(), b.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
}

// VersionString returns a short version for health checks.
func VersionString() string {
	b := currentBuild()
	return fmt.Sprintf("%s (%s)", b.Version, b.Commit)
}
