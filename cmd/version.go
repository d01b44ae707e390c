package cmd

import (
	"fmt"

	"github.com/smazurov/xpool/internal/version"
	"github.com/spf13/cobra"
)

// CreateVersionCmd creates the version command.
func CreateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			info := version.Get()
			out := c.OutOrStdout()
			fmt.Fprintf(out, "xpool %s\n", info.Version)
			fmt.Fprintf(out, "  commit:   %s\n", info.GitCommit)
			fmt.Fprintf(out, "  built:    %s\n", info.BuildDate)
			fmt.Fprintf(out, "  build id: %s\n", info.BuildID)
			fmt.Fprintf(out, "  go:       %s (%s)\n", info.GoVersion, info.Compiler)
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)
		},
	}
}
