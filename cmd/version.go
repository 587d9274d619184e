package cmd

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/persona/internal/detector"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the available detector backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("persona %s\n", Version)
		fmt.Printf("detectors: %s\n", strings.Join(detector.Backends(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
