package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB         bool
	resetProfiles   bool
	resetCandidates string
	resetYes        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database mirror, Profiles, Candidates)",
	Long:  "Clears stored data. Use flags to choose what is cleared; every step asks for confirmation unless --yes is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !resetDB && !resetProfiles && resetCandidates == "" {
			return fmt.Errorf("nothing to reset: pass --db, --profiles or --candidates <dir>")
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, os.Stdout, prompt)
		}

		if resetDB && ask("⚠️  Are you sure you want to DROP all database tables?") {
			db, err := connectDB(cmd.Context())
			if err != nil {
				return fail("Database unavailable", err)
			}
			fmt.Println("🗑️  Clearing Database...")
			if err := db.Reset(cmd.Context()); err != nil {
				return fail("Failed to reset database", err)
			}
		}

		if resetProfiles && ask(fmt.Sprintf("⚠️  Are you sure you want to delete every profile in %s?", Cfg.Profiles.Dir)) {
			fmt.Println("🗑️  Clearing Profiles...")
			removeDir(Cfg.Profiles.Dir)
		}

		if resetCandidates != "" && ask(fmt.Sprintf("⚠️  Are you sure you want to delete %s?", resetCandidates)) {
			fmt.Println("🗑️  Clearing Candidates...")
			removeDir(resetCandidates)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the PostgreSQL mirror")
	resetCmd.Flags().BoolVar(&resetProfiles, "profiles", false, "Delete the profiles directory")
	resetCmd.Flags().StringVar(&resetCandidates, "candidates", "", "Delete a scan output directory")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
