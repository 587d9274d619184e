package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/registry"
	"github.com/andresmejia3/persona/internal/store"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	syncOverwrite bool
	syncPrune     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror profiles between the profiles directory and PostgreSQL",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload every local profile to the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPush(cmd.Context())
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download the database profiles into the profiles directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPull(cmd.Context())
	},
}

func init() {
	syncPushCmd.Flags().BoolVar(&syncPrune, "prune", false, "Delete database profiles that no longer exist locally")
	syncPullCmd.Flags().BoolVar(&syncOverwrite, "overwrite", false, "Replace local profiles that also exist in the database")
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)
	rootCmd.AddCommand(syncCmd)
}

func runPush(ctx context.Context) error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	db, err := connectDB(ctx)
	if err != nil {
		return fail("Database unavailable", err)
	}

	bar := progressbar.NewOptions(m.Len(),
		progressbar.OptionSetDescription("⬆️  Pushing profiles"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	for _, id := range m.IDs() {
		p, _ := m.Get(id)
		if err := db.SaveProfile(ctx, p); err != nil {
			return fail(fmt.Sprintf("Failed to push profile '%s'", id), err)
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n✅ Pushed %d profiles\n", m.Len())

	if !syncPrune {
		return nil
	}
	remote, err := db.ListProfiles(ctx)
	if err != nil {
		return fail("Failed to list database profiles", err)
	}
	pruned := 0
	for _, id := range staleIDs(m, remote) {
		deleted, err := db.DeleteProfile(ctx, id)
		if err != nil {
			return fail(fmt.Sprintf("Failed to delete database profile '%s'", id), err)
		}
		if deleted {
			pruned++
		}
	}
	fmt.Fprintf(os.Stderr, "🧹 Pruned %d database profiles\n", pruned)
	return nil
}

// staleIDs returns the database profiles that have no local counterpart.
func staleIDs(m *registry.Manager, remote []store.ProfileSummary) []string {
	var stale []string
	for _, ps := range remote {
		if !m.Exists(ps.ID) {
			stale = append(stale, ps.ID)
		}
	}
	return stale
}

func runPull(ctx context.Context) error {
	m, err := loadRegistry(true)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	db, err := connectDB(ctx)
	if err != nil {
		return fail("Database unavailable", err)
	}
	remote, err := db.LoadProfiles(ctx)
	if err != nil {
		return fail("Failed to load profiles from database", err)
	}

	added, replaced, skipped := mergeRemote(m, remote, syncOverwrite)
	if _, err := m.Save(); err != nil {
		return fail("Failed to save profiles", err)
	}
	fmt.Fprintf(os.Stderr, "✅ Pulled %d profiles: %d new, %d replaced, %d kept local\n", len(remote), added, replaced, skipped)
	return nil
}

// mergeRemote registers the database profiles in m. Ids already present are kept unless
// overwrite is set. Profiles whose id cannot be registered are skipped with a warning.
func mergeRemote(m *registry.Manager, remote []*profile.Profile, overwrite bool) (added, replaced, skipped int) {
	for _, p := range remote {
		exists := m.Exists(p.ID)
		if exists && !overwrite {
			skipped++
			continue
		}
		if err := registry.CheckID(p.ID); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping database profile: %v\n", err)
			skipped++
			continue
		}
		if exists {
			m.Delete(p.ID)
		}
		if _, err := m.Add(p); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping database profile '%s': %v\n", p.ID, err)
			skipped++
			continue
		}
		if exists {
			replaced++
		} else {
			added++
		}
	}
	return added, replaced, skipped
}
