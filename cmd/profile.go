package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/persona/internal/detector"
	"github.com/andresmejia3/persona/internal/profile"
	"github.com/andresmejia3/persona/internal/registry"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	profileRemote    bool
	profileYAML      bool
	profileTolerance float64
	profileMode      string
	profileForce     bool
	profileKeep      bool
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the profile records",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if profileRemote {
			return runRemoteList(cmd.Context())
		}
		return runList()
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a profile record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runShow(args[0], profileYAML)
	},
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate [record_file...]",
	Short: "Check record files, or the whole profiles directory, and report every problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runValidate(args)
	},
}

var profileAddCmd = &cobra.Command{
	Use:   "add <id> <image_path...>",
	Short: "Add the face of each image to a profile, creating it if needed",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAdd(cmd.Context(), args[0], args[1:])
	},
}

var profileRenameCmd = &cobra.Command{
	Use:   "rename <id> <new_id>",
	Short: "Rename a profile and its record file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRename(args[0], args[1])
	},
}

var profileMergeCmd = &cobra.Command{
	Use:   "merge <id> <source_id...>",
	Short: "Move the encodings of other profiles into a profile",
	Long: `Each source encoding is offered to the destination with the same acceptance rules
as any new encoding. Sources are deleted afterwards unless --keep is given.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMerge(args[0], args[1:])
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a profile and its record file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDelete(args[0])
	},
}

var profileClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Drop every encoding of a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runClear(args[0])
	},
}

func init() {
	profileListCmd.Flags().BoolVar(&profileRemote, "remote", false, "List the PostgreSQL mirror instead of the profiles directory")
	profileShowCmd.Flags().BoolVar(&profileYAML, "yaml", false, "Print as YAML instead of JSON")
	for _, c := range []*cobra.Command{profileAddCmd, profileMergeCmd} {
		c.Flags().Float64Var(&profileTolerance, "tolerance", 0, "Acceptance tolerance for this call (default: the profile's own)")
		c.Flags().StringVar(&profileMode, "mode", "average", "Acceptance check: average, all")
		c.Flags().BoolVar(&profileForce, "force", false, "Add encodings without any check")
	}
	profileMergeCmd.Flags().BoolVar(&profileKeep, "keep", false, "Keep the source profiles")

	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileValidateCmd, profileAddCmd,
		profileRenameCmd, profileMergeCmd, profileDeleteCmd, profileClearCmd)
	rootCmd.AddCommand(profileCmd)
}

// addOptions builds the AddEncoding options from the shared flags.
func addOptions() (profile.AddOptions, error) {
	mode, err := profile.ParseCheckMode(profileMode)
	if err != nil {
		return profile.AddOptions{}, err
	}
	opts := profile.AddOptions{Mode: mode, Force: profileForce}
	if profileTolerance > 0 {
		opts.Tolerance = profile.Tolerance(profileTolerance)
	}
	return opts, nil
}

func runList() error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	if m.Len() == 0 {
		fmt.Printf("No profiles found in %s.\n", m.Directory())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tENCODINGS\tTOLERANCE")
	fmt.Fprintln(w, "--\t---------\t---------")
	for _, id := range m.IDs() {
		p, _ := m.Get(id)
		fmt.Fprintf(w, "%s\t%d\t%.2f\n", p.ID, len(p.Encodings), p.AcceptanceTolerance)
	}
	w.Flush()
	return nil
}

func runRemoteList(ctx context.Context) error {
	db, err := connectDB(ctx)
	if err != nil {
		return fail("Database unavailable", err)
	}
	rows, err := db.ListProfiles(ctx)
	if err != nil {
		return fail("Failed to list profiles", err)
	}
	if len(rows) == 0 {
		fmt.Println("No profiles found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tENCODINGS\tTOLERANCE\tUPDATED")
	fmt.Fprintln(w, "--\t---------\t---------\t-------")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\n", r.ID, r.Encodings, r.AcceptanceTolerance, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runShow(id string, asYAML bool) error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	p, err := m.Get(id)
	if err != nil {
		return fail("Unknown profile", err)
	}

	var out []byte
	if asYAML {
		out, err = yaml.Marshal(p.Record())
	} else {
		out, err = p.Serialize()
	}
	if err != nil {
		return fail("Failed to encode profile", err)
	}
	os.Stdout.Write(out)
	if !asYAML {
		fmt.Println()
	}
	return nil
}

func runValidate(paths []string) error {
	m, err := registry.New()
	if err != nil {
		return err
	}

	var reports []*registry.ValidationError
	checked := len(paths)
	if len(paths) == 0 {
		err := m.LoadDirectory(Cfg.Profiles.Dir)
		var contents *registry.InvalidDirectoryContentsError
		switch {
		case errors.As(err, &contents):
			reports = contents.Files()
		case err != nil:
			return fail("Failed to validate profiles directory", err)
		}
		checked = m.Len() + len(reports)
	} else {
		for _, path := range paths {
			err := m.ValidateRecordFile(path)
			var verr *registry.ValidationError
			if errors.As(err, &verr) {
				reports = append(reports, verr)
			} else if err != nil {
				return fail("Failed to validate "+path, err)
			}
		}
	}

	printValidation(reports)
	if len(reports) > 0 {
		return fmt.Errorf("%d of %d record files are invalid", len(reports), checked)
	}
	fmt.Fprintf(os.Stderr, "✅ %d record files are valid\n", checked)
	return nil
}

func printValidation(reports []*registry.ValidationError) {
	for _, r := range reports {
		fmt.Printf("❌ %s\n", r.Path)
		for _, p := range r.Problems() {
			fmt.Printf("   - %v\n", p)
		}
	}
}

func runAdd(ctx context.Context, id string, images []string) error {
	opts, err := addOptions()
	if err != nil {
		return fail("Invalid options", err)
	}
	m, err := loadRegistry(true)
	if err != nil {
		return fail("Failed to load profiles", err)
	}

	det, err := detector.Open(ctx, Cfg.Detector, 0)
	if err != nil {
		return fail("Failed to start detector", err)
	}
	defer det.Close()

	p, err := m.Get(id)
	if errors.Is(err, registry.ErrUnknownIdentity) {
		p = profile.New(id, nil, Cfg.Profiles.Tolerance)
		if _, err := m.Add(p); err != nil {
			return fail("Invalid profile id", err)
		}
		fmt.Fprintf(os.Stderr, "🆕 Created profile '%s'\n", id)
	}

	added := 0
	for _, path := range images {
		img, err := decodeImageFile(path)
		if err != nil {
			return fail("Failed to read image file", err)
		}
		faces, err := det.Detect(img)
		if err != nil {
			return fail("Face detection failed", err)
		}
		if len(faces) == 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %s: no face detected, skipped\n", path)
			continue
		}
		if len(faces) > 1 {
			fmt.Fprintf(os.Stderr, "⚠️  %s: %d faces detected. Using the largest face.\n", path, len(faces))
		}

		if addFace(p, largestFace(faces), opts) {
			added++
			fmt.Fprintf(os.Stderr, "✅ %s: encoding added\n", path)
		} else {
			avg, _ := p.DistanceAgainstSaved(largestFace(faces).Vec)
			fmt.Fprintf(os.Stderr, "❌ %s: rejected (average distance %.4f)\n", path, avg)
		}
	}

	if _, err := m.Save(); err != nil {
		return fail("Failed to save profiles", err)
	}
	fmt.Printf("Profile '%s' now holds %d encodings (%d added)\n", p.ID, len(p.Encodings), added)
	return nil
}

// addFace offers the face to p. The first encoding of an empty profile seeds it, since
// no saved encoding exists to compare against.
func addFace(p *profile.Profile, f types.Face, opts profile.AddOptions) bool {
	if len(p.Encodings) == 0 {
		opts.Force = true
	}
	return p.AddEncoding(f.Vec, opts)
}

// largestFace picks the face with the biggest box.
func largestFace(faces []types.Face) types.Face {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Loc.Area() > best.Loc.Area() {
			best = f
		}
	}
	return best
}

func runRename(oldID, newID string) error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	if err := renameProfile(m, oldID, newID); err != nil {
		return fail("Failed to rename profile", err)
	}
	if _, err := m.Save(); err != nil {
		return fail("Failed to save profiles", err)
	}
	fmt.Printf("✅ Profile '%s' renamed to '%s'\n", oldID, newID)
	return nil
}

// renameProfile moves oldID to newID, deleting the old record file.
func renameProfile(m *registry.Manager, oldID, newID string) error {
	if err := registry.CheckID(newID); err != nil {
		return err
	}
	if m.Exists(newID) {
		return fmt.Errorf("%w: '%s'", registry.ErrDuplicateIdentity, newID)
	}
	p, err := m.Get(oldID)
	if err != nil {
		return err
	}
	if err := m.Remove(oldID); err != nil {
		return err
	}
	p.ID = newID
	_, err = m.Add(p)
	return err
}

func runMerge(dstID string, srcIDs []string) error {
	opts, err := addOptions()
	if err != nil {
		return fail("Invalid options", err)
	}
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}

	accepted, rejected, err := mergeProfiles(m, dstID, srcIDs, opts, !profileKeep)
	if err != nil {
		return fail("Failed to merge profiles", err)
	}
	if _, err := m.Save(); err != nil {
		return fail("Failed to save profiles", err)
	}
	fmt.Printf("✅ Merged into '%s': %d encodings accepted, %d rejected\n", dstID, accepted, rejected)
	return nil
}

// mergeProfiles offers every encoding of srcIDs to dstID and, with remove set, deletes
// the sources.
func mergeProfiles(m *registry.Manager, dstID string, srcIDs []string, opts profile.AddOptions, remove bool) (accepted, rejected int, err error) {
	dst, err := m.Get(dstID)
	if err != nil {
		return 0, 0, err
	}
	sources := make([]*profile.Profile, 0, len(srcIDs))
	for _, id := range srcIDs {
		if id == dstID {
			return 0, 0, fmt.Errorf("cannot merge profile '%s' into itself", id)
		}
		src, err := m.Get(id)
		if err != nil {
			return 0, 0, err
		}
		sources = append(sources, src)
	}

	for _, src := range sources {
		for _, enc := range src.Encodings {
			if addFace(dst, types.Face{Vec: enc}, opts) {
				accepted++
			} else {
				rejected++
			}
		}
		if remove {
			if err := m.Remove(src.ID); err != nil {
				return accepted, rejected, err
			}
		}
	}
	return accepted, rejected, nil
}

func runDelete(id string) error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	if err := m.Remove(id); err != nil {
		return fail("Failed to delete profile", err)
	}
	fmt.Printf("🗑️  Profile '%s' deleted\n", id)
	return nil
}

func runClear(id string) error {
	m, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	p, err := m.Get(id)
	if err != nil {
		return fail("Unknown profile", err)
	}
	n := len(p.Encodings)
	p.ClearEncodings()
	if _, err := m.Save(); err != nil {
		return fail("Failed to save profiles", err)
	}
	fmt.Printf("🧹 Profile '%s' cleared (%d encodings dropped)\n", id, n)
	return nil
}
