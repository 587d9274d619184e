package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/persona/internal/detector"
	"github.com/andresmejia3/persona/internal/registry"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	findOpts   Options
	findRemote bool
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the faces of an image against the known profiles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0], findOpts)
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findOpts.MatchThreshold, "threshold", "t", 0, "Face matching threshold (default: profiles.match_tolerance from config)")
	findCmd.Flags().BoolVar(&findRemote, "remote", false, "Search the PostgreSQL mirror instead of the profiles directory")
	rootCmd.AddCommand(findCmd)
}

// match is the identification of one detected face.
type match struct {
	Face     types.Face
	ID       string
	Distance float64
}

// identifier resolves an encoding to a profile id, "" meaning no match.
type identifier func(ctx context.Context, f types.Face, threshold float64) (string, float64, error)

func runFind(ctx context.Context, imagePath string, opts Options) error {
	if err := checkInputFile(imagePath); err != nil {
		return fail("Invalid input image", err)
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = Cfg.Profiles.MatchTolerance
	}

	identify, err := newIdentifier(ctx, findRemote)
	if err != nil {
		return fail("Failed to load profiles", err)
	}

	img, err := decodeImageFile(imagePath)
	if err != nil {
		return fail("Failed to read image file", err)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting detector...")
	det, err := detector.Open(ctx, Cfg.Detector, 0)
	if err != nil {
		return fail("Failed to start detector", err)
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := det.Detect(img)
	if err != nil {
		det.Close()
		return fail("Face detection failed", err)
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	matches, err := identifyAll(ctx, faces, identify, opts.MatchThreshold)
	if err != nil {
		return fail("Profile search failed", err)
	}
	printMatches(matches)
	return nil
}

// newIdentifier picks the profile source: the local registry or the database mirror.
func newIdentifier(ctx context.Context, remote bool) (identifier, error) {
	if remote {
		db, err := connectDB(ctx)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
		return func(ctx context.Context, f types.Face, threshold float64) (string, float64, error) {
			return db.FindClosestProfile(ctx, f.Vec, threshold)
		}, nil
	}

	m, err := loadRegistry(false)
	if err != nil {
		return nil, err
	}
	return registryIdentifier(m), nil
}

func registryIdentifier(m *registry.Manager) identifier {
	return func(_ context.Context, f types.Face, threshold float64) (string, float64, error) {
		id, dist, _ := m.Identify(f.Vec, threshold)
		return id, dist, nil
	}
}

func identifyAll(ctx context.Context, faces []types.Face, identify identifier, threshold float64) ([]match, error) {
	out := make([]match, 0, len(faces))
	for _, f := range faces {
		id, dist, err := identify(ctx, f, threshold)
		if err != nil {
			return nil, err
		}
		out = append(out, match{Face: f, ID: id, Distance: dist})
	}
	return out, nil
}

func printMatches(matches []match) {
	found := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tPROFILE\tDISTANCE")
	fmt.Fprintln(w, "----\t---\t-------\t--------")
	for i, m := range matches {
		if m.ID == "" {
			fmt.Fprintf(w, "%d\t%v\t%s\t%s\n", i+1, m.Face.Loc.Rect(), "-", "-")
			continue
		}
		found++
		fmt.Fprintf(w, "%d\t%v\t%s\t%.4f\n", i+1, m.Face.Loc.Rect(), m.ID, m.Distance)
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "✅ %d of %d faces matched a profile\n", found, len(matches))
}

// decodeImageFile reads any registered image format.
func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode '%s': %w", path, err)
	}
	return img, nil
}
