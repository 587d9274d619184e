package cmd

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/persona/internal/detector"
	"github.com/andresmejia3/persona/internal/targeting"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	cropOpts    Options
	cropProfile string
	cropWidth   int
	cropHeight  int
)

var cropCmd = &cobra.Command{
	Use:   "crop",
	Short: "Render a video cropped around one profile's face",
	Long: `Every frame is searched for the face of the given profile and a window of the
requested size is cut around it. Frames where the face is not found reuse the previous
window, or a centered one before the first match.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCrop(cmd.Context(), cropOpts)
	},
}

func init() {
	cropCmd.Flags().StringVarP(&cropOpts.InputPath, "input", "i", "", "Path to input video")
	cropCmd.Flags().StringVarP(&cropOpts.OutputPath, "output", "o", "cropped.mp4", "Path to output video")
	cropCmd.Flags().StringVar(&cropProfile, "profile", "", "Id of the profile to follow")
	cropCmd.Flags().IntVar(&cropWidth, "width", 0, "Width of the output window in pixels")
	cropCmd.Flags().IntVar(&cropHeight, "height", 0, "Height of the output window in pixels")
	cropCmd.Flags().IntVarP(&cropOpts.NumEngines, "engines", "e", 0, "Number of parallel detector workers (default: detector.workers from config)")
	cropCmd.Flags().Float64VarP(&cropOpts.MatchThreshold, "tolerance", "t", 0, "Match tolerance (default: profiles.match_tolerance from config)")

	cropCmd.MarkFlagRequired("input")
	cropCmd.MarkFlagRequired("profile")
	cropCmd.MarkFlagRequired("width")
	cropCmd.MarkFlagRequired("height")
	rootCmd.AddCommand(cropCmd)
}

type cropResult struct {
	Index int
	Data  []byte
	Res   targeting.CropResult
}

func runCrop(ctx context.Context, opts Options) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, workers)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateCropFlags(&opts); err != nil {
		return fail("Invalid crop options", err)
	}
	size := image.Pt(cropWidth, cropHeight)

	profiles, err := loadRegistry(false)
	if err != nil {
		return fail("Failed to load profiles", err)
	}
	p, err := profiles.Get(cropProfile)
	if err != nil {
		return fail("Unknown profile", err)
	}
	if len(p.Encodings) == 0 {
		return fail("Profile has no encodings", fmt.Errorf("profile '%s' would match every face", p.ID))
	}
	targets := p.Encodings

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		return fail("Failed to determine video FPS", err)
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		return fail("Failed to determine video dimensions", err)
	}
	totalFrames := utils.GetTotalFrames(ctx, opts.InputPath)

	fmt.Fprintf(os.Stderr, "🎯 Following '%s' (%d encodings) in %dx%d video, window %dx%d\n",
		p.ID, len(targets), width, height, size.X, size.Y)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan cropResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+2)
	readyChan := make(chan bool, opts.NumEngines)
	var wg sync.WaitGroup

	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			det, err := detector.Open(ctx, Cfg.Detector, id)
			if err != nil {
				utils.ShowError("Worker startup failed", err, nil)
				abortWorkers(errChan, cancel, err)
				return
			}
			defer det.Close()
			readyChan <- true

			for task := range taskChan {
				frame := rgbaFrame(task.Data, width, height)
				res, err := targeting.LocateAndCrop(det, frame, size, targets, opts.MatchThreshold)
				if err != nil {
					det.Close()
					utils.ShowError("Detector crashed", err, workerLogs(det))
					abortWorkers(errChan, cancel, err)
					return
				}
				select {
				case resultsChan <- cropResult{Index: task.Index, Data: task.Data, Res: res}:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	// Wait for workers to be ready
	fmt.Fprintln(os.Stderr, "🚀 Warming up detectors...")
	for i := 0; i < opts.NumEngines; i++ {
		select {
		case <-readyChan:
		case err := <-errChan:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	decoder := utils.NewFFmpegRawDecoder(ctx, opts.InputPath)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		return fail("Failed to create decoder pipe", err)
	}
	if err := decoder.Start(); err != nil {
		return fail("Failed to start decoder", err)
	}

	encoder := utils.NewFFmpegEncoder(ctx, opts.OutputPath, fps, size.X, size.Y)
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		return fail("Failed to create encoder pipe", err)
	}
	if err := encoder.Start(); err != nil {
		return fail("Failed to start encoder", err)
	}

	go func() {
		frameSize := width * height * 4
		idx := 0
		defer close(taskChan)
		for {
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < frameSize {
				buf = make([]byte, frameSize)
			}
			buf = buf[:frameSize]

			if _, err := io.ReadFull(decoderOut, buf); err != nil {
				// EOF or unexpected error, stop reading
				frameBufferPool.Put(buf)
				return
			}

			select {
			case taskChan <- types.FrameTask{Index: idx, Data: buf}:
				idx++
			case <-ctx.Done():
				return
			}
		}
	}()

	var barTotal int64 = int64(totalFrames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("✂️  Cropping"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	tracker := targeting.NewTracker(nil, size, targets, opts.MatchThreshold)
	err = writeOrdered(ctx, resultsChan, errChan, func(frame cropResult) error {
		out, _ := tracker.Resolve(rgbaFrame(frame.Data, width, height), frame.Res)
		if _, err := encoderIn.Write(out.Pix); err != nil {
			return fmt.Errorf("failed to write to encoder: %w", err)
		}
		// Release buffer back to pool
		frameBufferPool.Put(frame.Data)
		bar.Add(1)
		return nil
	})
	if err != nil {
		return err
	}

	encoderIn.Close()
	if err := encoder.Wait(); err != nil {
		return fail("Encoder process failed", err)
	}
	if err := decoder.Wait(); err != nil {
		return fail("Decoder process failed", err)
	}

	bar.Finish()
	hits, misses := tracker.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Crop Complete. Face located in %d of %d frames, written to %s\n", hits, hits+misses, opts.OutputPath)
	return nil
}

// writeOrdered hands results to emit in frame order until results is closed. A worker
// error ends the run even when it races with the close of results.
func writeOrdered(ctx context.Context, results <-chan cropResult, errs <-chan error, emit func(cropResult) error) error {
	buffer := make(map[int]cropResult)
	nextFrame := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case res, ok := <-results:
			if !ok {
				select {
				case err := <-errs:
					return err
				default:
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				return nil
			}
			buffer[res.Index] = res

			for {
				frame, ok := buffer[nextFrame]
				if !ok {
					break
				}
				delete(buffer, nextFrame)
				if err := emit(frame); err != nil {
					return err
				}
				nextFrame++
			}
		}
	}
}

// rgbaFrame wraps raw decoder output as an image without copying.
func rgbaFrame(pix []byte, width, height int) *image.RGBA {
	return &image.RGBA{
		Pix:    pix,
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
}

func validateCropFlags(opts *Options) error {
	if err := checkInputFile(opts.InputPath); err != nil {
		return err
	}
	if cropWidth <= 0 || cropHeight <= 0 {
		return fmt.Errorf("window size must be positive, got %dx%d", cropWidth, cropHeight)
	}
	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = Cfg.Detector.Workers
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.MatchThreshold == 0 {
		opts.MatchThreshold = Cfg.Profiles.MatchTolerance
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = targeting.DefaultMatchTolerance
	}
	return nil
}
