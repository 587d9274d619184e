package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/persona/internal/detector"
	"github.com/andresmejia3/persona/internal/enroll"
	"github.com/andresmejia3/persona/internal/types"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

// Options holds shared configuration for scan, crop, and find commands
type Options struct {
	InputPath      string
	OutputPath     string
	Every          time.Duration
	NumEngines     int
	MatchThreshold float64
	Tolerance      float64
	ThumbSize      int
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Collect every distinct face of a video as candidate profiles",
	Long: `Samples the video at a fixed interval, keeps each face that matches none of the
faces already kept, and writes them as candidate-<n> profile records with a JPEG
thumbnail each. Rename a record (and its id) to label the person.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.OutputPath, "out", "o", "candidates", "Directory for candidate records and thumbnails")
	scanCmd.Flags().DurationVar(&scanOpts.Every, "every", time.Second, "Sampling interval (e.g. 1s, 500ms)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 0, "Number of parallel detector workers (default: detector.workers from config)")
	scanCmd.Flags().Float64VarP(&scanOpts.MatchThreshold, "threshold", "t", 0.6, "Distance under which two faces are the same person")
	scanCmd.Flags().Float64Var(&scanOpts.Tolerance, "tolerance", 0, "Acceptance tolerance written to the candidate records (default: profiles.tolerance from config)")
	scanCmd.Flags().IntVar(&scanOpts.ThumbSize, "thumb-size", 160, "Longest side of the thumbnails in pixels (0 keeps the face crop size)")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// scanResult wraps the output from a worker to be sent to the aggregator
type scanResult struct {
	Index int
	Data  []byte
	Faces []types.Face
}

// runScan orchestrates the enrollment scan: worker pool, FFmpeg streaming, ordered
// aggregation and progress tracking.
func runScan(ctx context.Context, opts Options) error {
	// Kill FFmpeg and the workers if we return early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateScanFlags(&opts); err != nil {
		return fail("Invalid scan options", err)
	}

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		return fail("Failed to determine video FPS", err)
	}
	step := enroll.FrameStep(opts.Every, fps)
	fmt.Fprintf(os.Stderr, "📼 Sampling 1 frame out of %d (%.2f fps)\n", step, fps)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detector Workers (%s)...\n", opts.NumEngines, Cfg.Detector.Backend)

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner if ffprobe cannot count frames
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Persona Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	taskChan := make(chan types.FrameTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+2)
	var wg sync.WaitGroup

	// Start the aggregator first so workers never block on resultsChan
	collector := enroll.NewCollector(opts.MatchThreshold, opts.ThumbSize)
	aggErr := make(chan error, 1)
	go func() {
		aggErr <- collectResults(resultsChan, step, collector)
	}()

	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := startWorker(ctx, id, taskChan, resultsChan); err != nil {
				abortWorkers(errChan, cancel, err)
			}
		}(i)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fail("Failed to create FFmpeg stdout pipe", err)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		return fail("Failed to start FFmpeg", err)
	}

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames := 0
	sentFrames := 0
Feed:
	for scanner.Scan() {
		idx := totalFrames
		totalFrames++
		bar.Add(1)

		if idx%step != 0 {
			continue
		}

		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case taskChan <- types.FrameTask{Index: idx, Data: buf}:
			sentFrames++
		case <-ctx.Done():
			break Feed
		}
	}
	close(taskChan)
	wg.Wait()
	close(resultsChan)
	collectErr := <-aggErr

	select {
	case err := <-errChan:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fail("Frame scanner failed", err)
	}
	if err := ffmpeg.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fail("FFmpeg execution failed", err)
	}
	if collectErr != nil {
		return fail("Failed to aggregate results", collectErr)
	}

	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Processed %d keyframes out of %d total.\n", sentFrames, totalFrames)

	written, err := collector.Save(opts.OutputPath, opts.Tolerance)
	if err != nil {
		return fail("Failed to save candidates", err)
	}
	printScanSummary(collector, fps, opts.OutputPath)
	fmt.Fprintf(os.Stderr, "💾 Wrote %d files to %s\n", len(written), opts.OutputPath)
	return nil
}

// startWorker runs one detector until tasks is drained. Frame buffers travel on to the
// aggregator, which returns them to the pool.
func startWorker(ctx context.Context, id int, tasks <-chan types.FrameTask, results chan<- scanResult) error {
	det, err := detector.Open(ctx, Cfg.Detector, id)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer det.Close()

	for task := range tasks {
		faces, err := det.DetectJPEG(task.Data)
		if err != nil {
			// Close first so the worker's final stderr is captured
			det.Close()
			utils.ShowError("Detector crashed", err, workerLogs(det))
			return err
		}
		select {
		case results <- scanResult{Index: task.Index, Data: task.Data, Faces: faces}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// abortWorkers records the first worker failure and cancels the run, so the frame feeder
// and the remaining workers stop instead of waiting on each other.
func abortWorkers(errs chan<- error, cancel context.CancelFunc, err error) {
	select {
	case errs <- err:
	default:
	}
	cancel()
}

// workerLogs returns the captured stderr of process backed detectors.
func workerLogs(d detector.Detector) *utils.SafeCommand {
	if p, ok := d.(*detector.Python); ok {
		return p.Logs()
	}
	return nil
}

// collectResults feeds worker results to c in frame order. Frames arrive every step
// frames starting at 0; workers may finish out of order.
func collectResults(results <-chan scanResult, step int, c *enroll.Collector) error {
	// Buffer for re-ordering frames (Worker 2 might finish before Worker 1)
	buffer := make(map[int]scanResult)
	nextFrame := 0
	var firstErr error

	for res := range results {
		buffer[res.Index] = res

		for {
			frame, ok := buffer[nextFrame]
			if !ok {
				break
			}
			delete(buffer, nextFrame)
			nextFrame += step

			if len(frame.Faces) == 0 || firstErr != nil {
				frameBufferPool.Put(frame.Data)
				continue
			}
			img, err := jpeg.Decode(bytes.NewReader(frame.Data))
			frameBufferPool.Put(frame.Data)
			if err != nil {
				firstErr = fmt.Errorf("frame %d: %w", frame.Index, err)
				continue
			}
			c.Observe(frame.Index, img, frame.Faces)
		}
	}
	return firstErr
}

func printScanSummary(c *enroll.Collector, fps float64, dir string) {
	cands := c.Candidates()
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SCAN SUMMARY: %d distinct faces out of %d detections\n", len(cands), c.Seen())
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	if len(cands) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CANDIDATE\tFIRST SEEN\tBOX\tTHUMBNAIL")
	fmt.Fprintln(w, "---------\t----------\t---\t---------")
	for i, cand := range cands {
		id := enroll.CandidateID(i + 1)
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", id, fmtTime(float64(cand.Frame)/fps), cand.Loc.Rect(), filepath.Join(dir, id+".jpg"))
	}
	w.Flush()
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
// Zero values for config-backed options are filled from Cfg.
func validateScanFlags(opts *Options) error {
	if err := checkInputFile(opts.InputPath); err != nil {
		return err
	}
	if opts.Every < 0 {
		return fmt.Errorf("sampling interval must not be negative, got %v", opts.Every)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = Cfg.Detector.Workers
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 1.0 {
		return fmt.Errorf("match threshold must be between 0.0 and 1.0, got %f", opts.MatchThreshold)
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = Cfg.Profiles.Tolerance
	}
	if opts.ThumbSize < 0 {
		return fmt.Errorf("thumbnail size must not be negative, got %d", opts.ThumbSize)
	}
	if opts.OutputPath == "" {
		return fmt.Errorf("output directory must not be empty")
	}
	return nil
}

// checkInputFile makes sure path names a regular file.
func checkInputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path '%s' is a directory, expected a file", path)
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
