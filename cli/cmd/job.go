package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"rendernet/pkg/jobs"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and track render jobs",
	}
	cmd.AddCommand(newJobSubmitCmd())
	cmd.AddCommand(newJobAnimateCmd())
	cmd.AddCommand(newJobProgressCmd())
	cmd.AddCommand(newJobFramesCmd())
	cmd.AddCommand(newJobEstimateCmd())
	cmd.AddCommand(newJobRetryCmd())
	cmd.AddCommand(newJobWaitCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

// renderFlags binds the submission fields shared by submit, animate and estimate.
type renderFlags struct {
	name       string
	sceneURL   string
	engine     string
	quality    string
	format     string
	priority   string
	width      int
	height     int
	frameStart int
	frameEnd   int
	samples    int
	maxCost    float64
}

func (f *renderFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "job name")
	cmd.Flags().StringVar(&f.sceneURL, "scene", "", "scene file URL (required)")
	cmd.Flags().StringVar(&f.engine, "engine", "", "octane|redshift|arnold|cycles|blender")
	cmd.Flags().StringVar(&f.quality, "quality", "", "draft|standard|high|production")
	cmd.Flags().StringVar(&f.format, "format", "", "png|jpg|jpeg|exr|tiff")
	cmd.Flags().StringVar(&f.priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().IntVar(&f.width, "width", 0, "output width in pixels")
	cmd.Flags().IntVar(&f.height, "height", 0, "output height in pixels")
	cmd.Flags().IntVar(&f.frameStart, "frame-start", 0, "first frame")
	cmd.Flags().IntVar(&f.frameEnd, "frame-end", 0, "last frame")
	cmd.Flags().IntVar(&f.samples, "samples", 0, "samples per pixel")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "cost ceiling")
	_ = cmd.MarkFlagRequired("scene")
}

func (f *renderFlags) config() jobs.RenderConfig {
	cfg := jobs.RenderConfig{
		Name:         f.name,
		SceneURL:     f.sceneURL,
		Engine:       jobs.Engine(f.engine),
		Quality:      jobs.Quality(f.quality),
		OutputFormat: f.format,
		Priority:     jobs.Priority(f.priority),
		FrameStart:   f.frameStart,
		FrameEnd:     f.frameEnd,
		Samples:      f.samples,
		MaxCost:      f.maxCost,
	}
	if f.width > 0 || f.height > 0 {
		cfg.Resolution = &jobs.Resolution{Width: f.width, Height: f.height}
	}
	return cfg
}

func newJobSubmitCmd() *cobra.Command {
	var rf renderFlags
	var wait bool
	cmd := &cobra.Command{Use: "submit", Short: "Submit a render job", RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		orch := newOrchestrator(s, newLogger("renderctl"))
		job, err := orch.SubmitRenderJob(cmd.Context(), rf.config())
		if err != nil {
			return err
		}
		if err := printJob(cmd.OutOrStdout(), job); err != nil {
			return err
		}
		if !wait {
			return nil
		}
		return waitAndPrint(cmd, orch, job.ID, jobs.WaitOptions{})
	}}
	rf.bind(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	return cmd
}

func newJobAnimateCmd() *cobra.Command {
	var rf renderFlags
	var fps int
	cmd := &cobra.Command{Use: "animate", Short: "Submit an animation (frame range) job", RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		orch := newOrchestrator(s, newLogger("renderctl"))
		job, err := orch.SubmitAnimationJob(cmd.Context(), jobs.AnimationConfig{RenderConfig: rf.config(), FPS: fps})
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job)
	}}
	rf.bind(cmd)
	cmd.Flags().IntVar(&fps, "fps", 0, "playback frame rate (default 24)")
	_ = cmd.MarkFlagRequired("frame-end")
	return cmd
}

func newJobProgressCmd() *cobra.Command {
	return &cobra.Command{Use: "progress <job-id>", Short: "Show job progress and ETA", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		p, err := newOrchestrator(s, newLogger("renderctl")).GetJobProgress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatProgress(p))
		return nil
	}}
}

func newJobFramesCmd() *cobra.Command {
	var frames string
	cmd := &cobra.Command{Use: "frames <job-id>", Short: "List approximate per-frame status", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseFrameList(frames)
		if err != nil {
			return err
		}
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		statuses, err := newOrchestrator(s, newLogger("renderctl")).GetFrameStatuses(cmd.Context(), args[0], filter)
		if err != nil {
			return err
		}
		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), statuses)
		}
		for _, fs := range statuses {
			fmt.Fprintf(cmd.OutOrStdout(), " %6d  %s\n", fs.Frame, frameColor(fs.Status).Sprint(fs.Status))
		}
		return nil
	}}
	cmd.Flags().StringVar(&frames, "frames", "", "frames to show, e.g. 1,4,10-20 (default all)")
	return cmd
}

func newJobEstimateCmd() *cobra.Command {
	var rf renderFlags
	cmd := &cobra.Command{Use: "estimate", Short: "Estimate the cost of a render", RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		est, err := newOrchestrator(s, newLogger("renderctl")).EstimateCost(cmd.Context(), rf.config())
		if err != nil {
			return err
		}
		if output == "json" {
			if len(est.Raw) > 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(est.Raw))
				return err
			}
			return writeJSON(cmd.OutOrStdout(), est)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Estimated cost: %.4f %s\n", est.EstimatedCost, est.Currency)
		if est.EstimatedDurationSeconds > 0 {
			d := time.Duration(est.EstimatedDurationSeconds * float64(time.Second)).Round(time.Second)
			fmt.Fprintf(cmd.OutOrStdout(), "Estimated duration: %s\n", d)
		}
		return nil
	}}
	rf.bind(cmd)
	return cmd
}

func newJobRetryCmd() *cobra.Command {
	var failedOnly bool
	var priority string
	cmd := &cobra.Command{Use: "retry <job-id>", Short: "Resubmit a job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		job, err := newOrchestrator(s, newLogger("renderctl")).RetryJob(cmd.Context(), args[0], jobs.RetryOptions{
			RetryFailedFramesOnly: failedOnly,
			Priority:              jobs.Priority(priority),
		})
		if err != nil {
			return err
		}
		return printJob(cmd.OutOrStdout(), job)
	}}
	cmd.Flags().BoolVar(&failedOnly, "failed-only", false, "only re-render failed frames")
	cmd.Flags().StringVar(&priority, "priority", "", "priority override for the new job")
	return cmd
}

func newJobWaitCmd() *cobra.Command {
	var interval, timeout time.Duration
	cmd := &cobra.Command{Use: "wait <job-id>", Short: "Poll until the job finishes", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		orch := newOrchestrator(s, newLogger("renderctl"))
		return waitAndPrint(cmd, orch, args[0], jobs.WaitOptions{PollInterval: interval, Timeout: timeout})
	}}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default RENDER_POLL_INTERVAL or 5s)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default RENDER_WAIT_TIMEOUT or 1h)")
	return cmd
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{Use: "cancel <job-id>", Short: "Cancel a job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		if err := s.Validate(); err != nil {
			return err
		}
		if err := newOrchestrator(s, newLogger("renderctl")).CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
		return nil
	}}
}

func waitAndPrint(cmd *cobra.Command, orch *jobs.Orchestrator, jobID string, opts jobs.WaitOptions) error {
	if output != "json" {
		opts.OnProgress = func(p *jobs.Progress) {
			fmt.Fprintln(cmd.ErrOrStderr(), formatProgress(p))
		}
	}
	job, err := orch.WaitForCompletion(cmd.Context(), jobID, opts)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}

func printJob(w io.Writer, job *jobs.Job) error {
	if output == "json" {
		return writeJSON(w, job)
	}
	fmt.Fprintf(w, "%s  %s", job.ID, statusColor(job.Status).Sprint(job.Status))
	if job.Name != "" {
		fmt.Fprintf(w, "  %q", job.Name)
	}
	fmt.Fprintln(w)
	for _, u := range job.OutputURLs {
		fmt.Fprintf(w, "  -> %s\n", u)
	}
	return nil
}

func formatProgress(p *jobs.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %.1f%%", p.JobID, statusColor(p.Status).Sprint(p.Status), p.Progress)
	if p.CurrentFrame != nil && p.TotalFrames != nil {
		fmt.Fprintf(&b, "  frames %d/%d", *p.CurrentFrame, *p.TotalFrames)
	}
	if eta, ok := p.ETA(); ok {
		fmt.Fprintf(&b, "  eta %s", eta)
	}
	if p.CurrentNode != "" {
		fmt.Fprintf(&b, "  node %s", p.CurrentNode)
	}
	return b.String()
}

// parseFrameList parses "1,4,10-12" into frame numbers.
func parseFrameList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var frames []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, isRange := strings.Cut(part, "-"); isRange {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || end < start {
				return nil, fmt.Errorf("invalid frame range %q", part)
			}
			for f := start; f <= end; f++ {
				frames = append(frames, f)
			}
			continue
		}
		f, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid frame %q", part)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func statusColor(s jobs.Status) *color.Color {
	switch s {
	case jobs.StatusCompleted:
		return color.New(color.FgGreen)
	case jobs.StatusFailed, jobs.StatusTimeout:
		return color.New(color.FgRed)
	case jobs.StatusCancelled:
		return color.New(color.FgYellow)
	case jobs.StatusRendering, jobs.StatusProcessing, jobs.StatusUploading:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Reset)
	}
}

func frameColor(s jobs.FrameState) *color.Color {
	switch s {
	case jobs.FrameCompleted:
		return color.New(color.FgGreen)
	case jobs.FrameRendering:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}
