package jobs

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"rendernet/pkg/clients/render"
	"rendernet/pkg/logging"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultWaitTimeout  = time.Hour

	// sharedFetchTimeout bounds a coalesced snapshot fetch, which no longer
	// follows any single caller's context.
	sharedFetchTimeout = 30 * time.Second
)

// Defaults are applied to submissions that leave a field empty.
type Defaults struct {
	Engine       Engine
	Quality      Quality
	OutputFormat string
	Priority     Priority
	// FrameStart and FPS apply to animations only.
	FrameStart   int
	FPS          int
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// DefaultSettings returns the stock submission defaults.
func DefaultSettings() Defaults {
	return Defaults{
		Engine:       EngineOctane,
		Quality:      QualityStandard,
		OutputFormat: "png",
		Priority:     PriorityNormal,
		FrameStart:   1,
		FPS:          24,
		PollInterval: DefaultPollInterval,
		WaitTimeout:  DefaultWaitTimeout,
	}
}

// Orchestrator turns the job REST primitives into submit, progress, retry and
// wait workflows. It holds no job state between calls.
type Orchestrator struct {
	client   render.Requester
	logger   logging.Logger
	now      func() time.Time
	defaults Defaults
	validate *validator.Validate
	metrics  *Metrics
	fetches  singleflight.Group
}

type Option func(*Orchestrator)

func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrDiscard(logger) }
}

// WithClock replaces the clock used for ETA derivation.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaults overrides submission and wait defaults. Zero fields keep the
// stock value.
func WithDefaults(d Defaults) Option {
	return func(o *Orchestrator) {
		if d.Engine != "" {
			o.defaults.Engine = d.Engine
		}
		if d.Quality != "" {
			o.defaults.Quality = d.Quality
		}
		if d.OutputFormat != "" {
			o.defaults.OutputFormat = d.OutputFormat
		}
		if d.Priority != "" {
			o.defaults.Priority = d.Priority
		}
		if d.FrameStart > 0 {
			o.defaults.FrameStart = d.FrameStart
		}
		if d.FPS > 0 {
			o.defaults.FPS = d.FPS
		}
		if d.PollInterval > 0 {
			o.defaults.PollInterval = d.PollInterval
		}
		if d.WaitTimeout > 0 {
			o.defaults.WaitTimeout = d.WaitTimeout
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator over client.
func NewOrchestrator(client render.Requester, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		logger:   logging.NewDiscardLogger(),
		now:      time.Now,
		defaults: DefaultSettings(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	Type string `json:"type"`
	RenderConfig
	FPS                   int    `json:"fps,omitempty"`
	RetryOf               string `json:"retryOf,omitempty"`
	RetryFailedFramesOnly bool   `json:"retryFailedFramesOnly,omitempty"`
}

// SubmitRenderJob applies defaults, validates and creates a render job.
func (o *Orchestrator) SubmitRenderJob(ctx context.Context, cfg RenderConfig) (*Job, error) {
	o.applyDefaults(&cfg)
	if err := o.validate.Struct(cfg); err != nil {
		o.metrics.submission("render", "invalid")
		return nil, &Error{Kind: KindInvalid, Message: "invalid render config", Err: err}
	}
	return o.submit(ctx, TypeRender, submitRequest{Type: TypeRender, RenderConfig: cfg})
}

// SubmitAnimationJob applies defaults, validates and creates an animation job.
func (o *Orchestrator) SubmitAnimationJob(ctx context.Context, cfg AnimationConfig) (*Job, error) {
	o.applyDefaults(&cfg.RenderConfig)
	if cfg.FrameStart == 0 {
		cfg.FrameStart = o.defaults.FrameStart
	}
	if cfg.FPS == 0 {
		cfg.FPS = o.defaults.FPS
	}
	if err := o.validate.Struct(cfg); err != nil {
		o.metrics.submission("animation", "invalid")
		return nil, &Error{Kind: KindInvalid, Message: "invalid animation config", Err: err}
	}
	if cfg.FrameEnd < cfg.FrameStart {
		o.metrics.submission("animation", "invalid")
		return nil, &Error{Kind: KindInvalid, Message: "animation frame end must not precede frame start"}
	}
	return o.submit(ctx, TypeAnimation, submitRequest{Type: TypeAnimation, RenderConfig: cfg.RenderConfig, FPS: cfg.FPS})
}

func (o *Orchestrator) applyDefaults(cfg *RenderConfig) {
	if cfg.Engine == "" {
		cfg.Engine = o.defaults.Engine
	}
	if cfg.Quality == "" {
		cfg.Quality = o.defaults.Quality
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = o.defaults.OutputFormat
	}
	if cfg.Priority == "" {
		cfg.Priority = o.defaults.Priority
	}
}

func (o *Orchestrator) submit(ctx context.Context, kind string, req submitRequest) (*Job, error) {
	res := o.client.Request(ctx, http.MethodPost, "/jobs", req, nil)
	if !res.Success {
		o.metrics.submission(kind, "error")
		return nil, &Error{Kind: KindRemote, Message: "job submission failed", Err: res.Err()}
	}

	var job Job
	if err := res.Decode(&job); err != nil {
		o.metrics.submission(kind, "error")
		return nil, &Error{Kind: KindRemote, Message: "malformed job submission response", Err: err}
	}
	if job.ID == "" {
		o.metrics.submission(kind, "error")
		return nil, &Error{Kind: KindRemote, Message: "job submission returned no job id"}
	}

	o.metrics.submission(kind, "ok")
	o.logger.WithFields(logging.Fields{
		"job_id":    job.ID,
		"job_type":  kind,
		"retry_of":  req.RetryOf,
		"engine":    req.Engine,
		"scene_url": req.SceneURL,
	}).Info("Submitted render job")
	return &job, nil
}

// GetJob fetches one snapshot of a job. Concurrent fetches of the same id share
// one request; nothing is kept once it returns. Each caller stops waiting when
// its own ctx ends, without failing the others.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, &Error{Kind: KindInvalid, Message: "job id is required"}
	}
	key := jobID
	if render.RetryDisabled(ctx) {
		key += "\x00once"
	}
	ch := o.fetches.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		return o.fetchJob(fetchCtx, jobID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Job).clone(), nil
	}
}

func (o *Orchestrator) fetchJob(ctx context.Context, jobID string) (*Job, error) {
	start := time.Now()
	res := o.client.Request(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil)
	if !res.Success {
		o.metrics.poll("error", time.Since(start).Seconds())
		if res.NotFound() {
			return nil, &Error{Kind: KindNotFound, Message: "job not found", Err: res.Err()}
		}
		return nil, &Error{Kind: KindRemote, Message: "failed to fetch job", Err: res.Err()}
	}

	var job Job
	if err := res.Decode(&job); err != nil {
		o.metrics.poll("error", time.Since(start).Seconds())
		return nil, &Error{Kind: KindRemote, Message: "malformed job payload", Err: err}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	o.metrics.poll("ok", time.Since(start).Seconds())
	return &job, nil
}

// GetJobProgress fetches a snapshot and derives its progress.
func (o *Orchestrator) GetJobProgress(ctx context.Context, jobID string) (*Progress, error) {
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return DeriveProgress(job, o.now()), nil
}

// DeriveProgress computes progress for job as of now. The ETA is
// framesRemaining * elapsed / max(framesCompleted, 1), rounded to seconds, and is
// only set while rendering with known frames and start time.
func DeriveProgress(job *Job, now time.Time) *Progress {
	p := &Progress{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentNode: job.NodeID,
	}
	if job.Frames == nil {
		return p
	}

	completed, total := job.Frames.Completed, job.Frames.Total
	p.CurrentFrame = &completed
	p.TotalFrames = &total

	if job.Status != StatusRendering || job.StartedAt == nil {
		return p
	}
	elapsed := now.Sub(*job.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := total - completed
	if remaining < 0 {
		remaining = 0
	}
	done := completed
	if done < 1 {
		done = 1
	}
	eta := int64(math.Round(float64(remaining) * elapsed / float64(done)))
	p.EstimatedTimeRemaining = &eta
	return p
}

// GetFrameStatuses synthesizes a per-frame listing from the job's aggregate
// counter. filter, when non-nil, restricts the listing to those frame numbers.
func (o *Orchestrator) GetFrameStatuses(ctx context.Context, jobID string, filter []int) ([]FrameStatus, error) {
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return SynthesizeFrameStatuses(job, filter), nil
}

// SynthesizeFrameStatuses numbers frames 1..total: the first Completed frames are
// completed, the next one is rendering while the job renders, the rest pending.
// The result is always in ascending frame order.
func SynthesizeFrameStatuses(job *Job, filter []int) []FrameStatus {
	if job.Frames == nil || job.Frames.Total <= 0 {
		return []FrameStatus{}
	}

	frames := make([]int, 0, job.Frames.Total)
	if filter == nil {
		for f := 1; f <= job.Frames.Total; f++ {
			frames = append(frames, f)
		}
	} else {
		seen := make(map[int]struct{}, len(filter))
		for _, f := range filter {
			if f < 1 || f > job.Frames.Total {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			frames = append(frames, f)
		}
		sort.Ints(frames)
	}

	completed := job.Frames.Completed
	out := make([]FrameStatus, 0, len(frames))
	for _, f := range frames {
		state := FramePending
		switch {
		case f <= completed:
			state = FrameCompleted
		case f == completed+1 && job.Status == StatusRendering:
			state = FrameRendering
		}
		out = append(out, FrameStatus{Frame: f, Status: state})
	}
	return out
}

// EstimateCost asks the network to price cfg. The payload is passed through.
func (o *Orchestrator) EstimateCost(ctx context.Context, cfg RenderConfig) (*CostEstimate, error) {
	o.applyDefaults(&cfg)
	if err := o.validate.Struct(cfg); err != nil {
		return nil, &Error{Kind: KindInvalid, Message: "invalid render config", Err: err}
	}

	res := o.client.Request(ctx, http.MethodPost, "/jobs/estimate", cfg, nil)
	if !res.Success {
		return nil, &Error{Kind: KindRemote, Message: "cost estimate failed", Err: res.Err()}
	}
	var est CostEstimate
	if err := res.Decode(&est); err != nil {
		return nil, &Error{Kind: KindRemote, Message: "malformed cost estimate", Err: err}
	}
	est.Raw = append([]byte(nil), res.Data...)
	return &est, nil
}

// RetryJob submits a fresh job cloned from jobID and tagged with retryOf. The
// original job is never modified.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string, opts RetryOptions) (*Job, error) {
	original, err := o.GetJob(ctx, jobID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, &Error{Kind: KindNotFound, Message: "original job not found", Err: errors.Unwrap(err)}
		}
		return nil, err
	}

	priority := original.Priority
	if opts.Priority != "" {
		priority = opts.Priority
	}
	jobType := original.Type
	if jobType == "" {
		jobType = TypeRender
	}
	req := submitRequest{
		Type: jobType,
		RenderConfig: RenderConfig{
			Name:         original.Name,
			SceneURL:     original.SceneURL,
			Engine:       original.Engine,
			Quality:      original.Quality,
			OutputFormat: original.OutputFormat,
			Priority:     priority,
			Resolution:   original.Resolution,
			FrameStart:   original.FrameStart,
			FrameEnd:     original.FrameEnd,
			Samples:      original.Samples,
			MaxCost:      original.MaxCost,
			Metadata:     original.Metadata,
		},
		RetryOf:               original.ID,
		RetryFailedFramesOnly: opts.RetryFailedFramesOnly,
	}
	if jobType == TypeAnimation {
		req.FPS = original.FPS
		if req.FPS == 0 {
			req.FPS = o.defaults.FPS
		}
	}
	o.applyDefaults(&req.RenderConfig)
	return o.submit(ctx, "retry", req)
}

// CancelJob asks the network to cancel jobID.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &Error{Kind: KindInvalid, Message: "job id is required"}
	}
	res := o.client.Request(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
	if !res.Success {
		if res.NotFound() {
			return &Error{Kind: KindNotFound, Message: "job not found", Err: res.Err()}
		}
		return &Error{Kind: KindRemote, Message: "job cancellation failed", Err: res.Err()}
	}
	o.logger.WithField("job_id", jobID).Info("Cancelled render job")
	return nil
}

// WaitForCompletion polls jobID until it reaches a terminal state or the wait
// budget runs out. Only a completed job is returned without error; failed and
// cancelled jobs yield an *Error carrying the last snapshot. A poll failure ends
// the wait immediately.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, jobID string, opts WaitOptions) (*Job, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = o.defaults.PollInterval
	}
	budget := opts.Timeout
	if budget <= 0 {
		budget = o.defaults.WaitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	log := o.logger.WithFields(logging.Fields{"job_id": jobID, "poll_interval": interval.String()})
	timer := time.NewTimer(interval)
	defer timer.Stop()

	polls := 0
	for {
		job, err := o.GetJob(render.WithoutRetry(waitCtx), jobID)
		polls++
		if err != nil {
			if werr := o.waitContextError(ctx, waitCtx, jobID, budget, nil); werr != nil {
				return nil, werr
			}
			o.metrics.waitOutcome("error")
			return nil, err
		}

		if opts.OnProgress != nil {
			opts.OnProgress(DeriveProgress(job, o.now()))
		}

		switch job.Status {
		case StatusCompleted:
			o.metrics.waitOutcome("completed")
			log.WithField("polls", polls).Info("Job completed")
			return job, nil
		case StatusFailed, StatusTimeout:
			o.metrics.waitOutcome("failed")
			msg := "job failed"
			if job.Error != "" {
				msg = "job failed: " + job.Error
			}
			return nil, &Error{Kind: KindJobFailed, Message: msg, Job: job}
		case StatusCancelled:
			o.metrics.waitOutcome("cancelled")
			return nil, &Error{Kind: KindCancelled, Message: "job was cancelled", Job: job}
		}

		timer.Reset(interval)
		select {
		case <-waitCtx.Done():
			return nil, o.waitContextError(ctx, waitCtx, jobID, budget, job)
		case <-timer.C:
		}
	}
}

// waitContextError maps an ended wait context to the caller-facing error, or nil
// while the wait is still live.
func (o *Orchestrator) waitContextError(parent, waitCtx context.Context, jobID string, budget time.Duration, last *Job) error {
	if waitCtx.Err() == nil {
		return nil
	}
	if err := parent.Err(); err != nil {
		o.metrics.waitOutcome("aborted")
		return err
	}
	o.metrics.waitOutcome("timeout")
	o.logger.WithFields(logging.Fields{
		"job_id":  jobID,
		"timeout": budget.String(),
	}).Warn("Stopped waiting for job")
	return &Error{Kind: KindTimeout, Message: "timed out waiting for job after " + budget.String(), Job: last}
}
