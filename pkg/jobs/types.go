package jobs

import (
	"encoding/json"
	"time"
)

// Status is the remote lifecycle state of a render job. The orchestrator only
// observes it; transitions are owned by the network.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusPreparing  Status = "preparing"
	StatusRendering  Status = "rendering"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Frames is the aggregate frame counter of a job.
type Frames struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job types as sent in the submission body.
const (
	TypeRender    = "render"
	TypeAnimation = "animation"
)

// Job is one poll's worth of remote job state. It is never cached.
type Job struct {
	ID           string     `json:"id"`
	Type         string     `json:"type,omitempty"`
	Name         string     `json:"name,omitempty"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	Frames       *Frames    `json:"frames,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	NodeID       string     `json:"nodeId,omitempty"`
	Engine       Engine     `json:"engine,omitempty"`
	Quality      Quality    `json:"quality,omitempty"`
	OutputFormat string     `json:"outputFormat,omitempty"`
	Priority     Priority   `json:"priority,omitempty"`
	SceneURL     string     `json:"sceneUrl,omitempty"`
	FrameStart   int        `json:"frameStart,omitempty"`
	FrameEnd     int        `json:"frameEnd,omitempty"`
	RetryOf      string     `json:"retryOf,omitempty"`
	Error        string     `json:"error,omitempty"`
	OutputURLs   []string   `json:"outputUrls,omitempty"`

	// Submission settings echoed back by the API; RetryJob resubmits them.
	Resolution *Resolution    `json:"resolution,omitempty"`
	Samples    int            `json:"samples,omitempty"`
	MaxCost    float64        `json:"maxCost,omitempty"`
	FPS        int            `json:"fps,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// clone copies j so callers sharing one fetch never alias each other.
func (j *Job) clone() *Job {
	c := *j
	if j.Frames != nil {
		frames := *j.Frames
		c.Frames = &frames
	}
	if j.Resolution != nil {
		res := *j.Resolution
		c.Resolution = &res
	}
	for _, t := range []**time.Time{&c.StartedAt, &c.CompletedAt, &c.CreatedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	if j.OutputURLs != nil {
		c.OutputURLs = append([]string(nil), j.OutputURLs...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Progress is derived fresh from a Job.
type Progress struct {
	JobID    string  `json:"jobId"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	// CurrentFrame is the number of frames completed so far.
	CurrentFrame *int `json:"currentFrame,omitempty"`
	TotalFrames  *int `json:"totalFrames,omitempty"`
	// EstimatedTimeRemaining is in whole seconds. Nil unless the job is
	// rendering with known frames and start time.
	EstimatedTimeRemaining *int64 `json:"estimatedTimeRemaining,omitempty"`
	CurrentNode            string `json:"currentNode,omitempty"`
}

// ETA returns EstimatedTimeRemaining as a duration.
func (p *Progress) ETA() (time.Duration, bool) {
	if p == nil || p.EstimatedTimeRemaining == nil {
		return 0, false
	}
	return time.Duration(*p.EstimatedTimeRemaining) * time.Second, true
}

// FrameState is the synthesized state of a single frame.
type FrameState string

const (
	FrameCompleted FrameState = "completed"
	FrameRendering FrameState = "rendering"
	FramePending   FrameState = "pending"
)

// FrameStatus is one entry of a synthesized per-frame listing. The remote
// service only reports aggregate counters, so these are approximate and meant
// for coarse display.
type FrameStatus struct {
	Frame  int        `json:"frame"`
	Status FrameState `json:"status"`
}

// CostEstimate is the estimate endpoint's payload. Raw keeps the full body for
// fields this type does not name.
type CostEstimate struct {
	EstimatedCost            float64         `json:"estimatedCost"`
	Currency                 string          `json:"currency,omitempty"`
	EstimatedDurationSeconds float64         `json:"estimatedDurationSeconds,omitempty"`
	Raw                      json.RawMessage `json:"-"`
}

type Engine string

const (
	EngineOctane   Engine = "octane"
	EngineRedshift Engine = "redshift"
	EngineArnold   Engine = "arnold"
	EngineCycles   Engine = "cycles"
	EngineBlender  Engine = "blender"
)

type Quality string

const (
	QualityDraft      Quality = "draft"
	QualityStandard   Quality = "standard"
	QualityHigh       Quality = "high"
	QualityProduction Quality = "production"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Resolution is an output frame size in pixels.
type Resolution struct {
	Width  int `json:"width" validate:"required,min=1,max=16384"`
	Height int `json:"height" validate:"required,min=1,max=16384"`
}

// RenderConfig describes a single-frame or frame-range render submission.
type RenderConfig struct {
	Name         string         `json:"name,omitempty" validate:"omitempty,max=256"`
	SceneURL     string         `json:"sceneUrl" validate:"required,url"`
	Engine       Engine         `json:"engine" validate:"omitempty,oneof=octane redshift arnold cycles blender"`
	Quality      Quality        `json:"quality" validate:"omitempty,oneof=draft standard high production"`
	OutputFormat string         `json:"outputFormat" validate:"omitempty,oneof=png jpg jpeg exr tiff"`
	Priority     Priority       `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Resolution   *Resolution    `json:"resolution,omitempty" validate:"omitempty"`
	FrameStart   int            `json:"frameStart,omitempty" validate:"omitempty,min=0"`
	FrameEnd     int            `json:"frameEnd,omitempty" validate:"omitempty,gtefield=FrameStart"`
	Samples      int            `json:"samples,omitempty" validate:"omitempty,min=1"`
	MaxCost      float64        `json:"maxCost,omitempty" validate:"omitempty,gt=0"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AnimationConfig is a frame-range render with a playback rate.
type AnimationConfig struct {
	RenderConfig
	FPS int `json:"fps" validate:"omitempty,min=1,max=240"`
}

// RetryOptions tunes RetryJob.
type RetryOptions struct {
	RetryFailedFramesOnly bool
	// Priority overrides the priority of the new job when set.
	Priority Priority
}

// WaitOptions tunes WaitForCompletion. Zero values take the defaults.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// OnProgress is called with every derived Progress, before the terminal check.
	OnProgress func(*Progress)
}
