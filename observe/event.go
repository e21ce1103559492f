package observe

import "time"

type Kind string

type Status string

const (
	KindCall      Kind = "call"
	KindCircuit   Kind = "circuit"
	KindRateLimit Kind = "rate_limit"
	KindBuild     Kind = "build"
	KindCustom    Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event names emitted by the core.
const (
	EventCallStart          = "call.start"
	EventCallEnd            = "call.end"
	EventCircuitStateChange = "circuit.state_change"
	EventRateLimitWait      = "rate_limit.wait"
	EventBuildProgress      = "build.progress"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	BuildID    string         `json:"buildId,omitempty"`
	Pool       string         `json:"pool,omitempty"`
	Category   string         `json:"category,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Fallback   bool           `json:"fallback,omitempty"`
	Skipped    int            `json:"skipped,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
