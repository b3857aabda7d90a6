package interfaces

import "context"

// PipelineResult is the uniform outcome a pipeline reports to the lease
// scheduler, which translates it into job store state.
type PipelineResult int

const (
	ResultSucceeded PipelineResult = iota
	ResultRetryable
	ResultPermanent
)

func (r PipelineResult) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultRetryable:
		return "retryable"
	case ResultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Pipeline executes one claimed job. The context carries the lease
// deadline; implementations must stop writing when it is cancelled.
type Pipeline interface {
	// Kind names the pipeline for logging and worker identity.
	Kind() string
	// Run executes the claimed job and reports the uniform result. The
	// error carries detail for last_error; it may be nil for ResultSucceeded
	// only.
	Run(ctx context.Context, jobID int64) (PipelineResult, error)
}
