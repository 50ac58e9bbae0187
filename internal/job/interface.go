package job

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/jobrunner/internal/dto"
)

// Backend is the storage and claiming contract shared by the in-memory
// fallback and the distributed brokers. Only the dispatcher calls the
// Claim/Heartbeat/SetProgress/Requeue/Finish/Reap half.
type Backend interface {
	// Enqueue stores a new queued job. It fails with ErrBackendUnavailable
	// once the backend is draining.
	Enqueue(ctx context.Context, j *Job) error
	// Get returns a copy of the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Cancel fails queued or paused jobs with ErrCancelled and flags active
	// ones with CancelRequested. Terminal jobs are returned unchanged.
	Cancel(ctx context.Context, id string) (*Job, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// Claim marks the next eligible job active, increments its attempt
	// count and returns it. It returns nil, nil when nothing is ready.
	Claim(ctx context.Context) (*Job, error)
	// Heartbeat extends the lease on an active job and reports whether a
	// cancel was requested for it.
	Heartbeat(ctx context.Context, id string) (cancelRequested bool, err error)
	SetProgress(ctx context.Context, id string, pct int) error
	// Requeue puts an active job back at the tail of the queue.
	Requeue(ctx context.Context, j *Job) error
	// Finish persists a terminal job, honouring RemoveOnComplete.
	Finish(ctx context.Context, j *Job) error
	// Reap returns stalled active jobs to the queue, or fails them when no
	// attempts are left. It returns the number of jobs touched.
	Reap(ctx context.Context) (int, error)

	// Drain stops accepting new jobs. Claiming continues.
	Drain(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by backends that can wake the dispatcher as soon
// as work arrives instead of waiting for the next poll.
type Notifier interface {
	Ready() <-chan struct{}
}

// Producer is the API handed to code that enqueues and observes jobs.
type Producer interface {
	Enqueue(ctx context.Context, name string, payload any, opts *EnqueueOptions) (string, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// JobServiceInterface defines the contract for job business logic operations.
type JobServiceInterface interface {
	CreateJob(ctx context.Context, req *dto.JobCreateDTO) (*dto.JobResponseDTO, error)
	GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error)
	CancelJob(ctx context.Context, id string) error
	PauseJob(ctx context.Context, id string) error
	ResumeJob(ctx context.Context, id string) error
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Create(c *gin.Context)
	Get(c *gin.Context)
	Cancel(c *gin.Context)
	Pause(c *gin.Context)
	Resume(c *gin.Context)
	Events(c *gin.Context)
}
