package job

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joshu-sajeev/jobrunner/common"
	"github.com/joshu-sajeev/jobrunner/internal/dto"
	"github.com/joshu-sajeev/jobrunner/middleware"
)

type JobService struct {
	producer Producer
	registry *Registry
}

func NewJobService(producer Producer, registry *Registry) *JobService {
	return &JobService{producer: producer, registry: registry}
}

var _ JobServiceInterface = (*JobService)(nil)

// CreateJob validates the request, enqueues the job through the producer
// and returns the freshly stored record. Unknown job names and bad options
// are client errors; a draining or unreachable backend is a 503.
func (s *JobService) CreateJob(ctx context.Context, req *dto.JobCreateDTO) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request canceled or timed out")
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, common.Errf(http.StatusBadRequest, "payload must be valid JSON")
	}

	if s.registry != nil && !s.registry.Has(req.Name) {
		return nil, common.NewAPIError(
			http.StatusBadRequest,
			"invalid job type",
			map[string]any{
				"provided": req.Name,
				"allowed":  s.registry.Names(),
			},
		)
	}

	var opts *EnqueueOptions
	if req.Options != nil {
		opts = &EnqueueOptions{
			DelayMs:          req.Options.DelayMs,
			Attempts:         req.Options.Attempts,
			RemoveOnComplete: req.Options.RemoveOnComplete,
		}
	}

	id, err := s.producer.Enqueue(ctx, req.Name, req.Payload, opts)
	if err != nil {
		return nil, mapError(err, "failed to enqueue job")
	}

	// The job is stored from here on. A fast job with removeOnComplete can
	// be gone before the re-read, which must not turn the create into a 404.
	j, err := s.producer.GetJob(ctx, id)
	if err != nil {
		return &dto.JobResponseDTO{
			ID:      id,
			Name:    req.Name,
			Payload: req.Payload,
			Status:  string(StatusQueued),
		}, nil
	}
	return ToResponse(j), nil
}

// GetJobByID returns the current state of a job.
func (s *JobService) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	j, err := s.producer.GetJob(ctx, id)
	if err != nil {
		return nil, mapError(err, "failed to get job")
	}
	return ToResponse(j), nil
}

// CancelJob requests cancellation. Active jobs are only asked to stop.
func (s *JobService) CancelJob(ctx context.Context, id string) error {
	if err := s.producer.Cancel(ctx, id); err != nil {
		return mapError(err, "failed to cancel job")
	}
	return nil
}

func (s *JobService) PauseJob(ctx context.Context, id string) error {
	if err := s.producer.Pause(ctx, id); err != nil {
		return mapError(err, "failed to pause job")
	}
	return nil
}

func (s *JobService) ResumeJob(ctx context.Context, id string) error {
	if err := s.producer.Resume(ctx, id); err != nil {
		return mapError(err, "failed to resume job")
	}
	return nil
}

// ToResponse converts a job to its API representation.
func ToResponse(j *Job) *dto.JobResponseDTO {
	return &dto.JobResponseDTO{
		ID:              j.ID,
		Name:            j.Name,
		Payload:         j.Payload,
		Status:          string(j.Status),
		Progress:        j.Progress,
		AttemptsMade:    j.AttemptsMade,
		AttemptsAllowed: j.AttemptsAllowed,
		Result:          j.Result,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

func mapError(err error, fallback string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return common.Errf(http.StatusRequestTimeout, "request timed out")
	case errors.Is(err, ErrInvalidJobType):
		return common.Errf(http.StatusBadRequest, "invalid job type")
	case errors.Is(err, ErrInvalidOptions):
		return common.NewAPIError(http.StatusBadRequest, "invalid job options", middleware.FormatValidationErrors(err))
	case errors.Is(err, ErrJobNotFound):
		return common.Errf(http.StatusNotFound, "job not found")
	case errors.Is(err, ErrInvalidTransition):
		return common.Errf(http.StatusConflict, "job cannot change state: %v", err)
	case errors.Is(err, ErrBackendUnavailable):
		return common.Errf(http.StatusServiceUnavailable, "queue backend unavailable, retry later")
	default:
		return common.Errf(http.StatusInternalServerError, "%s", fallback)
	}
}
