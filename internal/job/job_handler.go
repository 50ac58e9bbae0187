package job

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/jobrunner/common"
	"github.com/joshu-sajeev/jobrunner/internal/dto"
	"github.com/joshu-sajeev/jobrunner/internal/events"
	"github.com/joshu-sajeev/jobrunner/middleware"
)

type JobHandler struct {
	service JobServiceInterface
	events  events.Subscriber
}

func NewJobHandler(s JobServiceInterface, sub events.Subscriber) *JobHandler {
	return &JobHandler{service: s, events: sub}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// Create handles HTTP requests for enqueueing a new job.
// It binds and validates the request body, delegates to the JobService,
// and returns HTTP 201 with the stored job.
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.JobCreateDTO

	if !middleware.Bind(c, &req) {
		c.Abort()
		return
	}

	resp, err := h.service.CreateJob(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		c.Abort()
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// Get handles HTTP requests to fetch a job by its ID.
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := h.service.GetJobByID(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Cancel handles HTTP requests to cancel a job. Cancellation of a running
// job is advisory, so 202 is returned rather than 204.
func (h *JobHandler) Cancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.CancelJob(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusAccepted)
}

// Pause handles HTTP requests to hold a queued job back from dispatch.
func (h *JobHandler) Pause(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.PauseJob(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Resume handles HTTP requests to return a paused job to the queue.
func (h *JobHandler) Resume(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.ResumeJob(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Events streams lifecycle events for one job as server-sent events until
// the job reaches a terminal status or the client goes away.
func (h *JobHandler) Events(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	ch := make(chan events.Event, 16)
	sub := h.events.Subscribe(id, func(e events.Event) {
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	})
	defer sub.Unsubscribe()

	// subscribe before reading so a job finishing in between is not missed
	current, err := h.service.GetJobByID(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}

	if Status(current.Status).Terminal() {
		c.SSEvent(current.Status, current)
		return
	}

	c.Stream(func(_ io.Writer) bool {
		select {
		case e := <-ch:
			c.SSEvent(string(e.Kind), e)
			return !e.Kind.Terminal()
		case <-ctx.Done():
			return false
		}
	})
}

func jobID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.Error(common.Errf(http.StatusBadRequest, "invalid ID"))
		return "", false
	}
	return id, true
}
