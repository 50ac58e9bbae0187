// Package server wires the producer HTTP API.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/joshu-sajeev/jobrunner/internal/dto"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/joshu-sajeev/jobrunner/internal/migration"
	"github.com/joshu-sajeev/jobrunner/middleware"
)

const requestTimeout = 10 * time.Second

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
)

// Readiness is the process state reported on /healthz. It starts out as
// starting and moves once migrations have run.
type Readiness struct {
	state atomic.Value
}

func NewReadiness() *Readiness {
	r := &Readiness{}
	r.state.Store(StateStarting)
	return r
}

func (r *Readiness) Set(s State) { r.state.Store(s) }

func (r *Readiness) State() State { return r.state.Load().(State) }

// MigrationLister reports migration records in run order.
type MigrationLister interface {
	Status(ctx context.Context) ([]migration.Record, error)
}

type Deps struct {
	Jobs       job.JobHandlerInterface
	Readiness  *Readiness
	Migrations MigrationLister
	Mode       string
	Logger     zerolog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(deps.Logger), middleware.ErrorHandler())

	r.GET("/healthz", health(deps.Readiness, deps.Mode))

	// streaming routes must outlive the request timeout
	r.GET("/jobs/:id/events", deps.Jobs.Events)

	api := r.Group("/", middleware.TimeoutMiddleware(requestTimeout))
	api.POST("/jobs", deps.Jobs.Create)
	api.GET("/jobs/:id", deps.Jobs.Get)
	api.DELETE("/jobs/:id", deps.Jobs.Cancel)
	api.POST("/jobs/:id/pause", deps.Jobs.Pause)
	api.POST("/jobs/:id/resume", deps.Jobs.Resume)
	if deps.Migrations != nil {
		api.GET("/migrations", migrations(deps.Migrations))
	}

	return r
}

func health(ready *Readiness, mode string) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := ready.State()
		status := http.StatusOK
		if state == StateStarting {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": state, "mode": mode})
	}
}

func migrations(lister MigrationLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := lister.Status(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}

		out := make([]dto.MigrationStatusDTO, 0, len(records))
		for _, rec := range records {
			out = append(out, dto.MigrationStatusDTO{
				Name:       rec.Name,
				Status:     string(rec.Status),
				ExecutedAt: rec.ExecutedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}
