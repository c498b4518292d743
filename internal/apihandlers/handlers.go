package apihandlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/app"
	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
)

// JobScheduler is the part of *jobs.Scheduler the API uses.
type JobScheduler interface {
	ScheduleJob(ctx context.Context, name string, args []any, opts ...jobs.ScheduleOption) (*models.Job, bool, error)
	StartJob(ctx context.Context, job *models.Job) error
	Registry() *jobs.Registry
}

// UnitScheduler schedules classification of an API job unit and links the
// unit to its job.
type UnitScheduler func(ctx context.Context, unitID int64, opts ...jobs.ScheduleOption) (*models.Job, bool, error)

type APIHandler struct {
	Jobs         store.JobStore
	ErrorLogs    store.ErrorLogStore
	Scheduler    JobScheduler
	ScheduleUnit UnitScheduler
	Ping         func(ctx context.Context) error
}

func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{
		Jobs:         a.Store,
		ErrorLogs:    a.Store,
		Scheduler:    a.Scheduler,
		ScheduleUnit: a.Pipeline.ScheduleClassifyUnit,
		Ping:         a.Ping,
	}
}

// NewRouter mounts the health check and the /api/v1 job routes.
func NewRouter(h *APIHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", h.HealthHandler)

	v1 := router.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.GET("", h.ListJobsHandler)
			jobsGroup.POST("", h.ScheduleJobHandler)
			jobsGroup.GET("/:id", h.GetJobHandler)
		}
		v1.GET("/job-definitions", h.ListDefinitionsHandler)
		v1.GET("/errors", h.ListErrorLogsHandler)
	}
	return router
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			Unavailable(c, "Database unreachable: "+err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) ListJobsHandler(c *gin.Context) {
	filter, err := parseJobFilter(c)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	list, err := h.Jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		Internal(c, fmt.Sprintf("ListJobsHandler: failed to list jobs: %v", err))
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (h *APIHandler) GetJobHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "Invalid job ID")
		return
	}
	job, err := h.Jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		NotFound(c, fmt.Sprintf("Job %d not found", id))
		return
	}
	if err != nil {
		Internal(c, fmt.Sprintf("GetJobHandler: failed to get job: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

// ScheduleJobRequest is the body of POST /api/v1/jobs. JSON numbers in
// Args are treated as integers.
type ScheduleJobRequest struct {
	JobName      string `json:"job_name" binding:"required"`
	Args         []any  `json:"args"`
	SourceID     *int64 `json:"source_id"`
	DelaySeconds *int   `json:"delay_seconds"`
	StartNow     bool   `json:"start_now"`
}

func (h *APIHandler) ScheduleJobHandler(c *gin.Context) {
	var req ScheduleJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	args, err := jobArgs(req.Args)
	if err != nil {
		BadRequest(c, "Invalid args: "+err.Error())
		return
	}
	if _, err := h.Scheduler.Registry().Lookup(req.JobName); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if req.JobName == tasks.ClassifyImage {
		if _, err := jobs.Int64Arg(args, 0); err != nil || len(args) != 1 {
			BadRequest(c, "classify_image takes exactly one API job unit ID")
			return
		}
	}

	var opts []jobs.ScheduleOption
	if req.SourceID != nil {
		opts = append(opts, jobs.WithSource(*req.SourceID))
	}
	switch {
	case req.StartNow:
		opts = append(opts, jobs.WithDelay(0))
	case req.DelaySeconds != nil:
		if *req.DelaySeconds < 0 {
			BadRequest(c, "delay_seconds must not be negative")
			return
		}
		opts = append(opts, jobs.WithDelay(secondsToDuration(*req.DelaySeconds)))
	}

	ctx := c.Request.Context()
	job, created, err := h.schedule(ctx, req.JobName, args, opts)
	if err != nil {
		Internal(c, fmt.Sprintf("ScheduleJobHandler: failed to schedule job: %v", err))
		return
	}
	if req.StartNow && job.Status == models.JobStatusPending {
		if err := h.Scheduler.StartJob(ctx, job); err != nil {
			Internal(c, fmt.Sprintf("ScheduleJobHandler: failed to start job: %v", err))
			return
		}
	}
	log.Infof("API ScheduleJob: %s created=%v", job, created)

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": job, "created": created})
}

// schedule routes classify_image through ScheduleUnit so the unit is linked
// to its job before anything can start it.
func (h *APIHandler) schedule(ctx context.Context, name string, args []any, opts []jobs.ScheduleOption) (*models.Job, bool, error) {
	if name == tasks.ClassifyImage && h.ScheduleUnit != nil {
		unitID, err := jobs.Int64Arg(args, 0)
		if err != nil {
			return nil, false, err
		}
		return h.ScheduleUnit(ctx, unitID, opts...)
	}
	return h.Scheduler.ScheduleJob(ctx, name, args, opts...)
}

type definitionResponse struct {
	Name     string  `json:"name"`
	Policy   string  `json:"policy"`
	Queue    string  `json:"queue,omitempty"`
	Interval float64 `json:"interval_seconds,omitempty"`
	Offset   float64 `json:"offset_seconds,omitempty"`
	Every    float64 `json:"cron_every_seconds,omitempty"`
}

func (h *APIHandler) ListDefinitionsHandler(c *gin.Context) {
	defs := h.Scheduler.Registry().Definitions()
	out := make([]definitionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, definitionResponse{
			Name:     def.Name,
			Policy:   def.Policy.String(),
			Queue:    def.Queue,
			Interval: def.Interval.Seconds(),
			Offset:   def.Offset.Seconds(),
			Every:    def.CronEvery.Seconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *APIHandler) ListErrorLogsHandler(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	logs, err := h.ErrorLogs.ListErrorLogs(c.Request.Context(), limit)
	if err != nil {
		Internal(c, fmt.Sprintf("ListErrorLogsHandler: failed to list error logs: %v", err))
		return
	}
	if logs == nil {
		logs = []*models.ErrorLog{}
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}
