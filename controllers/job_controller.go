package controllers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quantlab_backend/middleware"
	"quantlab_backend/models"
	"quantlab_backend/services/archive"
	"quantlab_backend/services/jobs"
)

// JobGroup is a route prefix and the job kinds reachable under it.
type JobGroup struct {
	Path  string
	Kinds []models.JobKind
}

// JobGroups lists every polling group.
var JobGroups = []JobGroup{
	{Path: "dataset", Kinds: []models.JobKind{models.KindDatasetCreate, models.KindDatasetResume}},
	{Path: "backtest", Kinds: []models.JobKind{models.KindBacktestRun}},
	{Path: "optimization", Kinds: []models.JobKind{models.KindOptimizationRun}},
	{Path: "attribution", Kinds: []models.JobKind{models.KindSignalAttribution}},
}

func (g JobGroup) owns(kind models.JobKind) bool {
	for _, k := range g.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// JobController serves job status, cancellation, listing and history.
type JobController struct {
	store   *jobs.Store
	archive *archive.Archiver
}

func NewJobController(store *jobs.Store, archiver *archive.Archiver) *JobController {
	return &JobController{store: store, archive: archiver}
}

// lookup resolves the id within group; jobs of another group are not found.
func (ctrl *JobController) lookup(group JobGroup, id string) (models.Job, error) {
	job, err := ctrl.store.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	if !group.owns(job.Kind) {
		return models.Job{}, &jobs.NotFoundError{ID: id}
	}
	return job, nil
}

// GetJob returns the snapshot of a job
// GET /{group}/jobs/:jobId
func (ctrl *JobController) GetJob(group JobGroup) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := ctrl.lookup(group, c.Param("jobId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// CancelJob requests cooperative cancellation
// DELETE /{group}/jobs/:jobId
func (ctrl *JobController) CancelJob(group JobGroup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("jobId")
		if _, err := ctrl.lookup(group, id); err != nil {
			respondError(c, err)
			return
		}
		job, err := ctrl.store.RequestCancel(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, CancelResponse{
			Success: true,
			Message: fmt.Sprintf("Cancellation requested for job %s (%s)", job.ID, job.Status()),
		})
	}
}

// ListJobs returns in-memory jobs, newest first
// GET /jobs?kind=&status=
func (ctrl *JobController) ListJobs(c *gin.Context) {
	filter := jobs.ListFilter{
		Kind:   models.JobKind(c.Query("kind")),
		Status: models.JobStatus(c.Query("status")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		middleware.AbortWithError(c, http.StatusBadRequest, fmt.Sprintf("unknown job kind %q", filter.Kind))
		return
	}

	list := ctrl.store.List(filter)
	c.JSON(http.StatusOK, gin.H{
		"jobs":  list,
		"count": len(list),
	})
}

// History reads archived runs
// GET /jobs/history?limit=
func (ctrl *JobController) History(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		middleware.AbortWithError(c, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}

	runs, err := ctrl.archive.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}
