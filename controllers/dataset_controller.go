package controllers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"quantlab_backend/services/dataset"
)

// DatasetRequest is the body of POST /dataset and POST /dataset/resume.
type DatasetRequest struct {
	Name           string `json:"name"`
	Preset         string `json:"preset"`
	Overwrite      bool   `json:"overwrite"`
	TimeoutMinutes *int   `json:"timeoutMinutes"`
}

// DatasetController handles dataset builds and the read-only catalog.
type DatasetController struct {
	service *dataset.Service
}

func NewDatasetController(service *dataset.Service) *DatasetController {
	return &DatasetController{service: service}
}

// Create starts a dataset_create job
// POST /dataset
func (ctrl *DatasetController) Create(c *gin.Context) {
	var req DatasetRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := ctrl.service.SubmitCreate(dataset.SubmitRequest{
		Name:           req.Name,
		Preset:         req.Preset,
		Overwrite:      req.Overwrite,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, job, fmt.Sprintf("Dataset %s creation started", req.Name))
}

// Resume starts a dataset_resume job
// POST /dataset/resume
func (ctrl *DatasetController) Resume(c *gin.Context) {
	var req DatasetRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := ctrl.service.SubmitResume(dataset.SubmitRequest{
		Name:           req.Name,
		Preset:         req.Preset,
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, job, fmt.Sprintf("Dataset %s resume started", req.Name))
}

// GetPresets lists the preset catalog
// GET /presets
func (ctrl *DatasetController) GetPresets(c *gin.Context) {
	presets := ctrl.service.Presets().List()
	c.JSON(http.StatusOK, gin.H{
		"presets": presets,
		"count":   len(presets),
	})
}

// ListDatasets summarises every dataset file
// GET /datasets
func (ctrl *DatasetController) ListDatasets(c *gin.Context) {
	list, err := ctrl.service.Catalog().List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"datasets": list,
		"count":    len(list),
	})
}

// GetDataset summarises one dataset file
// GET /datasets/:name
func (ctrl *DatasetController) GetDataset(c *gin.Context) {
	info, err := ctrl.service.Catalog().Info(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
