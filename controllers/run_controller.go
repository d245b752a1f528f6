package controllers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"quantlab_backend/services/analytics"
	"quantlab_backend/services/backtesting"
)

// RunController submits read-only analysis jobs over datasets.
type RunController struct {
	backtests   *backtesting.Service
	attribution *analytics.Service
}

func NewRunController(backtests *backtesting.Service, attribution *analytics.Service) *RunController {
	return &RunController{backtests: backtests, attribution: attribution}
}

// GetStrategies lists the signal strategies and their default parameters
// GET /strategies
func (ctrl *RunController) GetStrategies(c *gin.Context) {
	strategies := ctrl.backtests.Strategies()
	c.JSON(http.StatusOK, gin.H{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

// RunBacktest starts a backtest_run job
// POST /backtest
func (ctrl *RunController) RunBacktest(c *gin.Context) {
	var req backtesting.BacktestRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := ctrl.backtests.SubmitBacktest(req)
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, job, fmt.Sprintf("Backtest of %s on %s started", req.Strategy, req.Dataset))
}

// RunOptimization starts an optimization_run job
// POST /optimization
func (ctrl *RunController) RunOptimization(c *gin.Context) {
	var req backtesting.OptimizationRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := ctrl.backtests.SubmitOptimization(req)
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, job, fmt.Sprintf("Optimization of %s over %d combinations started", req.Strategy, req.Grid.Size()))
}

// RunAttribution starts a signal_attribution job
// POST /attribution
func (ctrl *RunController) RunAttribution(c *gin.Context) {
	var req analytics.AttributionRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := ctrl.attribution.SubmitAttribution(req)
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, job, fmt.Sprintf("Signal attribution on %s started", req.Dataset))
}
