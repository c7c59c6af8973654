// Package controller serves stored grade results over HTTP. It never grades.
package controller

import (
	"context"

	"autograder/internal/grading/model"
	"autograder/internal/grading/repository"
	"autograder/internal/grading/service"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// StatusSource exposes the live status mirror of a grading run.
type StatusSource interface {
	Snapshot(ctx context.Context) (map[string]repository.StatusEntry, error)
}

// ResultController handles result endpoints.
type ResultController struct {
	assignment string
	store      repository.ResultStore
	status     StatusSource
}

// NewResultController creates a ResultController. status may be nil.
func NewResultController(assignment string, store repository.ResultStore, status StatusSource) *ResultController {
	return &ResultController{assignment: assignment, store: store, status: status}
}

// RegisterRoutes mounts the endpoints on group.
func (h *ResultController) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/results", h.List)
	group.GET("/results/:id", h.Get)
	group.GET("/summary", h.Summary)
	group.GET("/status", h.Status)
}

// List returns a short line per stored result.
func (h *ResultController) List(c *gin.Context) {
	results, err := service.LoadResults(c.Request.Context(), h.store)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]ResultItem, 0, len(results))
	for _, r := range results {
		items = append(items, newResultItem(r))
	}
	response.Success(c, ResultListResponse{Assignment: h.assignment, Items: items})
}

// Get returns one full grade result.
func (h *ResultController) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	res, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Summary counts stored results per state.
func (h *ResultController) Summary(c *gin.Context) {
	results, err := service.LoadResults(c.Request.Context(), h.store)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, service.SummarizeResults(results))
}

// Status returns the live status mirror, if one is configured.
func (h *ResultController) Status(c *gin.Context) {
	if h.status == nil {
		response.NotFound(c, "status mirror is not configured")
		return
	}
	snapshot, err := h.status.Snapshot(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snapshot)
}

// ResultItem is one row of the result list.
type ResultItem struct {
	SubmissionID string       `json:"submission_id"`
	Owner        string       `json:"owner"`
	Status       model.Status `json:"status"`
	Percent      string       `json:"percent"`
	Points       string       `json:"points"`
	BrokenCause  string       `json:"broken_cause,omitempty"`
}

// ResultListResponse is the payload of GET /results.
type ResultListResponse struct {
	Assignment string       `json:"assignment"`
	Items      []ResultItem `json:"items"`
}

func newResultItem(r *model.GradeResult) ResultItem {
	item := ResultItem{
		SubmissionID: r.SubmissionID,
		Owner:        r.Owner,
		Status:       r.Status,
		Percent:      r.Percent,
		BrokenCause:  r.BrokenCause,
	}
	if r.Points != nil {
		item.Points = r.Points.FloatString(2)
	}
	return item
}
