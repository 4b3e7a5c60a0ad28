package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketatlas/internal/store"
)

type taskResponse struct {
	ID           string                 `json:"id"`
	TaskType     string                 `json:"task_type"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Parameters   map[string]interface{} `json:"parameters"`
	Status       string                 `json:"status"`
	Progress     int                    `json:"progress"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Results      json.RawMessage        `json:"results"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

func toTaskResponse(t *store.ResearchTask) taskResponse {
	resp := taskResponse{
		ID:           t.ID,
		TaskType:     t.TaskType,
		Status:       t.Status,
		Progress:     t.Progress,
		ErrorMessage: t.ErrorMessage,
		Parameters:   map[string]interface{}{},
		Results:      json.RawMessage("{}"),
		CreatedAt:    t.CreatedAt,
	}
	if t.ParametersJSON != "" {
		_ = json.Unmarshal([]byte(t.ParametersJSON), &resp.Parameters)
	}
	if title, ok := resp.Parameters["title"].(string); ok {
		resp.Title = title
	}
	if desc, ok := resp.Parameters["description"].(string); ok {
		resp.Description = desc
	}
	if t.ResultJSON != "" {
		resp.Results = json.RawMessage(store.NormalizeResult(t.ResultJSON, t.ResultVersion))
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		resp.StartedAt = &started
	}
	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		resp.CompletedAt = &finished
	}
	return resp
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := c.Query("status")
	taskType := c.Query("task_type")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	tasks, err := s.store.ListTasks(userID(c), status, taskType, limit)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	c.JSON(http.StatusOK, out)
}

type discoveryCreateRequest struct {
	Title              string   `json:"title" binding:"required"`
	Theme              string   `json:"theme" binding:"required"`
	MarketCapMin       *int64   `json:"market_cap_min"`
	MarketCapMax       *int64   `json:"market_cap_max"`
	Sectors            []string `json:"sectors"`
	AdditionalCriteria string   `json:"additional_criteria"`
}

func (s *Server) handleCreateDiscovery(c *gin.Context) {
	var req discoveryCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	params := map[string]interface{}{
		"title":       req.Title,
		"description": "Discover stocks related to: " + req.Theme,
		"theme":       req.Theme,
		"criteria":    req.AdditionalCriteria,
	}
	if req.MarketCapMin != nil {
		params["market_cap_min"] = *req.MarketCapMin
	}
	if req.MarketCapMax != nil {
		params["market_cap_max"] = *req.MarketCapMax
	}
	if len(req.Sectors) > 0 {
		params["sectors"] = req.Sectors
	}
	s.enqueueTask(c, store.TaskDiscovery, params)
}

type deepDiveCreateRequest struct {
	Title      string   `json:"title" binding:"required"`
	Ticker     string   `json:"ticker" binding:"required"`
	FocusAreas []string `json:"focus_areas"`
}

func (s *Server) handleCreateDeepDive(c *gin.Context) {
	var req deepDiveCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	focus := req.FocusAreas
	if len(focus) == 0 {
		focus = []string{"financials", "competition", "growth"}
	}
	s.enqueueTask(c, store.TaskDeepDive, map[string]interface{}{
		"title":       req.Title,
		"description": "Deep dive research on " + ticker,
		"ticker":      ticker,
		"focus_areas": focus,
	})
}

type earningsCreateRequest struct {
	Title   string `json:"title" binding:"required"`
	Ticker  string `json:"ticker" binding:"required"`
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
}

func (s *Server) handleCreateEarnings(c *gin.Context) {
	var req earningsCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	s.enqueueTask(c, store.TaskEarningsAnalysis, map[string]interface{}{
		"title":       req.Title,
		"description": "Earnings call analysis for " + ticker,
		"ticker":      ticker,
		"year":        req.Year,
		"quarter":     req.Quarter,
	})
}

type filingCreateRequest struct {
	Title           string `json:"title" binding:"required"`
	FilingID        string `json:"filing_id"`
	AccessionNumber string `json:"accession_number"`
}

func (s *Server) handleCreateFiling(c *gin.Context) {
	var req filingCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.FilingID == "" && req.AccessionNumber == "" {
		errorJSON(c, http.StatusUnprocessableEntity, "filing_id or accession_number required")
		return
	}
	s.enqueueTask(c, store.TaskFilingAnalysis, map[string]interface{}{
		"title":            req.Title,
		"description":      "SEC filing analysis",
		"filing_id":        req.FilingID,
		"accession_number": req.AccessionNumber,
	})
}

type comparativeCreateRequest struct {
	Title   string   `json:"title" binding:"required"`
	Tickers []string `json:"tickers" binding:"required,min=2"`
	Context string   `json:"context"`
}

func (s *Server) handleCreateComparative(c *gin.Context) {
	var req comparativeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.enqueueTask(c, store.TaskComparative, map[string]interface{}{
		"title":       req.Title,
		"description": "Comparative analysis: " + strings.Join(req.Tickers, " vs "),
		"tickers":     req.Tickers,
		"context":     req.Context,
	})
}

func (s *Server) enqueueTask(c *gin.Context, taskType string, params map[string]interface{}) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to encode parameters")
		return
	}
	task, err := s.runner.Enqueue(userID(c), taskType, string(paramsJSON))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to queue task")
		return
	}
	c.JSON(http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetUserTask(c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Research task not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load task")
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleCancelTask(c *gin.Context) {
	// Ownership first so a foreign task reads as 404, not 400.
	task, err := s.store.GetUserTask(c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		errorJSON(c, http.StatusNotFound, "Research task not found")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load task")
		return
	}

	err = s.runner.Cancel(task.ID)
	if errors.Is(err, store.ErrTaskFinished) {
		errorJSON(c, http.StatusBadRequest, "Task already finished")
		return
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to cancel task")
		return
	}

	cancelled, err := s.store.GetUserTask(task.ID, userID(c))
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "Failed to load task")
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(cancelled))
}
