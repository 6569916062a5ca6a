package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/penflow/penflow/pkg/models"
	"github.com/penflow/penflow/pkg/service"
	"github.com/penflow/penflow/pkg/storage"
)

// NewRouter wires the engine's external interface: run creation, status
// queries, cancellation and the live progress stream. User accounts,
// billing and artifact browsing live in the surrounding CRUD layer, not
// here.
func NewRouter(svc *service.OrchestratorService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", healthHandler)
	r.POST("/runs", createRunHandler(svc))
	r.GET("/runs", listRunsHandler(svc))
	r.GET("/runs/:id", getRunHandler(svc))
	r.POST("/runs/:id/cancel", cancelRunHandler(svc))
	r.GET("/runs/:id/events", streamEventsHandler(svc))

	return r
}

func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "penflow engine is running")
}

type createRunRequest struct {
	Variant     models.Variant  `json:"variant" binding:"required"`
	UserRef     string          `json:"user_ref"`
	Preferences json.RawMessage `json:"preferences"`
}

type createRunResponse struct {
	RunID             string           `json:"run_id"`
	Status            models.RunStatus `json:"status"`
	EstimatedDuration string           `json:"estimated_duration"`
}

func createRunHandler(svc *service.OrchestratorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		run, err := svc.CreateRun(req.Variant, req.UserRef, req.Preferences)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.StartRun(run.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, createRunResponse{
			RunID:             run.ID,
			Status:            run.Status,
			EstimatedDuration: run.Variant.EstimatedDuration().String(),
		})
	}
}

func listRunsHandler(svc *service.OrchestratorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := svc.ListRuns()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

type runDetailResponse struct {
	Run    models.WorkflowRun   `json:"run"`
	Stages []models.StageResult `json:"stages"`
}

func getRunHandler(svc *service.OrchestratorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		run, err := svc.GetRun(id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		state, err := svc.RunState(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stages := make([]models.StageResult, 0, len(state))
		for _, stage := range models.AllStages() {
			if result, ok := state[stage]; ok {
				stages = append(stages, result)
			}
		}
		c.JSON(http.StatusOK, runDetailResponse{Run: run, Stages: stages})
	}
}

func cancelRunHandler(svc *service.OrchestratorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := svc.Cancel(id); err != nil {
			status := http.StatusConflict
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": id, "status": "cancelling"})
	}
}

// streamEventsHandler pushes the run's progress feed over SSE: the bounded
// backlog first, then live events. Clients may disconnect and reconnect
// freely; a reconnect replays the backlog again.
func streamEventsHandler(svc *service.OrchestratorService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := svc.GetRun(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		ch, cancel := svc.Subscribe(id)
		defer cancel()

		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(string(ev.Kind), ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
