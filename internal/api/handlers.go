package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/submit"
	"github.com/enlighter/distributed-task-scheduler/internal/task"
)

type handlers struct {
	svc  *submit.Service
	repo *persistence.TaskRepo
	log  hclog.Logger
}

type batchRequest struct {
	Tasks []task.Spec `json:"tasks"`
}

type listResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) submitTask(c *gin.Context) {
	var spec task.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeError(c, errors.Join(task.ErrValidation, err))
		return
	}

	created, err := h.svc.Submit(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *handlers) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Join(task.ErrValidation, err))
		return
	}

	created, err := h.svc.SubmitBatch(c.Request.Context(), req.Tasks)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listResponse{Tasks: created, Total: len(created)})
}

func (h *handlers) getTask(c *gin.Context) {
	t, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handlers) listTasks(c *gin.Context) {
	status := task.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		writeError(c, errors.Join(task.ErrValidation, errors.New("unknown status filter")))
		return
	}

	limit, err := queryInt(c, "limit", 200, 1, 1000)
	if err != nil {
		writeError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0, 0, 1<<31-1)
	if err != nil {
		writeError(c, err)
		return
	}

	tasks, total, err := h.repo.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	c.JSON(http.StatusOK, listResponse{Tasks: tasks, Total: total})
}

func queryInt(c *gin.Context, name string, def, min, max int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return 0, errors.Join(task.ErrValidation,
			errors.New(name+" must be an integer in "+strconv.Itoa(min)+".."+strconv.Itoa(max)))
	}
	return value, nil
}

// writeError maps kernel error kinds to status codes and stable
// machine-readable codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	switch {
	case errors.Is(err, task.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, task.ErrDuplicateID):
		status, code = http.StatusConflict, "DUPLICATE_ID"
	case errors.Is(err, task.ErrUnknownDependency):
		status, code = http.StatusConflict, "UNKNOWN_DEPENDENCY"
	case errors.Is(err, task.ErrCycleInBatch):
		status, code = http.StatusConflict, "CYCLE_IN_BATCH"
	case errors.Is(err, task.ErrStateConflict):
		status, code = http.StatusConflict, "STATE_CONFLICT"
	case errors.Is(err, task.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	default:
		var se *task.StoreError
		if errors.As(err, &se) {
			code = "STORE_ERROR"
		}
	}

	c.JSON(status, errorResponse{Error: err.Error(), Code: code})
}
