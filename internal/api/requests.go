package api

import (
	"github.com/kandev/acprunner/internal/task"
	"github.com/kandev/acprunner/internal/worker/lifecycle"
)

// StartWorkerRequest is the body of POST /api/v1/workers. With Wait set the
// call blocks until the worker finishes and returns its result.
type StartWorkerRequest struct {
	task.Task
	Wait bool `json:"wait,omitempty"`
}

// StartWorkerResponse is returned for asynchronous starts.
type StartWorkerResponse struct {
	WorkerID string           `json:"worker_id"`
	Status   lifecycle.Status `json:"status"`
}

// WorkerListResponse lists live workers.
type WorkerListResponse struct {
	Workers []lifecycle.Snapshot `json:"workers"`
	Total   int                  `json:"total"`
}

// KillResponse reports how many workers were signalled.
type KillResponse struct {
	Killed int `json:"killed"`
}
