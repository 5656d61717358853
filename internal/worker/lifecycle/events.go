package lifecycle

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
	"github.com/kandev/acprunner/internal/worker/acpclient"
)

const eventSource = "worker-manager"

// EventPublisher publishes worker lifecycle and stream events to the bus.
type EventPublisher struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewEventPublisher creates a publisher. A nil bus makes every call a no-op.
func NewEventPublisher(eventBus bus.EventBus, log *logger.Logger) *EventPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventPublisher{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "event-publisher")),
	}
}

func (p *EventPublisher) publish(workerID, kind, eventType string, data map[string]any) {
	if p == nil || p.eventBus == nil {
		return
	}
	subject := bus.WorkerSubject(workerID, kind)
	event := bus.NewEvent(eventType, workerID, data)
	if err := p.eventBus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Error("failed to publish worker event",
			zap.String("subject", subject),
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
}

// PublishStatus publishes a status transition.
func (p *EventPublisher) PublishStatus(workerID string, status Status, progress int) {
	p.publish(workerID, "status", bus.EventWorkerStatus, map[string]any{
		"worker_id": workerID,
		"status":    string(status),
		"progress":  progress,
	})
}

// PublishUpdate relays a session update streamed by the agent.
func (p *EventPublisher) PublishUpdate(workerID string, n acp.SessionNotification, progress int) {
	p.publish(workerID, "update", bus.EventWorkerUpdate, map[string]any{
		"worker_id":  workerID,
		"session_id": string(n.SessionId),
		"update":     n.Update,
		"progress":   progress,
	})
}

// PublishPermission records a permission decision for audit.
func (p *EventPublisher) PublishPermission(workerID string, d acpclient.Decision) {
	p.publish(workerID, "permission", bus.EventWorkerPermission, map[string]any{
		"worker_id": workerID,
		"decision":  d,
	})
}

// PublishStderr relays one line of agent stderr.
func (p *EventPublisher) PublishStderr(workerID, line string) {
	p.publish(workerID, "stderr", bus.EventWorkerStderr, map[string]any{
		"worker_id": workerID,
		"line":      line,
	})
}

// PublishResult publishes the final result of a session.
func (p *EventPublisher) PublishResult(result *Result) {
	p.publish(result.WorkerID, "result", bus.EventWorkerResult, map[string]any{
		"worker_id": result.WorkerID,
		"result":    result,
	})
}
