package bus

// Event types published by workers.
const (
	EventWorkerStatus     = "worker.status"
	EventWorkerUpdate     = "worker.update"
	EventWorkerPermission = "worker.permission"
	EventWorkerStderr     = "worker.stderr"
	EventWorkerResult     = "worker.result"
	EventWorkerSnapshot   = "worker.snapshot"
)

// WorkerSubject returns the subject for one kind of event from one worker,
// e.g. "worker.<id>.status".
func WorkerSubject(workerID, kind string) string {
	return "worker." + workerID + "." + kind
}

// WorkerWildcard matches every event from one worker.
func WorkerWildcard(workerID string) string {
	return "worker." + workerID + ".>"
}

// AllWorkers matches every worker event.
const AllWorkers = "worker.>"
