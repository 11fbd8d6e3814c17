package backend

type Stats struct {
	ActiveExecutions int64

	// PendingExecutions are the number of executions that are currently in the queue, waiting to be
	// picked up by a worker
	PendingExecutions int64

	// FinishedExecutions are the number of finished executions that are still retained
	FinishedExecutions int64
}
