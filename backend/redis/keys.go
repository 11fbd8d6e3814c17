package redis

import "fmt"

type keys struct {
	prefix string
}

func (k keys) execution(executionID string) string {
	return fmt.Sprintf("%vexecution:%v", k.prefix, executionID)
}

func (k keys) history(executionID string) string {
	return fmt.Sprintf("%vhistory:%v", k.prefix, executionID)
}

// taskStream is the stream of queued and running execution ids
func (k keys) taskStream() string {
	return k.prefix + "task-stream:executions"
}

// byCreation returns the key for the ZSET that contains all executions sorted by creation date. The score
// is the creation time. Used for listing executions in the diagnostics API.
func (k keys) byCreation() string {
	return k.prefix + "executions-by-creation"
}

// finished is the ZSET of finished executions, scored by completion time
func (k keys) finished() string {
	return k.prefix + "executions-finished"
}

// expiring is the ZSET of executions with an expiration, scored by expiration time
func (k keys) expiring() string {
	return k.prefix + "executions-expiring"
}
