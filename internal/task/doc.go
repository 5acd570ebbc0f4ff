// Package task defines the task record, its lifecycle states, the handler
// capability registered per task type, and the store interface the broker
// persists records through.
package task
