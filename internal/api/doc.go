// Package api implements the HTTP boundary of the task subsystem: task
// submission, status and cancellation, plus the health and metrics
// endpoints. It is the only surface the front door talks to.
package api
