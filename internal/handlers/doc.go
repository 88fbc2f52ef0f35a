// Package handlers contains the job handlers registered with the queue at
// startup. Each handler honors its context so that cancelling a running job
// stops the work promptly.
package handlers
