// Package api exposes the job queue over HTTP. Handlers translate requests
// into queue.Controller calls and map queue errors to status codes without
// leaking internal details to clients.
package api
