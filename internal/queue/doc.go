// Package queue manages background job queuing, dispatch and lifecycle:
// priority ordering, bounded concurrency, exponential-backoff retries,
// pause/resume and batch control for the downloads and related work the
// service runs in the background.
//
// State lives in memory only. Handlers receive a context that is cancelled
// when their job is cancelled; honoring it is up to the handler.
package queue
