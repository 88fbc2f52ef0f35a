// Package events carries job lifecycle notifications from the queue to
// interested components without coupling them to the queue package.
//
// The primary components are:
// - JobEvent: one status transition of one job
// - EventHandler: interface for components that react to events
// - EventEmitter: interface for components that publish events
package events
