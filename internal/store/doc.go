// Package store defines the persistence interfaces and errors shared by
// storage implementations. The live job queue never touches it: only the
// optional job history archive is persisted.
package store
