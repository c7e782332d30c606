// Package queue moves processed events to disk and from disk to the
// collector. EventQueue is the only writer of batch files and EventUpload
// the only reader and deleter.
package queue

import "github.com/arkilian/courier/internal/batch"

// BatchStorage is the subset of batch.Manager the queue relies on.
type BatchStorage interface {
	StoreEvent(event []byte) error
	Rollover() error
	Finish() error
	Read() ([]string, error)
	Remove(path string) error
}

var _ BatchStorage = (*batch.Manager)(nil)
