// Package store persists captured signals as named packets on a durable
// medium and serialises every access to that medium behind one lock.
package store

import (
	"context"
	"errors"
)

var (
	ErrStorage     = errors.New("store: storage failure")
	ErrLockTimeout = errors.New("store: lock timeout")
	ErrNotFound    = errors.New("store: signal not found")
	ErrBadName     = errors.New("store: invalid signal name")
	// ErrExist is returned by a Medium asked to create a name that exists.
	ErrExist = errors.New("store: file exists")
)

// FileInfo describes one stored file.
type FileInfo struct {
	Name string
	Size int64
}

// Medium is flat, durable, byte-addressable storage. Write must be atomic
// (readers see the whole file or nothing) and must not replace an existing
// file. Missing files are reported as ErrNotFound.
type Medium interface {
	Write(ctx context.Context, name string, data []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]FileInfo, error)
}
