package cachestore

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned by Put when the write would take a store
	// over its configured quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNoStore is returned when writing to a store that was deleted.
	ErrNoStore = errors.New("store does not exist")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("cache storage closed")
)

// StorageError describes a failed cache storage operation. Callers in the
// request pipeline log it and carry on as if the cache missed.
type StorageError struct {
	Op    string
	Store string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("cache storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache storage %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, store string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Store: store, Err: err}
}
