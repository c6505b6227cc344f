package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store's failure taxonomy. Storage-engine faults are
// wrapped in DataStoreError; these three are returned directly so callers can
// distinguish them with errors.Is.
var (
	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("feature store is closed")

	// ErrReadOnly is returned by mutating operations on a read-only store.
	ErrReadOnly = errors.New("operation not supported: store is read-only")

	// ErrFeatureSetExists is returned by an explicit-id feature set insert
	// whose id is already in use.
	ErrFeatureSetExists = errors.New("feature set id already exists")
)

// DataStoreError wraps a storage-engine level failure. All SQL errors cross
// the store's API boundary in this form.
type DataStoreError struct {
	Op  string
	Err error
}

func (e *DataStoreError) Error() string {
	return fmt.Sprintf("datastore %s: %v", e.Op, e.Err)
}

func (e *DataStoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DataStoreError{Op: op, Err: err}
}
