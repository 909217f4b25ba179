package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/strandlabs/strand/relay/models"
)

// EventStore is the historical store collaborator. Query results are
// ordered by created_at descending; an empty result set is a normal
// outcome, not an error.
type EventStore interface {
	Save(ctx context.Context, ev *models.Event) error
	Query(ctx context.Context, plan Plan) ([]models.Event, error)
	Close() error
}

// DuplicateEventError is returned by Save when the event id is already
// present. Event ids are unique system-wide.
type DuplicateEventError struct {
	ID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event: %s", e.ID)
}

func IsDuplicateEvent(err error) bool {
	var de *DuplicateEventError
	return errors.As(err, &de)
}

// StorageError wraps backend failures. A failed historical query is a
// service-level failure: the subscription stays registered and no
// partial results are returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
