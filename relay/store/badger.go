package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/strandlabs/strand/relay/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const (
	eventKeyPrefix = "evt:"
	idKeyPrefix    = "id:"
)

/*
	Embedded EventStore backend for single-node deployments.

	Events are keyed by inverted created_at so a forward iteration of
	the keyspace yields created_at descending, the store's declared
	ordering. A secondary id index provides duplicate detection. Plans
	bound the scan by the time range; the remaining predicates are
	applied in memory with Plan.Matches, which carries the exact same
	semantics the sqlite backend pushes into SQL.
*/

type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewBadger(directory string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(directory)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: errors.Wrapf(err, "opening badger at %s", directory)}
	}
	return &BadgerStore{
		db:     db,
		logger: logger.WithGroup("badger-store"),
	}, nil
}

func (s *BadgerStore) Save(ctx context.Context, ev *models.Event) error {
	payload, err := ev.Serialize()
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	eventKey := eventKeyFor(ev)
	idKey := []byte(idKeyPrefix + ev.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey); err == nil {
			return &DuplicateEventError{ID: ev.ID}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(eventKey, payload); err != nil {
			return err
		}
		return txn.Set(idKey, eventKey)
	})
	if err != nil {
		if IsDuplicateEvent(err) {
			return err
		}
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

func (s *BadgerStore) Query(ctx context.Context, plan Plan) ([]models.Event, error) {
	var events []models.Event

	// The scan starts at the newest event allowed by until and walks
	// backwards in time, stopping once created_at drops below since.
	seek := []byte(eventKeyPrefix)
	if plan.Until != nil {
		seek = []byte(fmt.Sprintf("%s%020d:", eventKeyPrefix, invertTimestamp(*plan.Until)))
	}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix([]byte(eventKeyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev models.Event
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &ev)
			})
			if err != nil {
				return err
			}
			if plan.Since != nil && ev.CreatedAt < *plan.Since {
				break
			}
			if !plan.Matches(&ev) {
				continue
			}
			events = append(events, ev)
			if len(events) >= plan.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return events, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func eventKeyFor(ev *models.Event) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", eventKeyPrefix, invertTimestamp(ev.CreatedAt), ev.ID))
}

func invertTimestamp(ts int64) int64 {
	return math.MaxInt64 - ts
}
