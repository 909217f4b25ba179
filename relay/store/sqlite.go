package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS event (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	tags       TEXT NOT NULL,
	content    TEXT NOT NULL,
	sig        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_pubkey ON event(pubkey);
CREATE INDEX IF NOT EXISTS idx_event_kind ON event(kind);
CREATE INDEX IF NOT EXISTS idx_event_created_at ON event(created_at);
`

// SQLiteStore is the relational EventStore backend. Plans translate
// directly into WHERE clauses.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.WithGroup("sqlite-store"),
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, ev *models.Event) error {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return &StorageError{Op: "save", Err: errors.Wrap(err, "encoding tags")}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event (id, pubkey, kind, created_at, tags, content, sig)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.PubKey, ev.Kind, ev.CreatedAt, string(tags), ev.Content, ev.Sig,
	)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	if affected == 0 {
		return &DuplicateEventError{ID: ev.ID}
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, plan Plan) ([]models.Event, error) {
	where, args := buildWhere(plan)

	// search and unrecognized constraint names do not translate to
	// SQL; they are settled in Go on the scanned rows. The limit can
	// only go into the statement when no such residual exists,
	// otherwise rejected rows would eat into it. With a residual the
	// scan reads past rejections until enough matches are in hand,
	// keeping the result set identical to what the badger backend
	// produces for the same plan.
	residual := filter.Filter{Search: plan.Search, Extra: plan.Extra}
	hasResidual := plan.Search != "" || len(plan.Extra) > 0

	query := `SELECT id, pubkey, kind, created_at, tags, content, sig FROM event`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if !hasResidual {
		query += " LIMIT ?"
		args = append(args, plan.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var tags string
		if err := rows.Scan(&ev.ID, &ev.PubKey, &ev.Kind, &ev.CreatedAt, &tags, &ev.Content, &ev.Sig); err != nil {
			return nil, &StorageError{Op: "query", Err: err}
		}
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, &StorageError{Op: "query", Err: errors.Wrapf(err, "decoding tags for event %s", ev.ID)}
		}
		if !residual.Matches(&ev) {
			continue
		}
		events = append(events, ev)
		if len(events) >= plan.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return events, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func buildWhere(plan Plan) ([]string, []any) {
	var where []string
	var args []any

	if len(plan.IDs) > 0 {
		where = append(where, fmt.Sprintf("id IN (%s)", placeholders(len(plan.IDs))))
		for _, id := range plan.IDs {
			args = append(args, id)
		}
	}
	if len(plan.Authors) > 0 {
		where = append(where, fmt.Sprintf("pubkey IN (%s)", placeholders(len(plan.Authors))))
		for _, author := range plan.Authors {
			args = append(args, author)
		}
	}
	if len(plan.Kinds) > 0 {
		where = append(where, fmt.Sprintf("kind IN (%s)", placeholders(len(plan.Kinds))))
		for _, kind := range plan.Kinds {
			args = append(args, kind)
		}
	}
	for name, accepted := range plan.Tags {
		// Existential containment over the stored tag array: some tag
		// has the name at position 0 and an accepted value at 1.
		where = append(where, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM json_each(event.tags) AS t
			 WHERE json_extract(t.value, '$[0]') = ?
			   AND json_extract(t.value, '$[1]') IN (%s))`,
			placeholders(len(accepted))))
		args = append(args, name)
		for _, value := range accepted {
			args = append(args, value)
		}
	}
	if plan.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *plan.Since)
	}
	if plan.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *plan.Until)
	}
	return where, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
