package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/ZanzyTHEbar/essayflow"
)

// memoryRow is one user key. Values are stored as jsonb.
type memoryRow struct {
	bun.BaseModel `bun:"table:essayflow_memory,alias:m"`

	UserID    string    `bun:"user_id,pk"`
	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,type:jsonb,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// PostgresStore is a MemoryProvider backed by a PostgreSQL table. Update
// locks the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	db     *bun.DB
	logger zerolog.Logger
	now    func() time.Time
}

var _ essayflow.MemoryProvider = (*PostgresStore)(nil)

// OpenPostgres connects with pgdriver and wraps the pool in bun.
func OpenPostgres(dsn string, opts ...Option) *PostgresStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return NewPostgresStore(bun.NewDB(sqldb, pgdialect.New()), opts...)
}

// NewPostgresStore uses an existing bun database.
func NewPostgresStore(db *bun.DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{db: db, logger: o.logger, now: time.Now}
}

// CreateSchema creates the memory table if it does not exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*memoryRow)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return errbuilder.GenericErr("create memory table", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ForUser returns the context of userID.
func (s *PostgresStore) ForUser(ctx context.Context, userID string) (essayflow.MemoryContext, error) {
	if err := checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return &userContext{userID: userID, backend: s}, nil
}

func (s *PostgresStore) load(ctx context.Context, userID, key string) (json.RawMessage, bool, error) {
	return selectRow(ctx, s.db.NewSelect(), userID, key, false)
}

func selectRow(ctx context.Context, q *bun.SelectQuery, userID, key string, lock bool) (json.RawMessage, bool, error) {
	row := new(memoryRow)
	q = q.Model(row).
		Where("user_id = ?", userID).
		Where("key = ?", key)
	if lock {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errbuilder.GenericErr("read memory value", err)
	}
	return json.RawMessage(row.Value), true, nil
}

func (s *PostgresStore) loadMany(ctx context.Context, userID string, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var rows []memoryRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("key IN (?)", bun.In(keys)).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errbuilder.GenericErr("read memory values", err)
	}
	for _, r := range rows {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

func (s *PostgresStore) store(ctx context.Context, userID, key string, raw json.RawMessage) error {
	return s.upsert(ctx, s.db, userID, key, raw)
}

func (s *PostgresStore) modify(ctx context.Context, userID, key string, fn func(json.RawMessage, bool) (json.RawMessage, error)) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		cur, ok, err := selectRow(ctx, tx.NewSelect(), userID, key, true)
		if err != nil {
			return err
		}
		next, err := fn(cur, ok)
		if err != nil {
			return err
		}
		return s.upsert(ctx, tx, userID, key, next)
	})
}

func (s *PostgresStore) upsert(ctx context.Context, db bun.IDB, userID, key string, raw json.RawMessage) error {
	row := &memoryRow{
		UserID:    userID,
		Key:       key,
		Value:     string(raw),
		UpdatedAt: s.now().UTC(),
	}
	_, err := db.NewInsert().
		Model(row).
		On("CONFLICT (user_id, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return errbuilder.GenericErr("write memory value", err)
	}
	s.logger.Trace().Str("user_id", userID).Str("key", key).Msg("memory value stored")
	return nil
}
