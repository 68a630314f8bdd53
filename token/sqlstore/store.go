// Package sqlstore keeps token entries in a SQL table. Every write is a
// single conditional statement, so the database decides races between
// processes and, unless a clock is injected, supplies the claim time.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"tokendragon/token"
)

const DefaultTable = "token_entry"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	clock   token.Clock // nil means the database clock
}

var _ token.Adapter = (*Store)(nil)

type Option func(*Store)

// WithTable overrides the table name. Invalid names are rejected by New.
func WithTable(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithClock makes claim timestamps come from c instead of the database.
func WithClock(c token.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func Open(dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, err
	}
	s, err := New(db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: dialect, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	if !tableName.MatchString(s.table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", s.table)
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the entry table if it does not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			processor_name VARCHAR(255) NOT NULL,
			segment        INTEGER      NOT NULL,
			owner          VARCHAR(255) NULL,
			"timestamp"    BIGINT       NOT NULL,
			token          %s           NULL,
			token_type     VARCHAR(255) NULL,
			PRIMARY KEY (processor_name, segment)
		)`, s.table, s.dialect.BlobType))
	return errors.Wrapf(err, "sqlstore: create table %s", s.table)
}

const returning = `RETURNING owner, "timestamp", token, token_type`

func (s *Store) scan(key token.Key, row *sql.Row) (token.Entry, error) {
	var (
		owner     sql.NullString
		tokenType sql.NullString
		e         = token.Entry{Key: key}
	)
	if err := row.Scan(&owner, &e.Timestamp, &e.Payload.Data, &tokenType); err != nil {
		return token.Entry{}, err
	}
	e.Owner = owner.String
	e.Payload.Type = tokenType.String
	return e, nil
}

func (s *Store) Get(ctx context.Context, key token.Key) (token.Entry, error) {
	a := &args{d: s.dialect}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT owner, "timestamp", token, token_type
		  FROM %s
		 WHERE processor_name = %s AND segment = %s`,
		s.table, a.add(key.Processor), a.add(key.Segment)), a.values...)
	e, err := s.scan(key, row)
	if err == sql.ErrNoRows {
		return token.Entry{}, token.ErrNoEntry
	}
	return e, err
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// ConditionalUpsert runs the mutation as one INSERT .. ON CONFLICT or
// UPDATE statement guarded by the condition. When no row comes back the
// entry is read again to tell a missing entry from a failed condition.
func (s *Store) ConditionalUpsert(ctx context.Context, key token.Key, m token.Mutation, c token.Condition) (token.Entry, error) {
	a := &args{d: s.dialect}
	// the clock parameter is only bound when referenced, postgres rejects
	// parameters it can't type
	var nowArg string
	now := func() string {
		if s.clock == nil {
			return s.dialect.NowMillis
		}
		if nowArg == "" {
			nowArg = a.add(s.clock.Now().UnixMilli())
		}
		return nowArg
	}
	processor, segment := a.add(key.Processor), a.add(key.Segment)
	owner := a.add(nullable(m.Owner))

	var data, typ string
	if m.Payload != nil {
		var blob []byte
		if !m.Payload.Empty() {
			blob = m.Payload.Data
		}
		data, typ = a.add(blob), a.add(nullable(m.Payload.Type))
	}

	var cond string
	switch c.Kind {
	case token.Claimable:
		cond = fmt.Sprintf(`(%[1]s.owner IS NULL OR %[1]s.owner = %[2]s OR %[3]s - %[1]s."timestamp" >= %[4]s)`,
			s.table, a.add(c.Owner), now(), a.add(c.Timeout.Milliseconds()))
	case token.OwnedBy:
		cond = fmt.Sprintf(`%s.owner = %s`, s.table, a.add(c.Owner))
	case token.Absent:
	default:
		return token.Entry{}, errors.Errorf("sqlstore: unsupported condition %s", c.Kind)
	}

	var q string
	switch {
	case c.Kind == token.Absent:
		if data == "" {
			data, typ = "NULL", "NULL"
		}
		q = fmt.Sprintf(`
			INSERT INTO %s (processor_name, segment, owner, "timestamp", token, token_type)
			VALUES (%s, %s, %s, %s, %s, %s)
			ON CONFLICT (processor_name, segment) DO NOTHING
			%s`, s.table, processor, segment, owner, now(), data, typ, returning)

	case m.Insert && c.Kind == token.Claimable:
		set := []string{"owner = excluded.owner"}
		if m.Touch {
			set = append(set, `"timestamp" = excluded."timestamp"`)
		}
		values := []string{processor, segment, owner, now(), "NULL", "NULL"}
		if data != "" {
			set = append(set, "token = excluded.token", "token_type = excluded.token_type")
			values[4], values[5] = data, typ
		}
		q = fmt.Sprintf(`
			INSERT INTO %s (processor_name, segment, owner, "timestamp", token, token_type)
			VALUES (%s)
			ON CONFLICT (processor_name, segment) DO UPDATE SET %s
			WHERE %s
			%s`, s.table, strings.Join(values, ", "), strings.Join(set, ", "), cond, returning)

	default:
		set := []string{"owner = " + owner}
		if m.Touch {
			set = append(set, `"timestamp" = `+now())
		}
		if data != "" {
			set = append(set, "token = "+data, "token_type = "+typ)
		}
		q = fmt.Sprintf(`
			UPDATE %[1]s SET %[2]s
			WHERE %[1]s.processor_name = %[3]s AND %[1]s.segment = %[4]s AND %[5]s
			%[6]s`, s.table, strings.Join(set, ", "), processor, segment, cond, returning)
	}

	e, err := s.scan(key, s.db.QueryRowContext(ctx, q, a.values...))
	if err != sql.ErrNoRows {
		if err != nil {
			return token.Entry{}, errors.Wrapf(err, "sqlstore: upsert %s", key)
		}
		return e, nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return token.Entry{}, err
	}
	return token.Entry{}, token.ErrConditionFailed
}

func (s *Store) Segments(ctx context.Context, processor string) ([]int, error) {
	a := &args{d: s.dialect}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT segment FROM %s WHERE processor_name = %s ORDER BY segment`,
		s.table, a.add(processor)), a.values...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := []int{}
	for rows.Next() {
		var segment int
		if err := rows.Scan(&segment); err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}
