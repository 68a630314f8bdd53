package sqlstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokendragon/internal/tokentest"
	"tokendragon/token"
)

func openSQLite(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL",
		filepath.Join(t.TempDir(), "tokens.db"))
	s, err := Open(SQLite, dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

// openPostgres needs TOKENSTORE_PG_DSN pointing to a scratch database.
func openPostgres(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dsn := os.Getenv("TOKENSTORE_PG_DSN")
	if dsn == "" {
		t.Skip("TOKENSTORE_PG_DSN not set")
	}
	s, err := Open(Postgres, dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.DB().PingContext(ctx); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	_, err = s.DB().ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table)
	require.NoError(t, err)
	require.NoError(t, s.CreateSchema(ctx))
	return s
}

func TestSQLiteAdapter(t *testing.T) {
	tokentest.RunAdapterSuite(t, func(t *testing.T, clock token.Clock) token.Adapter {
		return openSQLite(t, WithClock(clock))
	})
}

func TestSQLiteConcurrentClaims(t *testing.T) {
	tokentest.RunConcurrentClaims(t, openSQLite(t), 16)
}

func TestPostgresAdapter(t *testing.T) {
	tokentest.RunAdapterSuite(t, func(t *testing.T, clock token.Clock) token.Adapter {
		return openPostgres(t, WithClock(clock), WithTable("token_entry_test"))
	})
}

func TestPostgresConcurrentClaims(t *testing.T) {
	tokentest.RunConcurrentClaims(t, openPostgres(t, WithTable("token_entry_race")), 32)
}

func TestDatabaseClock(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	key := token.Key{Processor: "db-clock", Segment: 0}

	before := time.Now().Add(-time.Second).UnixMilli()
	e, err := s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "A", Touch: true, Insert: true},
		token.ClaimableBy("A", time.Minute))
	require.NoError(t, err)
	after := time.Now().Add(time.Second).UnixMilli()

	assert.GreaterOrEqual(t, e.Timestamp, before)
	assert.LessOrEqual(t, e.Timestamp, after)

	_, err = s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "B", Touch: true, Insert: true},
		token.ClaimableBy("B", time.Minute))
	require.ErrorIs(t, err, token.ErrConditionFailed)

	// a zero timeout makes every claim expired
	_, err = s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "B", Touch: true},
		token.ClaimableBy("B", 0))
	require.NoError(t, err)
}

func TestTokenStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	clock := tokentest.NewManualClock(tokentest.Epoch)
	ts, err := token.New(openSQLite(t, WithClock(clock)), token.WithClaimTimeout(5*time.Second))
	require.NoError(t, err)

	require.NoError(t, ts.InitializeSegments(ctx, "orders", 2, token.IndexMarker{Index: 0}))
	require.NoError(t, ts.StoreToken(ctx, token.IndexMarker{Index: 3}, "orders", 1, "A"))

	clock.Advance(2 * time.Second)
	_, err = ts.FetchToken(ctx, "orders", 1, "B")
	require.ErrorIs(t, err, token.ErrUnableToClaim)

	clock.Advance(4 * time.Second)
	m, err := ts.FetchToken(ctx, "orders", 1, "B")
	require.NoError(t, err)
	assert.Equal(t, token.IndexMarker{Index: 3}, m)

	require.ErrorIs(t, ts.ReleaseClaim(ctx, "orders", 1, "A"), token.ErrOwnershipMismatch)
	require.NoError(t, ts.ReleaseClaim(ctx, "orders", 1, "B"))
	require.ErrorIs(t, ts.InitializeSegments(ctx, "orders", 2, nil), token.ErrAlreadyInitialized)
}

func TestTableName(t *testing.T) {
	_, err := New(nil, SQLite, WithTable("tokens; DROP TABLE x"))
	require.Error(t, err)
	s, err := New(nil, SQLite, WithTable("tokens_v2"))
	require.NoError(t, err)
	assert.Equal(t, "tokens_v2", s.table)
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("pg")
	require.NoError(t, err)
	assert.Equal(t, Postgres.Name, d.Name)
	d, err = DialectByName("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "?3", d.Placeholder(3))
	_, err = DialectByName("oracle")
	require.Error(t, err)
}
