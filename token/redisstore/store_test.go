package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokendragon/internal/tokentest"
	"tokendragon/token"
)

// openTestStore needs a Redis instance, TOKENSTORE_REDIS_ADDR or
// localhost:6379. Skip with: go test -short
func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test")
	}
	addr := os.Getenv("TOKENSTORE_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := fmt.Sprintf("tokendragon-test-%d", time.Now().UnixNano())
	s := Open(Config{Addr: addr, DB: 15, Prefix: prefix}, opts...)

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		s.Close()
		t.Skip("Redis not available:", err)
	}
	t.Cleanup(func() {
		iter := s.client.Scan(ctx, 0, prefix+":*", 0).Iterator()
		for iter.Next(ctx) {
			s.client.Del(ctx, iter.Val())
		}
		s.Close()
	})
	return s
}

func TestAdapter(t *testing.T) {
	tokentest.RunAdapterSuite(t, func(t *testing.T, clock token.Clock) token.Adapter {
		return openTestStore(t, WithClock(clock))
	})
}

func TestConcurrentClaims(t *testing.T) {
	tokentest.RunConcurrentClaims(t, openTestStore(t), 32)
}

func TestServerClock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := token.Key{Processor: "server-clock", Segment: 2}

	before := time.Now().Add(-time.Minute).UnixMilli()
	e, err := s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "A", Touch: true, Insert: true},
		token.ClaimableBy("A", time.Minute))
	require.NoError(t, err)
	assert.Greater(t, e.Timestamp, before)

	_, err = s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "B", Touch: true, Insert: true},
		token.ClaimableBy("B", time.Minute))
	require.ErrorIs(t, err, token.ErrConditionFailed)
}

func TestKeys(t *testing.T) {
	s := New(nil, WithPrefix("td"))
	assert.Equal(t, "td:{orders}:7", s.entryKey(token.Key{Processor: "orders", Segment: 7}))
	assert.Equal(t, "td:{orders}", s.segmentsKey("orders"))
}

func TestParseEntry(t *testing.T) {
	key := token.Key{Processor: "p", Segment: 1}
	e, err := parseEntry(key, "", "1700000000000", "", "")
	require.NoError(t, err)
	assert.False(t, e.Claimed())
	assert.True(t, e.Payload.Empty())
	assert.Nil(t, e.Payload.Data)

	_, err = parseEntry(key, "A", "x", "", "")
	require.Error(t, err)
}
