package pebblestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokendragon/internal/tokentest"
	"tokendragon/token"
)

func openTestStore(t *testing.T, options ...Option) *Store {
	t.Helper()
	s, err := Open("db", &pebble.Options{FS: vfs.NewMem()}, options...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- s.FlushLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-loopDone)
		assert.NoError(t, s.Close())
	})
	return s
}

func TestAdapter(t *testing.T) {
	tokentest.RunAdapterSuite(t, func(t *testing.T, clock token.Clock) token.Adapter {
		return openTestStore(t, WithClock(clock))
	})
}

func TestConcurrentClaims(t *testing.T) {
	tokentest.RunConcurrentClaims(t, openTestStore(t), 64)
}

func TestUpdateIsSequentialPerKey(t *testing.T) {
	s := openTestStore(t)
	key := []byte("counter")

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(key, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestUpdateAfterStop(t *testing.T) {
	s, err := Open("db", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.FlushLoop(ctx))

	err = s.Update([]byte("k"), func() error { return nil })
	require.ErrorIs(t, err, ErrStopped)
}

func TestWALSyncFailureReleasesWaiters(t *testing.T) {
	s, err := Open("db", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer s.Close()

	errSync := errors.New("disk full")
	late := make(chan error, 1)
	var once sync.Once
	s.logData = func([]byte, *pebble.WriteOptions) error {
		once.Do(func() {
			// this update lands on the chan of the next batch
			go func() {
				late <- s.Update([]byte("late"), func() error { return nil })
			}()
			time.Sleep(20 * time.Millisecond)
		})
		return errSync
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- s.FlushLoop(context.Background())
	}()

	first := make(chan error, 1)
	go func() {
		first <- s.Update([]byte("first"), func() error { return nil })
	}()

	for _, c := range []chan error{first, late, loopDone} {
		select {
		case err := <-c:
			require.ErrorIs(t, err, errSync)
		case <-time.After(time.Second):
			t.Fatal("blocked after a failed WAL sync")
		}
	}

	err = s.Update([]byte("after"), func() error { return nil })
	require.ErrorIs(t, err, errSync)
}

func TestRecordRoundTrip(t *testing.T) {
	e := token.Entry{
		Key:       token.Key{Processor: "orders", Segment: 42},
		Payload:   token.Payload{Data: []byte{0, 1, 2, 0xff}, Type: "index"},
		Owner:     "node-1",
		Timestamp: 1700000000123,
	}
	r := recordOf(e)
	d, err := r.MarshalMsg(nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(d), r.Msgsize())

	var got record
	left, err := got.UnmarshalMsg(d)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, e, got.Entry())

	_, err = got.UnmarshalMsg(d[:len(d)-2])
	require.Error(t, err)
}

func TestEntryKeys(t *testing.T) {
	k := entryKey("orders", 258)
	assert.Equal(t, []byte{EntryPrefix, 'o', 'r', 'd', 'e', 'r', 's', 0, 0, 0, 1, 2}, k)

	segment, err := segmentFromKey(k)
	require.NoError(t, err)
	assert.Equal(t, 258, segment)

	lower, upper := processorBounds("orders")
	assert.True(t, string(lower) <= string(k) && string(k) < string(upper))

	// keys of a processor with a longer name stay out of the range
	other := entryKey("orders-eu", 0)
	assert.False(t, string(lower) <= string(other) && string(other) < string(upper))

	_, err = segmentFromKey([]byte{EntryPrefix, 'x'})
	require.Error(t, err)
}

func TestReopenKeepsEntries(t *testing.T) {
	fs := vfs.NewMem()
	ctx := context.Background()
	key := token.Key{Processor: "durable", Segment: 1}

	s, err := Open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	loopCtx, cancel := context.WithCancel(ctx)
	loopDone := make(chan error, 1)
	go func() { loopDone <- s.FlushLoop(loopCtx) }()

	_, err = s.ConditionalUpsert(ctx, key,
		token.Mutation{Owner: "A", Payload: &token.Payload{Data: []byte("7"), Type: "raw"}, Touch: true, Insert: true},
		token.ClaimableBy("A", time.Second))
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-loopDone)
	require.NoError(t, s.Close())

	s, err = Open("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer s.Close()
	e, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "A", e.Owner)
	assert.Equal(t, []byte("7"), e.Payload.Data)
}
