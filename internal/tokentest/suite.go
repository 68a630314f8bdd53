package tokentest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokendragon/token"
)

// AdapterFactory returns an empty adapter whose time reference is clock.
type AdapterFactory func(t *testing.T, clock token.Clock) token.Adapter

const suiteTimeout = 5 * time.Second

func payload(v string) *token.Payload {
	return &token.Payload{Data: []byte(v), Type: StubMarkerType}
}

func claim(owner string, p *token.Payload) token.Mutation {
	return token.Mutation{Owner: owner, Payload: p, Touch: true, Insert: true}
}

func requireEntry(t *testing.T, a token.Adapter, want token.Entry) {
	t.Helper()
	got, err := a.Get(context.Background(), want.Key)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("entry mismatch (-want +got)\n%s", diff)
	}
}

// RunAdapterSuite checks the conditional upsert contract of an adapter.
func RunAdapterSuite(t *testing.T, newAdapter AdapterFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (token.Adapter, *ManualClock, token.Key) {
		clock := NewManualClock(Epoch)
		return newAdapter(t, clock), clock, token.Key{Processor: "proc-" + t.Name(), Segment: 10}
	}

	t.Run("GetMissing", func(t *testing.T) {
		a, _, key := setup(t)
		_, err := a.Get(ctx, key)
		require.ErrorIs(t, err, token.ErrNoEntry)
	})

	t.Run("InsertWhenAbsent", func(t *testing.T) {
		a, _, key := setup(t)
		e, err := a.ConditionalUpsert(ctx, key, claim("A", payload("T1")), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)
		want := token.Entry{Key: key, Payload: *payload("T1"), Owner: "A", Timestamp: Epoch.UnixMilli()}
		assert.Equal(t, "A", e.Owner)
		assert.Equal(t, want.Timestamp, e.Timestamp)
		requireEntry(t, a, want)
	})

	t.Run("InsertWithoutPayload", func(t *testing.T) {
		a, _, key := setup(t)
		e, err := a.ConditionalUpsert(ctx, key, claim("A", nil), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)
		assert.True(t, e.Payload.Empty())
		requireEntry(t, a, token.Entry{Key: key, Owner: "A", Timestamp: Epoch.UnixMilli()})
	})

	t.Run("NoInsertOnMissing", func(t *testing.T) {
		a, _, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, token.Mutation{Owner: "A", Touch: true}, token.ClaimableBy("A", suiteTimeout))
		require.ErrorIs(t, err, token.ErrNoEntry)
		_, err = a.ConditionalUpsert(ctx, key, token.Mutation{}, token.OwnedByOwner("A"))
		require.ErrorIs(t, err, token.ErrNoEntry)
		_, err = a.Get(ctx, key)
		require.ErrorIs(t, err, token.ErrNoEntry)
	})

	t.Run("RejectUnexpiredClaim", func(t *testing.T) {
		a, clock, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, claim("A", payload("T1")), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		_, err = a.ConditionalUpsert(ctx, key, claim("B", payload("T2")), token.ClaimableBy("B", suiteTimeout))
		require.ErrorIs(t, err, token.ErrConditionFailed)

		clock.Advance(suiteTimeout - 2*time.Second - time.Millisecond)
		_, err = a.ConditionalUpsert(ctx, key, claim("B", payload("T2")), token.ClaimableBy("B", suiteTimeout))
		require.ErrorIs(t, err, token.ErrConditionFailed)

		requireEntry(t, a, token.Entry{Key: key, Payload: *payload("T1"), Owner: "A", Timestamp: Epoch.UnixMilli()})
	})

	t.Run("StealExpiredClaim", func(t *testing.T) {
		a, clock, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, claim("A", payload("T1")), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)

		clock.Advance(suiteTimeout)
		_, err = a.ConditionalUpsert(ctx, key, claim("B", payload("T2")), token.ClaimableBy("B", suiteTimeout))
		require.NoError(t, err)
		requireEntry(t, a, token.Entry{Key: key, Payload: *payload("T2"), Owner: "B", Timestamp: clock.Now().UnixMilli()})
	})

	t.Run("RefreshKeepsPayload", func(t *testing.T) {
		a, clock, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, claim("A", payload("T1")), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)

		clock.Advance(3 * time.Second)
		e, err := a.ConditionalUpsert(ctx, key, token.Mutation{Owner: "A", Touch: true}, token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)
		assert.True(t, e.Payload.Equal(*payload("T1")))
		requireEntry(t, a, token.Entry{Key: key, Payload: *payload("T1"), Owner: "A", Timestamp: clock.Now().UnixMilli()})
	})

	t.Run("ReleaseOnlyByOwner", func(t *testing.T) {
		a, _, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, claim("A", payload("T1")), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)

		_, err = a.ConditionalUpsert(ctx, key, token.Mutation{}, token.OwnedByOwner("B"))
		require.ErrorIs(t, err, token.ErrConditionFailed)

		_, err = a.ConditionalUpsert(ctx, key, token.Mutation{}, token.OwnedByOwner("A"))
		require.NoError(t, err)
		requireEntry(t, a, token.Entry{Key: key, Payload: *payload("T1"), Timestamp: Epoch.UnixMilli()})

		// released entries are claimable right away
		_, err = a.ConditionalUpsert(ctx, key, claim("B", nil), token.ClaimableBy("B", suiteTimeout))
		require.NoError(t, err)
	})

	t.Run("InsertIfAbsent", func(t *testing.T) {
		a, _, key := setup(t)
		_, err := a.ConditionalUpsert(ctx, key, token.Mutation{Payload: payload("T0"), Touch: true, Insert: true}, token.IfAbsent())
		require.NoError(t, err)
		_, err = a.ConditionalUpsert(ctx, key, token.Mutation{Payload: payload("T1"), Touch: true, Insert: true}, token.IfAbsent())
		require.ErrorIs(t, err, token.ErrConditionFailed)
		requireEntry(t, a, token.Entry{Key: key, Payload: *payload("T0"), Timestamp: Epoch.UnixMilli()})
	})

	t.Run("PayloadVerbatim", func(t *testing.T) {
		a, _, key := setup(t)
		raw := token.Payload{Data: []byte{0, 1, 0xff, 0, 'x', 0x80}, Type: "bin"}
		_, err := a.ConditionalUpsert(ctx, key, claim("A", &raw), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)
		e, err := a.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, raw.Data, e.Payload.Data)
		assert.Equal(t, raw.Type, e.Payload.Type)
	})

	t.Run("Segments", func(t *testing.T) {
		a, _, key := setup(t)
		for _, segment := range []int{3, 0, 7} {
			k := token.Key{Processor: key.Processor, Segment: segment}
			_, err := a.ConditionalUpsert(ctx, k, claim("A", nil), token.ClaimableBy("A", suiteTimeout))
			require.NoError(t, err)
		}
		other := token.Key{Processor: key.Processor + "-other", Segment: 1}
		_, err := a.ConditionalUpsert(ctx, other, claim("A", nil), token.ClaimableBy("A", suiteTimeout))
		require.NoError(t, err)

		segments, err := a.Segments(ctx, key.Processor)
		require.NoError(t, err)
		sort.Ints(segments)
		assert.Equal(t, []int{0, 3, 7}, segments)

		segments, err = a.Segments(ctx, key.Processor+"-none")
		require.NoError(t, err)
		assert.Empty(t, segments)
	})
}

// RunConcurrentClaims races owners for one key and checks that exactly one
// of them gets the claim.
func RunConcurrentClaims(t *testing.T, a token.Adapter, owners int) {
	ctx := context.Background()
	key := token.Key{Processor: "race-" + t.Name(), Segment: 0}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < owners; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := a.ConditionalUpsert(ctx, key, claim(owner, payload(owner)), token.ClaimableBy(owner, time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case !errors.Is(err, token.ErrConditionFailed):
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, winners, 1)
	e, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, winners[0], e.Owner)
	assert.Equal(t, winners[0], string(e.Payload.Data))
}
