package pebblestore

import (
	"context"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"tokendragon/token"
)

// Getter is satisfied by *pebble.DB, *pebble.Batch and *pebble.Snapshot.
type Getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getEntry(key []byte, g Getter) (token.Entry, bool, error) {
	d, closer, err := g.Get(key)
	if err == pebble.ErrNotFound {
		return token.Entry{}, false, nil
	}
	if err != nil {
		return token.Entry{}, false, err
	}
	defer closer.Close()
	var r record
	if _, err := r.UnmarshalMsg(d); err != nil {
		return token.Entry{}, false, errors.Wrapf(err, "pebblestore: decode entry %x", key)
	}
	return r.Entry(), true, nil
}

func (p *Store) Get(_ context.Context, key token.Key) (token.Entry, error) {
	e, found, err := getEntry(entryKey(key.Processor, key.Segment), p.db)
	if err != nil {
		return token.Entry{}, err
	}
	if !found {
		return token.Entry{}, token.ErrNoEntry
	}
	return e, nil
}

// ConditionalUpsert reads, checks and writes the entry while holding the
// key's mutex, so no other writer can slip in between.
func (p *Store) ConditionalUpsert(_ context.Context, key token.Key, m token.Mutation, c token.Condition) (token.Entry, error) {
	k := entryKey(key.Processor, key.Segment)
	var out token.Entry
	err := p.Update(k, func() error {
		cur, exists, err := getEntry(k, p.db)
		if err != nil {
			return err
		}
		next, err := token.Resolve(key, cur, exists, p.clock.Now().UnixMilli(), m, c)
		if err != nil {
			return err
		}
		r := recordOf(next)
		d, err := r.MarshalMsg(nil)
		if err != nil {
			return err
		}
		if err := p.db.Set(k, d, pebble.NoSync); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (p *Store) Segments(_ context.Context, processor string) ([]int, error) {
	lower, upper := processorBounds(processor)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	segments := []int{}
	for iter.First(); iter.Valid(); iter.Next() {
		segment, err := segmentFromKey(iter.Key())
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, iter.Error()
}
