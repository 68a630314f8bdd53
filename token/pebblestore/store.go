// Package pebblestore keeps token entries in an embedded Pebble database.
//
// It implements "read-modify-write" storage that guarantees callers that all
// updates to one entry happen one after another, and that after Update
// returns the update was written to disk.
//
// '|_' - Start,  U- Update Logic   '_|' - End,  '_' - waiting,  '^' - data is flushed
// Request #1 ------|U_____________________|-------
// Request #1 --------------|U_____________|-------
// Request #2 --------------|_U____________|-------
// Request #3 --------------|__U___________|-------
// Flush Loop -----------------------------^-------
//
// A keyed mutex in RAM makes all updates of a key sequential. Each update
// modifies the value with NoSync and waits for the flush loop to sync the
// WAL. Since the WAL is sequential, when the sync after an update finishes
// the update is durable too.
//
// Pebble locks its directory, so one process owns the database. Workers on
// other machines reach it through the HTTP service, which keeps the
// conditional write atomic for every caller.
package pebblestore

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"tokendragon/token"
)

const mutexShards = 100

var ErrStopped = errors.New("pebblestore: stopped")

type Store struct {
	db    *pebble.DB
	clock token.Clock
	kmu   []*kmutex

	mu       sync.Mutex
	done     chan struct{}
	count    int   // number of requests processed from last WAL write
	stopped  bool  // graceful shutdown
	pending  int   // number of requests inflight (track for graceful shutdown)
	flushErr error // sticky WAL sync failure

	logData func([]byte, *pebble.WriteOptions) error
}

var _ token.Adapter = (*Store)(nil)

type Option func(*Store)

// WithClock replaces the process clock used for claim timestamps.
func WithClock(c token.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Open opens or creates the database at path. The caller must run
// FlushLoop for updates to complete.
func Open(path string, opts *pebble.Options, options ...Option) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return New(db, options...), nil
}

func New(db *pebble.DB, options ...Option) *Store {
	s := &Store{
		db:    db,
		clock: token.SystemClock{},
		done:  make(chan struct{}),
	}
	s.logData = db.LogData
	for i := 0; i < mutexShards; i++ {
		s.kmu = append(s.kmu, newLocker())
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (p *Store) DB() *pebble.DB {
	return p.db
}

// Flush syncs the WAL and releases every update waiting for it. It returns
// the number of updates still in flight.
func (p *Store) Flush() int {
	p.mu.Lock()
	if p.flushErr != nil {
		// every waiter was released when the sync failed
		pending := p.pending
		p.mu.Unlock()
		return pending
	}
	count := p.count
	p.count = 0
	done := p.done // all previous updates are waiting on this chan
	pending := p.pending
	p.done = make(chan struct{}) // create new chan for future updates to wait on
	p.mu.Unlock()

	if count > 0 {
		// just make a write to WAL and wait for it to complete.
		// since we have only 1 WAL and writes are sequential -
		// if this operation finish - it means all previous updates are flushed too
		err := p.logData([]byte("f"), pebble.Sync)
		if err != nil {
			// updates that picked the new chan while we were syncing can't
			// be confirmed either. p.done stays closed from now on
			p.mu.Lock()
			p.flushErr = err
			p.stopped = true
			close(p.done)
			p.mu.Unlock()
		}
	}
	close(done)
	return pending
}

// FlushLoop runs until ctx is done, then refuses new updates and flushes
// the ones in flight before returning.
func (p *Store) FlushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopped = true // make sure all new requests are failing
			p.mu.Unlock()
			for {
				pending := p.Flush() // flush all pending requests
				if pending == 0 {
					return p.err()
				}
			}
		default:
			n := p.Flush()
			if err := p.err(); err != nil {
				return err
			}
			if n == 0 {
				// avoid infinite loops if no data needs to be flushed
				time.Sleep(time.Millisecond * 5)
			}
		}
	}
}

func (p *Store) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushErr
}

// Close closes the database. FlushLoop must have returned.
func (p *Store) Close() error {
	return p.db.Close()
}

// UpdateFunc should update only data relevant to the key
type UpdateFunc func() error

func (p *Store) singletonUpdate(key []byte, f UpdateFunc) error {
	// there are possible collisions for unrelated keys, but it's not a problem
	// since it just means 2 updates for different keys occasionally will wait for each
	// other
	h := fnv.New64a()
	h.Write(key)
	kid := h.Sum64()
	p.kmu[kid%mutexShards].Lock(kid)
	defer p.kmu[kid%mutexShards].Unlock(kid)

	return f()
}

// Update runs f with exclusive access to key and waits until its writes
// are synced.
func (p *Store) Update(key []byte, f UpdateFunc) error {
	p.mu.Lock()
	if p.stopped {
		err := p.flushErr
		p.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrStopped
	}
	p.pending++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}()

	err := p.singletonUpdate(key, f)
	if err != nil {
		return err
	}

	// wait till our update is flushed to disk. count is bumped together
	// with picking the chan so the flush closing it always syncs the WAL
	p.mu.Lock()
	if p.flushErr != nil {
		err := p.flushErr
		p.mu.Unlock()
		return err
	}
	p.count++
	done := p.done
	p.mu.Unlock()
	<-done
	return p.err()
}

type kmutex struct {
	c *sync.Cond
	l sync.Locker
	s map[uint64]struct{}
}

func newLocker() *kmutex {
	l := sync.Mutex{}
	return &kmutex{c: sync.NewCond(&l), l: &l, s: make(map[uint64]struct{})}
}

func (km *kmutex) locked(key uint64) (ok bool) {
	_, ok = km.s[key]
	return
}

func (km *kmutex) Unlock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	delete(km.s, key)
	km.c.Broadcast()
}

func (km *kmutex) Lock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	for km.locked(key) {
		km.c.Wait()
	}
	km.s[key] = struct{}{}
}
