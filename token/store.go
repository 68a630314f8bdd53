package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"
)

// DefaultClaimTimeout is used when no WithClaimTimeout option is given.
const DefaultClaimTimeout = 10 * time.Second

// Store is the contract between a stream processing engine and the
// persisted progress of its segments.
type Store interface {
	// StoreToken persists marker for the segment and claims or refreshes
	// the claim of owner.
	StoreToken(ctx context.Context, marker Marker, processor string, segment int, owner string) error
	// FetchToken claims the segment like StoreToken and returns its marker,
	// nil when the segment has no progress yet.
	FetchToken(ctx context.Context, processor string, segment int, owner string) (Marker, error)
	ExtendClaim(ctx context.Context, processor string, segment int, owner string) error
	ReleaseClaim(ctx context.Context, processor string, segment int, owner string) error
	FetchSegments(ctx context.Context, processor string) ([]int, error)
	// InitializeSegments creates count unclaimed segments starting at
	// initial. It fails when the processor already has segments.
	InitializeSegments(ctx context.Context, processor string, count int, initial Marker) error
}

// TokenStore applies the claim policy on top of an Adapter. It keeps no
// state of its own: every decision is made by the adapter's conditional
// upsert against the stored entry.
type TokenStore struct {
	adapter      Adapter
	serializer   Serializer
	claimTimeout time.Duration
	owner        string
	log          Logger
}

var _ Store = (*TokenStore)(nil)

// Option is a functional option for configuring a TokenStore.
type Option func(*TokenStore) error

func WithSerializer(s Serializer) Option {
	return func(ts *TokenStore) error {
		if s == nil {
			return errors.New("token: serializer can not be nil")
		}
		ts.serializer = s
		return nil
	}
}

func WithClaimTimeout(d time.Duration) Option {
	return func(ts *TokenStore) error {
		if d <= 0 {
			return fmt.Errorf("token: claim timeout must be positive, got %s", d)
		}
		ts.claimTimeout = d
		return nil
	}
}

// WithOwner sets the default owner name of this node.
func WithOwner(owner string) Option {
	return func(ts *TokenStore) error {
		if owner == "" {
			return ErrInvalidOwner
		}
		ts.owner = owner
		return nil
	}
}

func WithLogger(l Logger) Option {
	return func(ts *TokenStore) error {
		if l == nil {
			return errors.New("token: logger can not be nil")
		}
		ts.log = l
		return nil
	}
}

func New(adapter Adapter, opts ...Option) (*TokenStore, error) {
	if adapter == nil {
		return nil, errors.New("token: adapter can not be nil")
	}
	ts := &TokenStore{
		adapter:      adapter,
		serializer:   NewRegistry(),
		claimTimeout: DefaultClaimTimeout,
		owner:        defaultOwner(),
		log:          NoopLogger{},
	}
	for _, opt := range opts {
		if err := opt(ts); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// defaultOwner names the node pid@hostname.
func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// Owner returns the default owner name of this node.
func (s *TokenStore) Owner() string {
	return s.owner
}

func (s *TokenStore) ClaimTimeout() time.Duration {
	return s.claimTimeout
}

func (s *TokenStore) StoreToken(ctx context.Context, marker Marker, processor string, segment int, owner string) error {
	key, err := s.key("store", processor, segment, owner)
	if err != nil {
		return err
	}
	p, err := s.serializer.Serialize(marker)
	if err != nil {
		return &Error{Op: "store", Key: key, Owner: owner, Err: err}
	}
	_, err = s.adapter.ConditionalUpsert(ctx, key,
		Mutation{Owner: owner, Payload: &p, Touch: true, Insert: true},
		ClaimableBy(owner, s.claimTimeout))
	if err != nil {
		return s.fail("store", key, owner, err)
	}
	s.log.Debugf("token: stored %s type=%q owner=%q", key, p.Type, owner)
	return nil
}

func (s *TokenStore) FetchToken(ctx context.Context, processor string, segment int, owner string) (Marker, error) {
	key, err := s.key("fetch", processor, segment, owner)
	if err != nil {
		return nil, err
	}
	// decode before claiming so a payload nobody can read never changes hands
	prev, err := s.adapter.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNoEntry):
	case err != nil:
		return nil, err
	default:
		if _, err := s.decode(key, owner, prev.Payload); err != nil {
			return nil, err
		}
	}
	e, err := s.adapter.ConditionalUpsert(ctx, key,
		Mutation{Owner: owner, Touch: true, Insert: true},
		ClaimableBy(owner, s.claimTimeout))
	if err != nil {
		return nil, s.fail("fetch", key, owner, err)
	}
	return s.decode(key, owner, e.Payload)
}

func (s *TokenStore) decode(key Key, owner string, p Payload) (Marker, error) {
	m, err := s.serializer.Deserialize(p)
	if err != nil {
		s.log.Errorf("token: %s holds undecodable payload: %v", key, err)
		return nil, &Error{Op: "fetch", Key: key, Owner: owner, Err: err}
	}
	return m, nil
}

// ExtendClaim refreshes the claim timestamp of owner. The payload is left
// untouched.
func (s *TokenStore) ExtendClaim(ctx context.Context, processor string, segment int, owner string) error {
	key, err := s.key("extend", processor, segment, owner)
	if err != nil {
		return err
	}
	_, err = s.adapter.ConditionalUpsert(ctx, key,
		Mutation{Owner: owner, Touch: true},
		ClaimableBy(owner, s.claimTimeout))
	if err != nil {
		return s.fail("extend", key, owner, err)
	}
	return nil
}

// ReleaseClaim clears the owner so that any node can claim the segment
// right away. The timestamp is kept.
func (s *TokenStore) ReleaseClaim(ctx context.Context, processor string, segment int, owner string) error {
	key, err := s.key("release", processor, segment, owner)
	if err != nil {
		return err
	}
	_, err = s.adapter.ConditionalUpsert(ctx, key, Mutation{}, OwnedByOwner(owner))
	if err != nil {
		return s.fail("release", key, owner, err)
	}
	s.log.Debugf("token: %s released by %q", key, owner)
	return nil
}

func (s *TokenStore) FetchSegments(ctx context.Context, processor string) ([]int, error) {
	if err := (Key{Processor: processor}).Validate(); err != nil {
		return nil, &Error{Op: "segments", Key: Key{Processor: processor}, Err: err}
	}
	segments, err := s.adapter.Segments(ctx, processor)
	if err != nil {
		return nil, err
	}
	sort.Ints(segments)
	return segments, nil
}

func (s *TokenStore) InitializeSegments(ctx context.Context, processor string, count int, initial Marker) error {
	key := Key{Processor: processor}
	if err := key.Validate(); err != nil {
		return &Error{Op: "initialize", Key: key, Err: err}
	}
	if count <= 0 || count-1 > math.MaxInt32 {
		return &Error{Op: "initialize", Key: key, Err: fmt.Errorf("%w: segment count %d", ErrInvalidKey, count)}
	}
	existing, err := s.adapter.Segments(ctx, processor)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &Error{Op: "initialize", Key: key, Err: ErrAlreadyInitialized}
	}
	p, err := s.serializer.Serialize(initial)
	if err != nil {
		return &Error{Op: "initialize", Key: key, Err: err}
	}
	for segment := 0; segment < count; segment++ {
		key.Segment = segment
		_, err := s.adapter.ConditionalUpsert(ctx, key,
			Mutation{Payload: &p, Touch: true, Insert: true},
			IfAbsent())
		if errors.Is(err, ErrConditionFailed) {
			return &Error{Op: "initialize", Key: key, Err: ErrAlreadyInitialized}
		}
		if err != nil {
			return err
		}
	}
	s.log.Infof("token: initialized %d segments of %q", count, processor)
	return nil
}

func (s *TokenStore) key(op, processor string, segment int, owner string) (Key, error) {
	key := Key{Processor: processor, Segment: segment}
	if err := key.Validate(); err != nil {
		return key, &Error{Op: op, Key: key, Owner: owner, Err: err}
	}
	if owner == "" {
		return key, &Error{Op: op, Key: key, Owner: owner, Err: ErrInvalidOwner}
	}
	return key, nil
}

// fail translates adapter outcomes. Anything else is a storage failure and
// goes back to the caller as is.
func (s *TokenStore) fail(op string, key Key, owner string, err error) error {
	switch {
	case errors.Is(err, ErrNoEntry):
		return &Error{Op: op, Key: key, Owner: owner, Err: ErrUnknownSegment}
	case errors.Is(err, ErrConditionFailed):
		if op == "release" {
			return &Error{Op: op, Key: key, Owner: owner, Err: ErrOwnershipMismatch}
		}
		s.log.Debugf("token: %s %s refused for %q, claimed by another owner", op, key, owner)
		return &Error{Op: op, Key: key, Owner: owner, Err: ErrUnableToClaim}
	}
	return err
}
