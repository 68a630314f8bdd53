package token

import (
	"context"
	"time"
)

type ConditionKind int

const (
	// Claimable holds when the entry is absent, unclaimed, owned by
	// Condition.Owner or its claim expired.
	Claimable ConditionKind = iota
	// OwnedBy holds when the entry exists and is owned by Condition.Owner.
	OwnedBy
	// Absent holds when there is no entry.
	Absent
)

func (k ConditionKind) String() string {
	switch k {
	case Claimable:
		return "claimable"
	case OwnedBy:
		return "owned"
	case Absent:
		return "absent"
	}
	return "unknown"
}

// Condition is the predicate of a conditional upsert. Adapters evaluate it
// against the entry as stored at the moment of the write.
type Condition struct {
	Kind    ConditionKind
	Owner   string
	Timeout time.Duration
}

func ClaimableBy(owner string, timeout time.Duration) Condition {
	return Condition{Kind: Claimable, Owner: owner, Timeout: timeout}
}

func OwnedByOwner(owner string) Condition {
	return Condition{Kind: OwnedBy, Owner: owner}
}

func IfAbsent() Condition {
	return Condition{Kind: Absent}
}

// Holds evaluates the condition against cur. exists is false when the key
// has no entry, in which case cur is ignored.
func (c Condition) Holds(cur Entry, exists bool, nowMillis int64) bool {
	switch c.Kind {
	case Claimable:
		return !exists || cur.ClaimableBy(c.Owner, nowMillis, c.Timeout)
	case OwnedBy:
		return exists && cur.Owner == c.Owner
	case Absent:
		return !exists
	}
	return false
}

// Mutation describes the write performed when a Condition holds.
type Mutation struct {
	// Owner is the owner after the write, empty clears the claim.
	Owner string
	// Payload replaces the stored payload, nil keeps it.
	Payload *Payload
	// Touch sets the timestamp to the adapter's current time.
	Touch bool
	// Insert allows creating a missing entry.
	Insert bool
}

// Apply returns the entry written by m over cur.
func (m Mutation) Apply(key Key, cur Entry, exists bool, nowMillis int64) Entry {
	next := cur
	if !exists {
		next = Entry{Key: key, Timestamp: nowMillis}
	}
	next.Owner = m.Owner
	if m.Payload != nil {
		next.Payload = *m.Payload
	}
	if m.Touch {
		next.Timestamp = nowMillis
	}
	return next
}

// Resolve decides the outcome of a conditional upsert for adapters that
// evaluate the predicate in Go. It must be called while the adapter
// excludes every other writer of key.
func Resolve(key Key, cur Entry, exists bool, nowMillis int64, m Mutation, c Condition) (Entry, error) {
	if !exists && c.Kind != Absent && (!m.Insert || c.Kind == OwnedBy) {
		return Entry{}, ErrNoEntry
	}
	if !c.Holds(cur, exists, nowMillis) {
		return Entry{}, ErrConditionFailed
	}
	return m.Apply(key, cur, exists, nowMillis), nil
}

// Adapter wraps the persistent store. ConditionalUpsert is the only write
// and must evaluate the condition and apply the mutation as one atomic step
// with respect to every other caller of the store, in any process.
type Adapter interface {
	// Get returns ErrNoEntry when the key has no entry.
	Get(ctx context.Context, key Key) (Entry, error)
	// ConditionalUpsert returns the entry as written, ErrNoEntry when the
	// key is missing and the mutation can't insert, or ErrConditionFailed.
	ConditionalUpsert(ctx context.Context, key Key, m Mutation, c Condition) (Entry, error)
	// Segments lists the segments of processor that have an entry.
	Segments(ctx context.Context, processor string) ([]int, error)
}

// Clock allows injecting the time reference of an adapter.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
