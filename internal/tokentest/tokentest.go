// Package tokentest holds test doubles and the contract suite shared by
// the token adapters.
package tokentest

import (
	"sync"
	"time"

	"tokendragon/token"
)

// Epoch is the start time of every ManualClock built by the suites.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a token.Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const StubMarkerType = "stub"

// StubMarker is a marker made of a single string value.
type StubMarker struct {
	Value string
}

func (m StubMarker) MarkerType() string { return StubMarkerType }

func (m StubMarker) MarshalMarker() ([]byte, error) { return []byte(m.Value), nil }

func (m StubMarker) Equal(o token.Marker) bool {
	other, ok := o.(StubMarker)
	return ok && other.Value == m.Value
}

func DecodeStub(d []byte) (token.Marker, error) {
	return StubMarker{Value: string(d)}, nil
}

// Registry returns a registry that also knows StubMarker.
func Registry() *token.Registry {
	r := token.NewRegistry()
	if err := r.Register(StubMarkerType, DecodeStub); err != nil {
		panic(err)
	}
	return r
}
