package token

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Key identifies one segment of one stream processor.
type Key struct {
	Processor string
	Segment   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Processor, k.Segment)
}

// Validate checks the key can be encoded by every adapter: the name is used
// as a 0 delimited key part and the segment as an unsigned 32 bit integer.
func (k Key) Validate() error {
	if len(k.Processor) == 0 || len(k.Processor) > 255 {
		return fmt.Errorf("%w: processor name len is not in range 1~255", ErrInvalidKey)
	}
	if strings.IndexByte(k.Processor, 0) >= 0 {
		return fmt.Errorf("%w: 0 is not allowed as a character in processor name", ErrInvalidKey)
	}
	if k.Segment < 0 || k.Segment > math.MaxInt32 {
		return fmt.Errorf("%w: segment %d out of range", ErrInvalidKey, k.Segment)
	}
	return nil
}

// Entry is the persisted record of one Key.
type Entry struct {
	Key     Key
	Payload Payload
	// Owner is empty when nobody holds the claim.
	Owner string
	// Timestamp is the epoch millis of the last accepted claim write.
	Timestamp int64
}

func (e Entry) Claimed() bool {
	return e.Owner != ""
}

// Expired reports whether the claim is older than timeout at nowMillis.
// A claim exactly timeout old is expired.
func (e Entry) Expired(nowMillis int64, timeout time.Duration) bool {
	return nowMillis-e.Timestamp >= timeout.Milliseconds()
}

// ClaimableBy reports whether owner may take or refresh the claim.
func (e Entry) ClaimableBy(owner string, nowMillis int64, timeout time.Duration) bool {
	return !e.Claimed() || e.Owner == owner || e.Expired(nowMillis, timeout)
}

func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
