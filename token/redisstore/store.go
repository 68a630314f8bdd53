// Package redisstore keeps token entries in Redis hashes. The conditional
// upsert runs as a Lua script, which Redis executes atomically, and takes
// its time from the server unless a clock is injected.
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"tokendragon/token"
)

const DefaultPrefix = "tokendragon"

// Config for creating a Redis store
type Config struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number
	Prefix   string // key prefix (default: tokendragon)
}

type Store struct {
	client redis.UniversalClient
	prefix string
	clock  token.Clock // nil means the redis server clock
}

var _ token.Adapter = (*Store)(nil)

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock makes claim timestamps come from c instead of the redis TIME
// command.
func WithClock(c token.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Open connects to the server described by cfg.
func Open(cfg Config, opts ...Option) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	return New(client, opts...)
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Entries of one processor share the {processor} hash tag, so the script
// touches a single cluster slot.
func (s *Store) entryKey(key token.Key) string {
	return fmt.Sprintf("%s:{%s}:%d", s.prefix, key.Processor, key.Segment)
}

func (s *Store) segmentsKey(processor string) string {
	return fmt.Sprintf("%s:{%s}", s.prefix, processor)
}

// KEYS[1] entry hash, KEYS[2] segment set
// ARGV processor, segment, now, kind, cond owner, timeout, owner, touch,
// insert, has payload, token, token type
var upsertScript = redis.NewScript(`
local now = tonumber(ARGV[3])
if not now then
	redis.replicate_commands()
	local t = redis.call('TIME')
	now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end
local exists = redis.call('EXISTS', KEYS[1]) == 1
local kind = ARGV[4]
if not exists and kind ~= 'absent' and (ARGV[9] ~= '1' or kind == 'owned') then
	return {'noentry'}
end
local owner, ts = '', 0
if exists then
	local cur = redis.call('HMGET', KEYS[1], 'owner', 'timestamp')
	owner = cur[1] or ''
	ts = tonumber(cur[2]) or 0
end
if kind == 'claimable' then
	if exists and owner ~= '' and owner ~= ARGV[5] and now - ts < tonumber(ARGV[6]) then
		return {'failed'}
	end
elseif kind == 'owned' then
	if owner ~= ARGV[5] then
		return {'failed'}
	end
elseif exists then
	return {'failed'}
end
local nowstr = string.format('%.0f', now)
redis.call('HSET', KEYS[1], 'owner', ARGV[7])
if not exists or ARGV[8] == '1' then
	redis.call('HSET', KEYS[1], 'timestamp', nowstr)
end
if ARGV[10] == '1' then
	redis.call('HSET', KEYS[1], 'token', ARGV[11], 'token_type', ARGV[12])
end
if not exists then
	redis.call('HSET', KEYS[1], 'processor', ARGV[1], 'segment', ARGV[2])
	redis.call('SADD', KEYS[2], ARGV[2])
end
local e = redis.call('HMGET', KEYS[1], 'owner', 'timestamp', 'token', 'token_type')
return {'ok', e[1] or '', e[2] or '0', e[3] or '', e[4] or ''}
`)

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) ConditionalUpsert(ctx context.Context, key token.Key, m token.Mutation, c token.Condition) (token.Entry, error) {
	now := ""
	if s.clock != nil {
		now = strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	}
	var p token.Payload
	if m.Payload != nil {
		p = *m.Payload
	}
	res, err := upsertScript.Run(ctx, s.client,
		[]string{s.entryKey(key), s.segmentsKey(key.Processor)},
		key.Processor, key.Segment, now, c.Kind.String(), c.Owner, c.Timeout.Milliseconds(),
		m.Owner, flag(m.Touch), flag(m.Insert), flag(m.Payload != nil), p.Data, p.Type,
	).StringSlice()
	if err != nil {
		return token.Entry{}, errors.Wrapf(err, "redisstore: upsert %s", key)
	}
	switch res[0] {
	case "noentry":
		return token.Entry{}, token.ErrNoEntry
	case "failed":
		return token.Entry{}, token.ErrConditionFailed
	case "ok":
		if len(res) == 5 {
			return parseEntry(key, res[1], res[2], res[3], res[4])
		}
	}
	return token.Entry{}, errors.Errorf("redisstore: unexpected script reply %q", res)
}

func parseEntry(key token.Key, owner, ts, data, typ string) (token.Entry, error) {
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return token.Entry{}, errors.Wrapf(err, "redisstore: bad timestamp of %s", key)
	}
	e := token.Entry{
		Key:       key,
		Owner:     owner,
		Timestamp: timestamp,
		Payload:   token.Payload{Type: typ},
	}
	if data != "" {
		e.Payload.Data = []byte(data)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, key token.Key) (token.Entry, error) {
	h, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return token.Entry{}, err
	}
	if len(h) == 0 {
		return token.Entry{}, token.ErrNoEntry
	}
	return parseEntry(key, h["owner"], h["timestamp"], h["token"], h["token_type"])
}

func (s *Store) Segments(ctx context.Context, processor string) ([]int, error) {
	members, err := s.client.SMembers(ctx, s.segmentsKey(processor)).Result()
	if err != nil {
		return nil, err
	}
	segments := make([]int, 0, len(members))
	for _, m := range members {
		segment, err := strconv.Atoi(m)
		if err != nil {
			return nil, errors.Wrapf(err, "redisstore: bad segment of %q", processor)
		}
		segments = append(segments, segment)
	}
	return segments, nil
}
