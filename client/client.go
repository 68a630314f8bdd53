// Package client is a token.Store talking to a tokendragon service over
// HTTP. Markers are serialized on the client side, the service only keeps
// their bytes and type tag.
package client

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"tokendragon/token"
)

// TokenTypeHeader carries the type tag of the request or response body.
const TokenTypeHeader = "Token-Type"

const DefaultTimeout = 5 * time.Second

type Client struct {
	addr       string
	hc         *fasthttp.Client
	serializer token.Serializer
	timeout    time.Duration
}

var _ token.Store = (*Client)(nil)

type Option func(*Client)

func WithSerializer(s token.Serializer) Option {
	return func(c *Client) {
		c.serializer = s
	}
}

// WithTimeout bounds requests whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) {
		c.hc.Dial = dial
	}
}

// New returns a client of the service at addr, e.g. http://localhost:8080.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr: strings.TrimRight(addr, "/"),
		hc: &fasthttp.Client{
			NoDefaultUserAgentHeader:      true,
			DisableHeaderNamesNormalizing: true,
			MaxConnsPerHost:               1000,
			ReadBufferSize:                10000,
			WriteBufferSize:               10000,
		},
		serializer: token.NewRegistry(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) segmentURI(processor string, segment int, suffix, owner string) string {
	u := c.addr + "/tokens/" + url.PathEscape(processor) + "/" + strconv.Itoa(segment) + suffix
	if owner != "" {
		u += "?owner=" + url.QueryEscape(owner)
	}
	return u
}

func (c *Client) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	return c.hc.DoDeadline(req, resp, deadline)
}

// call sends the request and maps any non 2xx status to an error.
func (c *Client) call(ctx context.Context, op string, key token.Key, owner, method, uri string, p *token.Payload, resp *fasthttp.Response) error {
	if err := checkKey(key); err != nil {
		return &token.Error{Op: op, Key: key, Owner: owner, Err: err}
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if p != nil {
		if !p.Empty() {
			req.Header.Set(TokenTypeHeader, p.Type)
		}
		req.SetBody(p.Data)
	}
	if err := c.do(ctx, req, resp); err != nil {
		return errors.Wrapf(err, "client: %s %s", op, key)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return statusError(op, key, owner, code, resp.Body())
	}
	return nil
}

// checkKey also rejects names the router can't match as one path segment.
func checkKey(key token.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if strings.IndexByte(key.Processor, '/') >= 0 {
		return errors.Wrap(token.ErrInvalidKey, "'/' in processor name")
	}
	return nil
}

func statusError(op string, key token.Key, owner string, code int, body []byte) error {
	var err error
	switch code {
	case fasthttp.StatusConflict:
		err = token.ErrUnableToClaim
	case fasthttp.StatusNotFound:
		err = token.ErrUnknownSegment
	case fasthttp.StatusForbidden:
		err = token.ErrOwnershipMismatch
	case fasthttp.StatusPreconditionFailed:
		err = token.ErrAlreadyInitialized
	case fasthttp.StatusUnprocessableEntity:
		err = token.ErrSerialization
	case fasthttp.StatusBadRequest:
		err = token.ErrInvalidKey
		if strings.Contains(string(body), token.ErrInvalidOwner.Error()) {
			err = token.ErrInvalidOwner
		}
	default:
		return errors.Errorf("client: %s %s: status %d: %s", op, key, code, body)
	}
	return &token.Error{Op: op, Key: key, Owner: owner, Err: err}
}

func (c *Client) StoreToken(ctx context.Context, marker token.Marker, processor string, segment int, owner string) error {
	key := token.Key{Processor: processor, Segment: segment}
	p, err := c.serializer.Serialize(marker)
	if err != nil {
		return &token.Error{Op: "store", Key: key, Owner: owner, Err: err}
	}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	return c.call(ctx, "store", key, owner, fasthttp.MethodPut, c.segmentURI(processor, segment, "", owner), &p, resp)
}

func (c *Client) FetchToken(ctx context.Context, processor string, segment int, owner string) (token.Marker, error) {
	key := token.Key{Processor: processor, Segment: segment}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	err := c.call(ctx, "fetch", key, owner, fasthttp.MethodGet, c.segmentURI(processor, segment, "", owner), nil, resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == fasthttp.StatusNoContent {
		return nil, nil
	}
	p := token.Payload{
		Data: append([]byte(nil), resp.Body()...),
		Type: string(resp.Header.Peek(TokenTypeHeader)),
	}
	m, err := c.serializer.Deserialize(p)
	if err != nil {
		return nil, &token.Error{Op: "fetch", Key: key, Owner: owner, Err: err}
	}
	return m, nil
}

func (c *Client) ExtendClaim(ctx context.Context, processor string, segment int, owner string) error {
	key := token.Key{Processor: processor, Segment: segment}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	return c.call(ctx, "extend", key, owner, fasthttp.MethodPost, c.segmentURI(processor, segment, "/claim", owner), nil, resp)
}

func (c *Client) ReleaseClaim(ctx context.Context, processor string, segment int, owner string) error {
	key := token.Key{Processor: processor, Segment: segment}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	return c.call(ctx, "release", key, owner, fasthttp.MethodDelete, c.segmentURI(processor, segment, "/claim", owner), nil, resp)
}

func (c *Client) FetchSegments(ctx context.Context, processor string) ([]int, error) {
	key := token.Key{Processor: processor}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	err := c.call(ctx, "segments", key, "", fasthttp.MethodGet, c.addr+"/tokens/"+url.PathEscape(processor), nil, resp)
	if err != nil {
		return nil, err
	}
	var segments []int
	if err := json.Unmarshal(resp.Body(), &segments); err != nil {
		return nil, errors.Wrap(err, "client: decode segments")
	}
	return segments, nil
}

func (c *Client) InitializeSegments(ctx context.Context, processor string, count int, initial token.Marker) error {
	key := token.Key{Processor: processor}
	p, err := c.serializer.Serialize(initial)
	if err != nil {
		return &token.Error{Op: "initialize", Key: key, Err: err}
	}
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	uri := c.addr + "/tokens/" + url.PathEscape(processor) + "?segments=" + strconv.Itoa(count)
	return c.call(ctx, "initialize", key, "", fasthttp.MethodPost, uri, &p, resp)
}
