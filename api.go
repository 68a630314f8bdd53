package main

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"tokendragon/client"
	"tokendragon/token"
)

const tokenTypeHeader = client.TokenTypeHeader

// GetSegmentsHandler lists the segments of a processor as a JSON array.
func GetSegmentsHandler(ctx *fasthttp.RequestCtx) {
	processor, err := getProcessor(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	segments, err := tokens.FetchSegments(ctx, processor)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	d, err := json.Marshal(segments)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(d)
}

// InitializeSegmentsHandler creates ?segments=N unclaimed segments holding
// the marker in the body.
func InitializeSegmentsHandler(ctx *fasthttp.RequestCtx) {
	processor, err := getProcessor(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	count, err := strconv.Atoi(string(ctx.QueryArgs().Peek("segments")))
	if err != nil {
		writeErr(ctx, fmt.Errorf("%w: failed to parse segments %v", token.ErrInvalidKey, err))
		return
	}
	marker, err := getMarker(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	err = tokens.InitializeSegments(ctx, processor, count, marker)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
}

// FetchTokenHandler claims the segment and returns its marker, 204 when the
// segment has none.
func FetchTokenHandler(ctx *fasthttp.RequestCtx) {
	key, err := getKey(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	m, err := tokens.FetchToken(ctx, key.Processor, key.Segment, getOwner(ctx))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if m == nil {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}
	d, err := m.MarshalMarker()
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.Response.Header.Set(tokenTypeHeader, m.MarkerType())
	ctx.SetBody(d)
}

func StoreTokenHandler(ctx *fasthttp.RequestCtx) {
	key, err := getKey(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	marker, err := getMarker(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	err = tokens.StoreToken(ctx, marker, key.Processor, key.Segment, getOwner(ctx))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func ExtendClaimHandler(ctx *fasthttp.RequestCtx) {
	key, err := getKey(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	err = tokens.ExtendClaim(ctx, key.Processor, key.Segment, getOwner(ctx))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func ReleaseClaimHandler(ctx *fasthttp.RequestCtx) {
	key, err := getKey(ctx)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	err = tokens.ReleaseClaim(ctx, key.Processor, key.Segment, getOwner(ctx))
	if err != nil {
		writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}
