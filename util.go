package main

import (
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/valyala/fasthttp"

	"tokendragon/token"
	"tokendragon/token/pebblestore"
)

func getProcessor(ctx *fasthttp.RequestCtx) (string, error) {
	processor := ctx.UserValue("processor").(string)
	if err := (token.Key{Processor: processor}).Validate(); err != nil {
		return "", err
	}
	return processor, nil
}

func getKey(ctx *fasthttp.RequestCtx) (token.Key, error) {
	processor, err := getProcessor(ctx)
	if err != nil {
		return token.Key{}, err
	}
	seg := ctx.UserValue("segment").(string)
	if len(seg) > 10 || len(seg) == 0 {
		return token.Key{}, fmt.Errorf("%w: segment len is not in range 1~10", token.ErrInvalidKey)
	}
	segment, err := strconv.Atoi(seg)
	if err != nil {
		return token.Key{}, fmt.Errorf("%w: failed to parse segment %q", token.ErrInvalidKey, seg)
	}
	key := token.Key{Processor: processor, Segment: segment}
	return key, key.Validate()
}

// getOwner returns the owner query arg, or the node owner when it is missing.
func getOwner(ctx *fasthttp.RequestCtx) string {
	owner := ctx.QueryArgs().Peek("owner")
	if len(owner) == 0 {
		return nodeOwner
	}
	return string(owner)
}

// getMarker reads the body as a raw marker. No Token-Type header means no
// marker.
func getMarker(ctx *fasthttp.RequestCtx) (token.Marker, error) {
	typ := ctx.Request.Header.Peek(tokenTypeHeader)
	if len(typ) == 0 {
		if len(ctx.PostBody()) > 0 {
			return nil, fmt.Errorf("%w: body without %s header", token.ErrSerialization, tokenTypeHeader)
		}
		return nil, nil
	}
	// the body buffer is reused after the handler returns
	return token.RawMarker{Type: string(typ), Data: append([]byte(nil), ctx.PostBody()...)}, nil
}

// classify returns the status code and metric label of an operation error.
func classify(err error) (int, string) {
	switch {
	case err == nil:
		return fasthttp.StatusOK, "ok"
	case errors.Is(err, token.ErrUnableToClaim):
		return fasthttp.StatusConflict, "unable_to_claim"
	case errors.Is(err, token.ErrUnknownSegment):
		return fasthttp.StatusNotFound, "unknown_segment"
	case errors.Is(err, token.ErrOwnershipMismatch):
		return fasthttp.StatusForbidden, "ownership_mismatch"
	case errors.Is(err, token.ErrAlreadyInitialized):
		return fasthttp.StatusPreconditionFailed, "already_initialized"
	case errors.Is(err, token.ErrInvalidKey), errors.Is(err, token.ErrInvalidOwner):
		return fasthttp.StatusBadRequest, "invalid"
	case errors.Is(err, token.ErrSerialization):
		return fasthttp.StatusUnprocessableEntity, "serialization"
	case errors.Is(err, pebblestore.ErrStopped):
		return fasthttp.StatusServiceUnavailable, "stopped"
	}
	return fasthttp.StatusInternalServerError, "error"
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	code, _ := classify(err)
	if code == fasthttp.StatusInternalServerError {
		log.Printf("%s %s: %v", ctx.Method(), ctx.Path(), err)
	}
	ctx.Error(err.Error(), code)
}

// stdLogger sends token store logs to the standard logger.
type stdLogger struct {
	debug bool
}

func (l stdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		log.Printf("DEBUG "+format, args...)
	}
}

func (l stdLogger) Infof(format string, args ...interface{}) {
	log.Printf("INFO "+format, args...)
}

func (l stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("ERROR "+format, args...)
}
