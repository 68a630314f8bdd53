package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"tokendragon/client"
	"tokendragon/internal/tokentest"
)

const testAddr = "http://tokendragon"

var (
	testClock *tokentest.ManualClock
	testLn    *fasthttputil.InmemoryListener
)

func testDial(string) (net.Conn, error) {
	return testLn.Dial()
}

func newTestClient(opts ...client.Option) *client.Client {
	return client.New(testAddr, append([]client.Option{client.WithDial(testDial)}, opts...)...)
}

// rawRequest sends a request without the client to check the wire format.
func rawRequest(method, uri string, body []byte, header ...string) *fasthttp.Response {
	c := fasthttp.Client{Dial: testDial, DisableHeaderNamesNormalizing: true}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(testAddr + uri)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	req.SetBody(body)
	resp := fasthttp.AcquireResponse()
	if err := c.Do(req, resp); err != nil {
		panic(err)
	}
	return resp
}

func TestMain(m *testing.M) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)

	testClock = tokentest.NewManualClock(tokentest.Epoch)
	clock = testClock
	testLn = fasthttputil.NewInmemoryListener()

	cfg := Config{
		Backend:      BackendPebble,
		DBPath:       "test.db",
		Owner:        "node-test",
		ClaimTimeout: "5s",
	}
	cfg.DBOptions.FS = vfs.NewMem()

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, testLn, cfg)
	}()

	code := m.Run()
	cancel()
	if err := <-done; err != nil {
		panic(err)
	}
	os.Exit(code)
}
