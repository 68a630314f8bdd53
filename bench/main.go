// Command bench hammers a tokendragon service with claim, store and release
// cycles from many owners and checks that no update was lost.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/namsral/flag"

	"tokendragon/client"
	"tokendragon/token"
)

// Cycle claims a random segment, increments its IndexMarker and releases
// it. It reports the segment when the increment was stored.
func Cycle(ctx context.Context, c token.Store, rnd *rand.Rand, processor, owner string, segments int) (int, bool, error) {
	segment := rnd.Intn(segments)
	m, err := c.FetchToken(ctx, processor, segment, owner)
	if errors.Is(err, token.ErrUnableToClaim) {
		return segment, false, nil
	}
	if err != nil {
		return segment, false, err
	}
	var idx token.IndexMarker
	if m != nil {
		idx = m.(token.IndexMarker)
	}
	idx.Index++
	err = c.StoreToken(ctx, idx, processor, segment, owner)
	if errors.Is(err, token.ErrUnableToClaim) {
		// the claim expired and was taken over
		return segment, false, nil
	}
	if err != nil {
		return segment, false, err
	}
	err = c.ReleaseClaim(ctx, processor, segment, owner)
	if errors.Is(err, token.ErrOwnershipMismatch) {
		// the claim expired after the store, the increment is still there
		return segment, true, nil
	}
	return segment, true, err
}

func BenchmarkClaims(ctx context.Context, c token.Store, processor string, segments, parallel, nPerThread int) ([]int64, int64) {
	stored := make([]int64, segments)
	var contended int64

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		owner := fmt.Sprintf("bench-%d", i)
		wg.Add(1)
		go func() {
			rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
			defer wg.Done()
			for j := 0; j < nPerThread; j++ {
				segment, ok, err := Cycle(ctx, c, rnd, processor, owner, segments)
				if err != nil {
					panic(err)
				}
				if ok {
					atomic.AddInt64(&stored[segment], 1)
				} else {
					atomic.AddInt64(&contended, 1)
				}
			}
		}()
	}
	wg.Wait()
	return stored, contended
}

// Verify compares the final marker of every segment with the number of
// increments stored for it.
func Verify(ctx context.Context, c token.Store, processor string, stored []int64) error {
	for segment, want := range stored {
		m, err := c.FetchToken(ctx, processor, segment, "bench-verify")
		if err != nil {
			return err
		}
		var got int64
		if m != nil {
			got = m.(token.IndexMarker).Index
		}
		if got != want {
			return fmt.Errorf("segment %d: marker %d, stored %d increments", segment, got, want)
		}
	}
	return nil
}

func main() {
	var (
		addr      string
		segments  int
		parallel  int
		perThread int
	)
	flag.StringVar(&addr, "addr", "http://localhost:8080", "tokendragon service address")
	flag.IntVar(&segments, "segments", 16, "number of segments")
	flag.IntVar(&parallel, "parallel", 100, "number of concurrent owners")
	flag.IntVar(&perThread, "cycles", 100, "claim cycles per owner")
	flag.Parse()

	ctx := context.Background()
	c := client.New(addr)
	processor := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	err := c.InitializeSegments(ctx, processor, segments, token.IndexMarker{})
	if err != nil {
		log.Fatal(err)
	}

	total := float64(parallel * perThread)
	start := time.Now()
	stored, contended := BenchmarkClaims(ctx, c, processor, segments, parallel, perThread)
	log.Printf("claim cycles for %d owners and %d segments: %.1fk req/sec, %d contended",
		parallel, segments, total/time.Since(start).Seconds()/1000, contended)

	err = Verify(ctx, c, processor, stored)
	if err != nil {
		log.Fatal("lost update: ", err)
	}
	log.Print("no lost updates")
}
