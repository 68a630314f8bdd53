package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"tokendragon/token"
)

// metricsStore counts and times every operation of the wrapped store.
type metricsStore struct {
	next     token.Store
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ token.Store = (*metricsStore)(nil)

func newMetricsStore(next token.Store, reg prometheus.Registerer) *metricsStore {
	m := &metricsStore{
		next: next,
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokendragon",
			Name:      "operations_total",
			Help:      "Token store operations by outcome.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokendragon",
			Name:      "operation_seconds",
			Help:      "Token store operation latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
	}
	reg.MustRegister(m.ops, m.duration)
	return m
}

func (m *metricsStore) observe(op string, start time.Time, err error) {
	_, result := classify(err)
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) StoreToken(ctx context.Context, marker token.Marker, processor string, segment int, owner string) error {
	start := time.Now()
	err := m.next.StoreToken(ctx, marker, processor, segment, owner)
	m.observe("store", start, err)
	return err
}

func (m *metricsStore) FetchToken(ctx context.Context, processor string, segment int, owner string) (token.Marker, error) {
	start := time.Now()
	marker, err := m.next.FetchToken(ctx, processor, segment, owner)
	m.observe("fetch", start, err)
	return marker, err
}

func (m *metricsStore) ExtendClaim(ctx context.Context, processor string, segment int, owner string) error {
	start := time.Now()
	err := m.next.ExtendClaim(ctx, processor, segment, owner)
	m.observe("extend", start, err)
	return err
}

func (m *metricsStore) ReleaseClaim(ctx context.Context, processor string, segment int, owner string) error {
	start := time.Now()
	err := m.next.ReleaseClaim(ctx, processor, segment, owner)
	m.observe("release", start, err)
	return err
}

func (m *metricsStore) FetchSegments(ctx context.Context, processor string) ([]int, error) {
	start := time.Now()
	segments, err := m.next.FetchSegments(ctx, processor)
	m.observe("segments", start, err)
	return segments, err
}

func (m *metricsStore) InitializeSegments(ctx context.Context, processor string, count int, initial token.Marker) error {
	start := time.Now()
	err := m.next.InitializeSegments(ctx, processor, count, initial)
	m.observe("initialize", start, err)
	return err
}

func metricsHandler(g prometheus.Gatherer) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
