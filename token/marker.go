package token

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Marker is a progress marker (tracking token): an immutable position in an
// event stream. The store never looks inside, it only keeps the bytes
// returned by MarshalMarker under the MarkerType tag.
type Marker interface {
	MarkerType() string
	MarshalMarker() ([]byte, error)
	Equal(Marker) bool
}

// Payload is a serialized marker. A payload without Type is the absent
// payload, which stands for the start of the stream.
type Payload struct {
	Data []byte
	Type string
}

func (p Payload) Empty() bool {
	return p.Type == ""
}

func (p Payload) Equal(o Payload) bool {
	return p.Type == o.Type && bytes.Equal(p.Data, o.Data)
}

const (
	IndexMarkerType       = "index"
	MultiSourceMarkerType = "multi-source"
)

// IndexMarker is the position in a globally ordered event stream.
type IndexMarker struct {
	Index int64
}

func (m IndexMarker) MarkerType() string { return IndexMarkerType }

func (m IndexMarker) MarshalMarker() ([]byte, error) {
	return msgp.AppendInt64(nil, m.Index), nil
}

func (m IndexMarker) Equal(o Marker) bool {
	other, ok := o.(IndexMarker)
	return ok && other.Index == m.Index
}

func decodeIndexMarker(d []byte) (Marker, error) {
	idx, rest, err := msgp.ReadInt64Bytes(d)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("%d trailing bytes", len(rest))
	}
	return IndexMarker{Index: idx}, nil
}

// MultiSourceMarker tracks one index per named source when a processor
// reads several streams.
type MultiSourceMarker map[string]int64

func (m MultiSourceMarker) MarkerType() string { return MultiSourceMarkerType }

// MarshalMarker writes sources in name order so equal markers produce
// equal bytes.
func (m MultiSourceMarker) MarshalMarker() ([]byte, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	b := msgp.AppendMapHeader(nil, uint32(len(names)))
	for _, name := range names {
		b = msgp.AppendString(b, name)
		b = msgp.AppendInt64(b, m[name])
	}
	return b, nil
}

func (m MultiSourceMarker) Equal(o Marker) bool {
	other, ok := o.(MultiSourceMarker)
	if !ok || len(other) != len(m) {
		return false
	}
	for name, idx := range m {
		if oidx, found := other[name]; !found || oidx != idx {
			return false
		}
	}
	return true
}

func decodeMultiSourceMarker(d []byte) (Marker, error) {
	sz, d, err := msgp.ReadMapHeaderBytes(d)
	if err != nil {
		return nil, err
	}
	m := make(MultiSourceMarker, sz)
	for ; sz > 0; sz-- {
		var name string
		name, d, err = msgp.ReadStringBytes(d)
		if err != nil {
			return nil, err
		}
		m[name], d, err = msgp.ReadInt64Bytes(d)
		if err != nil {
			return nil, msgp.WrapError(err, name)
		}
	}
	if len(d) != 0 {
		return nil, errors.Errorf("%d trailing bytes", len(d))
	}
	return m, nil
}

// RawMarker carries a payload without decoding it. It is what a
// RawSerializer hands out, which lets a service move markers it has no
// decoder for.
type RawMarker struct {
	Type string
	Data []byte
}

func (m RawMarker) MarkerType() string { return m.Type }

func (m RawMarker) MarshalMarker() ([]byte, error) { return m.Data, nil }

func (m RawMarker) Equal(o Marker) bool {
	other, ok := o.(RawMarker)
	return ok && other.Type == m.Type && bytes.Equal(other.Data, m.Data)
}
