package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	for _, m := range []Marker{
		IndexMarker{Index: 0},
		IndexMarker{Index: -1},
		IndexMarker{Index: 1 << 40},
		MultiSourceMarker{},
		MultiSourceMarker{"orders": 12, "payments": 7},
	} {
		p, err := r.Serialize(m)
		require.NoError(t, err)
		assert.Equal(t, m.MarkerType(), p.Type)

		got, err := r.Deserialize(p)
		require.NoError(t, err)
		assert.True(t, m.Equal(got), "%v != %v", m, got)
	}
}

func TestRegistryNilMarker(t *testing.T) {
	r := NewRegistry()
	p, err := r.Serialize(nil)
	require.NoError(t, err)
	assert.True(t, p.Empty())

	m, err := r.Deserialize(Payload{})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMultiSourceMarkerStableBytes(t *testing.T) {
	a, err := MultiSourceMarker{"a": 1, "b": 2, "c": 3}.MarshalMarker()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := MultiSourceMarker{"c": 3, "b": 2, "a": 1}.MarshalMarker()
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()

	_, err := r.Serialize(RawMarker{Type: "custom", Data: []byte("x")})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Deserialize(Payload{Data: []byte("x"), Type: "custom"})
	require.ErrorIs(t, err, ErrUnknownType)
	require.ErrorIs(t, err, ErrSerialization)

	_, err = r.Deserialize(Payload{Data: []byte{0xc1}, Type: IndexMarkerType})
	require.ErrorIs(t, err, ErrSerialization)

	good, err := r.Serialize(IndexMarker{Index: 5})
	require.NoError(t, err)
	_, err = r.Deserialize(Payload{Data: append(good.Data, 0), Type: IndexMarkerType})
	require.ErrorIs(t, err, ErrSerialization)

	require.Error(t, r.Register("", func([]byte) (Marker, error) { return nil, nil }))
	require.Error(t, r.Register("custom", nil))
	require.Error(t, r.Register(IndexMarkerType, decodeIndexMarker))
}

func TestRegistryCustomDecoder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("custom", func(d []byte) (Marker, error) {
		return RawMarker{Type: "custom", Data: d}, nil
	}))

	in := RawMarker{Type: "custom", Data: []byte{0, 1, 2}}
	p, err := r.Serialize(in)
	require.NoError(t, err)
	out, err := r.Deserialize(p)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestRawSerializer(t *testing.T) {
	var s RawSerializer
	in := Payload{Data: []byte{9, 8, 7}, Type: "anything"}

	m, err := s.Deserialize(in)
	require.NoError(t, err)
	assert.Equal(t, RawMarker{Type: "anything", Data: []byte{9, 8, 7}}, m)

	out, err := s.Serialize(m)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))

	_, err = s.Serialize(RawMarker{})
	require.ErrorIs(t, err, ErrSerialization)
}
