package token

import (
	"github.com/pkg/errors"
)

// Serializer converts markers to payloads and back.
type Serializer interface {
	Serialize(Marker) (Payload, error)
	Deserialize(Payload) (Marker, error)
}

// Decoder builds a marker from the bytes written by its MarshalMarker.
type Decoder func(data []byte) (Marker, error)

// Registry is a Serializer resolving type tags through decoders supplied by
// the caller. Register all decoders before the registry is shared, it is
// not safe for concurrent modification.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns a registry knowing IndexMarker and MultiSourceMarker.
func NewRegistry() *Registry {
	r := &Registry{decoders: map[string]Decoder{}}
	r.decoders[IndexMarkerType] = decodeIndexMarker
	r.decoders[MultiSourceMarkerType] = decodeMultiSourceMarker
	return r
}

func (r *Registry) Register(typ string, dec Decoder) error {
	if typ == "" {
		return errors.New("token: empty type tag")
	}
	if dec == nil {
		return errors.Errorf("token: nil decoder for %q", typ)
	}
	if _, found := r.decoders[typ]; found {
		return errors.Errorf("token: decoder for %q already registered", typ)
	}
	r.decoders[typ] = dec
	return nil
}

// Serialize encodes m. A nil marker gives the absent payload.
func (r *Registry) Serialize(m Marker) (Payload, error) {
	if m == nil {
		return Payload{}, nil
	}
	typ := m.MarkerType()
	if _, found := r.decoders[typ]; !found {
		return Payload{}, errors.Wrapf(ErrUnknownType, "encode %q", typ)
	}
	return serialize(m)
}

// Deserialize decodes p. The absent payload gives a nil marker.
func (r *Registry) Deserialize(p Payload) (Marker, error) {
	if p.Empty() {
		return nil, nil
	}
	dec, found := r.decoders[p.Type]
	if !found {
		return nil, errors.Wrapf(ErrUnknownType, "decode %q", p.Type)
	}
	m, err := dec(p.Data)
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "decode %q: %v", p.Type, err)
	}
	return m, nil
}

func serialize(m Marker) (Payload, error) {
	typ := m.MarkerType()
	if typ == "" {
		return Payload{}, errors.Wrap(ErrSerialization, "marker without type tag")
	}
	d, err := m.MarshalMarker()
	if err != nil {
		return Payload{}, errors.Wrapf(ErrSerialization, "encode %q: %v", typ, err)
	}
	return Payload{Data: d, Type: typ}, nil
}

// RawSerializer passes payloads through as RawMarker values.
type RawSerializer struct{}

func (RawSerializer) Serialize(m Marker) (Payload, error) {
	if m == nil {
		return Payload{}, nil
	}
	return serialize(m)
}

func (RawSerializer) Deserialize(p Payload) (Marker, error) {
	if p.Empty() {
		return nil, nil
	}
	return RawMarker{Type: p.Type, Data: p.Data}, nil
}
