package pebblestore

import (
	"github.com/tinylib/msgp/msgp"

	"tokendragon/token"
)

// record is the msgp encoded value of an entry.
type record struct {
	Processor string `msg:"p"`
	Segment   int    `msg:"s"`
	Owner     string `msg:"o"`
	Timestamp int64  `msg:"t"`
	Token     []byte `msg:"d"`
	TokenType string `msg:"y"`
}

func recordOf(e token.Entry) record {
	return record{
		Processor: e.Key.Processor,
		Segment:   e.Key.Segment,
		Owner:     e.Owner,
		Timestamp: e.Timestamp,
		Token:     e.Payload.Data,
		TokenType: e.Payload.Type,
	}
}

func (z *record) Entry() token.Entry {
	return token.Entry{
		Key:       token.Key{Processor: z.Processor, Segment: z.Segment},
		Payload:   token.Payload{Data: z.Token, Type: z.TokenType},
		Owner:     z.Owner,
		Timestamp: z.Timestamp,
	}
}

// MarshalMsg implements msgp.Marshaler
func (z *record) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	// map header, size 6
	o = append(o, 0x86)
	o = msgp.AppendString(o, "p")
	o = msgp.AppendString(o, z.Processor)
	o = msgp.AppendString(o, "s")
	o = msgp.AppendInt(o, z.Segment)
	o = msgp.AppendString(o, "o")
	o = msgp.AppendString(o, z.Owner)
	o = msgp.AppendString(o, "t")
	o = msgp.AppendInt64(o, z.Timestamp)
	o = msgp.AppendString(o, "d")
	o = msgp.AppendBytes(o, z.Token)
	o = msgp.AppendString(o, "y")
	o = msgp.AppendString(o, z.TokenType)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *record) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var zb0001 uint32
	zb0001, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		err = msgp.WrapError(err)
		return
	}
	for zb0001 > 0 {
		zb0001--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			err = msgp.WrapError(err)
			return
		}
		switch msgp.UnsafeString(field) {
		case "p":
			z.Processor, bts, err = msgp.ReadStringBytes(bts)
		case "s":
			z.Segment, bts, err = msgp.ReadIntBytes(bts)
		case "o":
			z.Owner, bts, err = msgp.ReadStringBytes(bts)
		case "t":
			z.Timestamp, bts, err = msgp.ReadInt64Bytes(bts)
		case "d":
			// nil scratch: the value must not alias the pebble buffer
			z.Token, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "y":
			z.TokenType, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			err = msgp.WrapError(err, string(field))
			return
		}
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (z *record) Msgsize() (s int) {
	s = 1 + 2 + msgp.StringPrefixSize + len(z.Processor) + 2 + msgp.IntSize + 2 + msgp.StringPrefixSize + len(z.Owner) +
		2 + msgp.Int64Size + 2 + msgp.BytesPrefixSize + len(z.Token) + 2 + msgp.StringPrefixSize + len(z.TokenType)
	return
}
