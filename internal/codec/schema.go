package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	pk "github.com/Tnze/go-mc/net/packet"
	"github.com/sleepy778/1.21.4eag/internal/proto"
)

// PayloadField carries the raw body of packets without a schema.
const PayloadField = "payload"

type fieldKind int

const (
	kindLong fieldKind = iota
	kindInt
)

type fieldSpec struct {
	name string
	kind fieldKind
}

var schemas = map[packetKey][]fieldSpec{
	{Configuration, Clientbound, 0x03}: {},
	{Configuration, Serverbound, 0x03}: {},
	{Configuration, Clientbound, 0x04}: {{"keep_alive_id", kindLong}},
	{Configuration, Serverbound, 0x04}: {{"keep_alive_id", kindLong}},
	{Configuration, Clientbound, 0x05}: {{"id", kindInt}},
	{Configuration, Serverbound, 0x05}: {{"id", kindInt}},
	{Play, Clientbound, 0x27}:          {{"keep_alive_id", kindLong}},
	{Play, Serverbound, 0x1a}:          {{"keep_alive_id", kindLong}},
	{Play, Clientbound, 0x70}:          {},
	{Play, Serverbound, 0x0e}:          {},
}

// Decode turns a wire packet into its structural form. It never fails: a
// body that does not match the schema is passed on as a payload.
func Decode(state State, dir Direction, p pk.Packet) proto.Packet {
	key := packetKey{state, dir, p.ID}
	name := PacketName(state, dir, p.ID)
	if fields, ok := schemas[key]; ok {
		if data, ok := decodeFields(fields, p.Data); ok {
			return proto.Packet{Name: name, Data: data}
		}
	}
	return proto.Packet{Name: name, Data: proto.Map(map[string]proto.Value{
		PayloadField: proto.String(base64.StdEncoding.EncodeToString(p.Data)),
	})}
}

func decodeFields(fields []fieldSpec, body []byte) (proto.Value, bool) {
	r := bytes.NewReader(body)
	m := make(map[string]proto.Value, len(fields))
	for _, f := range fields {
		switch f.kind {
		case kindLong:
			var v pk.Long
			if _, err := v.ReadFrom(r); err != nil {
				return proto.Value{}, false
			}
			m[f.name] = proto.Int(int64(v))
		case kindInt:
			var v pk.Int
			if _, err := v.ReadFrom(r); err != nil {
				return proto.Value{}, false
			}
			m[f.name] = proto.Int(int64(v))
		}
	}
	if r.Len() != 0 {
		return proto.Value{}, false
	}
	return proto.Map(m), true
}

// Encode turns a structural packet into a wire packet. Unknown names and
// data that fit neither the schema nor the payload form are reported as
// proto.ErrMalformedMessage.
func Encode(state State, dir Direction, p proto.Packet) (pk.Packet, error) {
	id, ok := PacketID(state, dir, p.Name)
	if !ok {
		return pk.Packet{}, fmt.Errorf("%w: no %s %s packet %q", proto.ErrMalformedMessage, state, dir, p.Name)
	}
	if payload, ok := p.Data.Get(PayloadField); ok {
		if payload.Kind() != proto.KindString {
			return pk.Packet{}, fmt.Errorf("%w: %s payload must be base64 text", proto.ErrMalformedMessage, p.Name)
		}
		body, err := base64.StdEncoding.DecodeString(payload.Str())
		if err != nil {
			return pk.Packet{}, fmt.Errorf("%w: %s payload: %v", proto.ErrMalformedMessage, p.Name, err)
		}
		return pk.Packet{ID: id, Data: body}, nil
	}
	fields, ok := schemas[packetKey{state, dir, id}]
	if !ok {
		return pk.Packet{}, fmt.Errorf("%w: %s needs a %s field", proto.ErrMalformedMessage, p.Name, PayloadField)
	}
	var buf bytes.Buffer
	if err := encodeFields(&buf, fields, p.Data); err != nil {
		return pk.Packet{}, fmt.Errorf("%w: %s: %v", proto.ErrMalformedMessage, p.Name, err)
	}
	return pk.Packet{ID: id, Data: buf.Bytes()}, nil
}

func encodeFields(w io.Writer, fields []fieldSpec, data proto.Value) error {
	for _, f := range fields {
		v, ok := data.Get(f.name)
		if !ok {
			return fmt.Errorf("missing field %q", f.name)
		}
		n, ok := v.Int64()
		if !ok {
			return fmt.Errorf("field %q is not an integer", f.name)
		}
		var err error
		switch f.kind {
		case kindLong:
			_, err = pk.Long(n).WriteTo(w)
		case kindInt:
			if int64(int32(n)) != n {
				return fmt.Errorf("field %q out of range", f.name)
			}
			_, err = pk.Int(n).WriteTo(w)
		default:
			err = errors.New("unknown field kind")
		}
		if err != nil {
			return err
		}
	}
	return nil
}
