package transport

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec turns wire frames into websocket messages and back.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Marshal(typ, id string, payload any) ([]byte, error)
	Unmarshal(msg []byte) (Frame, error)
	decode(raw []byte, v any) error
}

// Frame is a decoded envelope whose payload is decoded on demand.
type Frame struct {
	Type  string
	ID    string
	raw   []byte
	codec Codec
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.raw) == 0 {
		return nil
	}
	return f.codec.decode(f.raw, v)
}

// ParseCodec returns the codec with the given name: "json" or "cbor".
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (want json or cbor)", name)
	}
}

// JSONCodec sends text frames: {"type": ..., "id": ..., "data": {...}}.
type JSONCodec struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (JSONCodec) Name() string     { return "json" }
func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Marshal(typ, id string, payload any) ([]byte, error) {
	env := jsonEnvelope{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func (c JSONCodec) Unmarshal(msg []byte) (Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Type: env.Type, ID: env.ID, raw: env.Data, codec: c}, nil
}

func (JSONCodec) decode(raw []byte, v any) error { return json.Unmarshal(raw, v) }

// CBORCodec sends binary frames with the same envelope shape, encoded with
// core deterministic CBOR.
type CBORCodec struct{}

type cborEnvelope struct {
	Type string          `cbor:"type"`
	ID   string          `cbor:"id,omitempty"`
	Data cbor.RawMessage `cbor:"data,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

func (CBORCodec) Name() string     { return "cbor" }
func (CBORCodec) MessageType() int { return websocket.BinaryMessage }

func (CBORCodec) Marshal(typ, id string, payload any) ([]byte, error) {
	env := cborEnvelope{Type: typ, ID: id}
	if payload != nil {
		data, err := cborEnc.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return cborEnc.Marshal(env)
}

func (c CBORCodec) Unmarshal(msg []byte) (Frame, error) {
	var env cborEnvelope
	if err := cborDec.Unmarshal(msg, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Type: env.Type, ID: env.ID, raw: env.Data, codec: c}, nil
}

func (CBORCodec) decode(raw []byte, v any) error { return cborDec.Unmarshal(raw, v) }
