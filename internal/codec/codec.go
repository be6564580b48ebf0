// Package codec holds the body encodings and compressions shared by the
// durable backends.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes backend payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
	Name() string
}

// Parse returns the codec registered under name.
func Parse(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ForContentType returns the codec matching a Content-Type header value.
func ForContentType(ct string) Codec {
	if ct == CBOR.ContentType() {
		return CBOR
	}
	return JSON
}

var (
	// JSON is the default wire codec.
	JSON Codec = jsonCodec{}
	// CBOR uses Core Deterministic Encoding, so equal values produce equal bytes.
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Name() string                       { return "json" }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	// keep nanoseconds and the UTC offset of timestamps
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		// metadata values decoded into any must stay JSON compatible
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (cborCodec) ContentType() string                  { return "application/cbor" }
func (cborCodec) Name() string                         { return "cbor" }
