// Package codec holds the CBOR configuration shared by every internal
// format: WAL record payloads, ingestion socket frames, gRPC messages and
// on-disk rollup snapshots.
//
// Types carry `json` tags; fxamacker/cbor falls back to them when no
// `cbor` tag is present, so one tag controls field naming for both
// encodings.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: sorted map keys, smallest integers.
	// Identical values always produce identical bytes, which keeps WAL
	// records and snapshots comparable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r. CBOR items are
// self-delimiting, so a stream of values needs no extra framing.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
