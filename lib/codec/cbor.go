// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// LinkTag is the CBOR tag number DAG-CBOR reserves for content links
// (CIDs).
const LinkTag = 42

// encMode uses RFC 7049 canonical encoding: map keys sorted
// length-first then bytewise, which is the DAG-CBOR ordering rule.
var encMode cbor.EncMode

// decMode decodes DAG-CBOR. Unknown fields are ignored so records
// written by newer lexicon revisions still decode.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CanonicalEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Repository data only ever has string map keys. Without this
		// the decoder would produce map[interface{}]interface{} for
		// any-typed targets, which encoding/json cannot handle.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		// DAG-CBOR forbids indefinite-length items and duplicate keys.
		IndefLength: cbor.IndefLengthForbidden,
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as DAG-CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single DAG-CBOR value into v. Trailing bytes are
// an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first DAG-CBOR value of a sequence into v
// and returns the bytes that follow it.
func UnmarshalFirst(data []byte, v any) ([]byte, error) {
	return decMode.UnmarshalFirst(data, v)
}

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding of a
// record until its collection is known.
type RawMessage = cbor.RawMessage

// Tag is a decoded CBOR tag with its content.
type Tag = cbor.Tag

// RawTag is a CBOR tag whose content has not been decoded.
type RawTag = cbor.RawTag

// NewDecoder returns a CBOR decoder reading from r with the DAG-CBOR
// decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. Used by the inspect command to print records that do not
// match any known schema.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
