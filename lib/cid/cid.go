// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cid

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/atmirror/lib/codec"
)

// Multicodec content types.
const (
	CodecRaw     uint64 = 0x55
	CodecDAGCBOR uint64 = 0x71
)

// Multihash function codes.
const (
	HashSHA256 uint64 = 0x12
	HashBLAKE3 uint64 = 0x1e
)

// base32Lower is the RFC 4648 lowercase alphabet without padding, the
// encoding behind the "b" multibase prefix.
var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ErrHashMismatch is returned by Verify when the data does not hash to
// the CID's digest.
var ErrHashMismatch = errors.New("content hash mismatch")

// CID is a version 1 content identifier: a content codec plus a
// multihash. Version 0 identifiers (bare sha2-256 multihashes) are
// accepted when reading binary data and normalized to version 1.
//
// CID is an immutable value type and comparable with ==. The zero
// value is not valid; use IsZero to check.
type CID struct {
	// encoded is the binary form: varint(1) varint(codec) multihash.
	// Stored as a string so CID values are comparable map keys.
	encoded string
}

// Sum hashes data with the given multihash function and returns the
// CID for it under the given content codec.
func Sum(contentCodec, hashCode uint64, data []byte) (CID, error) {
	digest, err := digestOf(hashCode, data)
	if err != nil {
		return CID{}, err
	}
	buffer := binary.AppendUvarint(nil, 1)
	buffer = binary.AppendUvarint(buffer, contentCodec)
	buffer = binary.AppendUvarint(buffer, hashCode)
	buffer = binary.AppendUvarint(buffer, uint64(len(digest)))
	buffer = append(buffer, digest...)
	return CID{encoded: string(buffer)}, nil
}

// ForDAGCBOR is Sum(CodecDAGCBOR, HashSHA256, data), the combination
// every repository block uses.
func ForDAGCBOR(data []byte) CID {
	c, _ := Sum(CodecDAGCBOR, HashSHA256, data)
	return c
}

// Read parses a binary CID from the front of data and returns it along
// with the number of bytes consumed.
func Read(data []byte) (CID, int, error) {
	// Version 0: a bare sha2-256 multihash (0x12 0x20 + 32 bytes).
	if len(data) >= 2 && data[0] == 0x12 && data[1] == 0x20 {
		if len(data) < 34 {
			return CID{}, 0, fmt.Errorf("truncated v0 CID: %d bytes", len(data))
		}
		buffer := binary.AppendUvarint(nil, 1)
		buffer = binary.AppendUvarint(buffer, CodecDAGCBOR)
		buffer = append(buffer, data[:34]...)
		return CID{encoded: string(buffer)}, 34, nil
	}

	offset := 0
	next := func(label string) (uint64, error) {
		value, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return 0, fmt.Errorf("invalid CID %s varint at offset %d", label, offset)
		}
		offset += n
		return value, nil
	}

	version, err := next("version")
	if err != nil {
		return CID{}, 0, err
	}
	if version != 1 {
		return CID{}, 0, fmt.Errorf("unsupported CID version %d", version)
	}
	if _, err := next("codec"); err != nil {
		return CID{}, 0, err
	}
	if _, err := next("hash code"); err != nil {
		return CID{}, 0, err
	}
	length, err := next("digest length")
	if err != nil {
		return CID{}, 0, err
	}
	if uint64(len(data)-offset) < length {
		return CID{}, 0, fmt.Errorf("truncated CID digest: want %d bytes, have %d", length, len(data)-offset)
	}
	end := offset + int(length)
	return CID{encoded: string(data[:end])}, end, nil
}

// FromBytes parses a binary CID that must span all of data.
func FromBytes(data []byte) (CID, error) {
	c, n, err := Read(data)
	if err != nil {
		return CID{}, err
	}
	if n != len(data) {
		return CID{}, fmt.Errorf("CID has %d trailing bytes", len(data)-n)
	}
	return c, nil
}

// Parse decodes the string form of a CID ("b" multibase, lowercase
// base32).
func Parse(raw string) (CID, error) {
	if raw == "" {
		return CID{}, fmt.Errorf("empty CID")
	}
	if raw[0] != 'b' {
		return CID{}, fmt.Errorf("unsupported CID multibase %q in %q", raw[0], raw)
	}
	data, err := base32Lower.DecodeString(strings.ToLower(raw[1:]))
	if err != nil {
		return CID{}, fmt.Errorf("invalid CID %q: %w", raw, err)
	}
	return FromBytes(data)
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) CID {
	c, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("cid.MustParse(%q): %v", raw, err))
	}
	return c
}

// IsZero reports whether the CID is the zero value.
func (c CID) IsZero() bool { return c.encoded == "" }

// Bytes returns the binary form.
func (c CID) Bytes() []byte { return []byte(c.encoded) }

// String returns the "b"-prefixed base32 form, e.g. "bafyrei...".
func (c CID) String() string {
	if c.IsZero() {
		return ""
	}
	return "b" + base32Lower.EncodeToString([]byte(c.encoded))
}

// Codec returns the content codec (CodecDAGCBOR, CodecRaw, ...).
func (c CID) Codec() uint64 {
	codecValue, _, _ := c.split()
	return codecValue
}

// split returns the content codec, the multihash function code and
// the digest.
func (c CID) split() (uint64, uint64, []byte) {
	data := []byte(c.encoded)
	offset := 0
	_, n := binary.Uvarint(data)
	offset += n
	contentCodec, n := binary.Uvarint(data[offset:])
	offset += n
	hashCode, n := binary.Uvarint(data[offset:])
	offset += n
	_, n = binary.Uvarint(data[offset:])
	offset += n
	return contentCodec, hashCode, data[offset:]
}

// Verify checks that data hashes to this CID's digest. Returns
// ErrHashMismatch (wrapped) on mismatch and an error for hash
// functions this package cannot compute.
func (c CID) Verify(data []byte) error {
	_, hashCode, want := c.split()
	got, err := digestOf(hashCode, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w for %s", ErrHashMismatch, c)
	}
	return nil
}

func digestOf(hashCode uint64, data []byte) ([]byte, error) {
	switch hashCode {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HashBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unsupported multihash function 0x%x", hashCode)
	}
}

// MarshalText implements encoding.TextMarshaler (JSON strings).
func (c CID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value.
func (c *CID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = CID{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalCBOR encodes the CID as a DAG-CBOR link: tag 42 around a byte
// string holding a 0x00 multibase prefix and the binary CID.
func (c CID) MarshalCBOR() ([]byte, error) {
	if c.IsZero() {
		return codec.Marshal(nil)
	}
	content := append([]byte{0x00}, c.encoded...)
	return codec.Marshal(codec.Tag{Number: codec.LinkTag, Content: content})
}

// UnmarshalCBOR decodes a DAG-CBOR link. CBOR null leaves the zero
// value so optional links can be plain CID fields.
func (c *CID) UnmarshalCBOR(data []byte) error {
	if len(data) == 1 && (data[0] == 0xf6 || data[0] == 0xf7) {
		*c = CID{}
		return nil
	}
	var tag codec.RawTag
	if err := tag.UnmarshalCBOR(data); err != nil {
		return fmt.Errorf("decoding CID link: %w", err)
	}
	if tag.Number != codec.LinkTag {
		return fmt.Errorf("CID link has tag %d, want %d", tag.Number, codec.LinkTag)
	}
	var content []byte
	if err := codec.Unmarshal(tag.Content, &content); err != nil {
		return fmt.Errorf("decoding CID link content: %w", err)
	}
	if len(content) == 0 || content[0] != 0x00 {
		return fmt.Errorf("CID link missing identity multibase prefix")
	}
	parsed, err := FromBytes(content[1:])
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
