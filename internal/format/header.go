// Package format provides the binary header shared by the fixed and
// dynamic index formats. Blobs, catalogs and RRD files carry their own
// 8-byte magic instead; KindBlob, KindManifest and KindCatalog are defined
// here but no encoder in this module writes them.
package format

import "errors"

// Header layout (4 bytes):
//
//	signature (1 byte, 'v' = 0x76)
//	kind      (1 byte, identifies the framed structure)
//	version   (1 byte)
//	flags     (1 byte, kind-specific bits)
const (
	Signature  = 'v'
	HeaderSize = 4

	KindBlob         = 'b'
	KindFixedIndex   = 'f'
	KindDynamicIndex = 'd'
	KindManifest     = 'm'
	KindCatalog      = 'c'
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrKindMismatch      = errors.New("kind mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header is the common 4-byte preamble of the fixed and dynamic index
// bodies.
type Header struct {
	Kind    byte
	Version byte
	Flags   byte
}

// Encode returns the 4-byte wire representation.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Kind, h.Version, h.Flags}
}

// EncodeInto writes the header into buf[0:HeaderSize] and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	buf[0] = Signature
	buf[1] = h.Kind
	buf[2] = h.Version
	buf[3] = h.Flags
	return HeaderSize
}

// Decode parses a header from buf, validating only the signature byte.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	return Header{
		Kind:    buf[1],
		Version: buf[2],
		Flags:   buf[3],
	}, nil
}

// DecodeAndValidate parses a header and checks its kind and version against
// the caller's expectation.
func DecodeAndValidate(buf []byte, expectedKind, expectedVersion byte) (Header, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, err
	}
	if h.Kind != expectedKind {
		return Header{}, ErrKindMismatch
	}
	if h.Version != expectedVersion {
		return Header{}, ErrVersionMismatch
	}
	return h, nil
}
