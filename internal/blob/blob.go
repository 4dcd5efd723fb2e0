// Package blob implements the self-describing framed byte sequence that
// backs every chunk, index, and manifest on disk: an 8-byte mode magic, a
// CRC32 guard, an optional HMAC-SHA256 signature, optional AES-256-GCM
// encryption, and an optional zstd-compressed payload.
//
// Decoding validates in a fixed order — magic, then CRC, then HMAC or GCM
// tag, then decompression — and never exposes payload bytes to the caller
// until every preceding check has passed.
package blob

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// Mode selects the blob's framing: which of compression, signing, and
// encryption are applied to the payload.
type Mode byte

const (
	ModeNone Mode = iota
	ModeZstd
	ModeSigned
	ModeSignedZstd
	ModeEncrypted
	ModeEncryptedZstd
)

// 8-byte magics, one per Mode. The decoder identifies the mode entirely
// from these bytes; no length-prefixed type tag is needed.
var magics = map[Mode][8]byte{
	ModeNone:         {0x76, 'b', 'l', 'b', 0, 0, 0, 0},
	ModeZstd:         {0x76, 'b', 'l', 'z', 0, 0, 0, 0},
	ModeSigned:       {0x76, 'b', 'l', 's', 0, 0, 0, 0},
	ModeSignedZstd:   {0x76, 'b', 'l', 's', 'z', 0, 0, 0},
	ModeEncrypted:    {0x76, 'b', 'l', 'e', 0, 0, 0, 0},
	ModeEncryptedZstd: {0x76, 'b', 'l', 'e', 'z', 0, 0, 0},
}

var magicToMode map[[8]byte]Mode

func init() {
	magicToMode = make(map[[8]byte]Mode, len(magics))
	for m, magic := range magics {
		magicToMode[magic] = m
	}
}

const (
	magicSize = 8
	crcSize   = 4
	hmacSize  = sha256.Size // 32
	ivSize    = 16
	tagSize   = 16

	// MaxPayloadSize is the §4.1 bound on a blob's plaintext payload.
	MaxPayloadSize = 16 << 20
	// MaxEncodedSize bounds the framed size: payload plus the largest
	// possible header (encrypted+zstd: magic+crc+iv+tag, zstd overhead
	// budgeted generously since compressed size can exceed input on
	// incompressible data).
	MaxEncodedSize = MaxPayloadSize + magicSize + crcSize + ivSize + tagSize + 4096
)

var (
	ErrBadMagic        = errors.New("blob: bad magic")
	ErrCrcMismatch     = errors.New("blob: crc mismatch")
	ErrAuthFailure     = errors.New("blob: authentication failure")
	ErrDecompressError = errors.New("blob: decompress error")
	ErrSizeExceeded    = errors.New("blob: size exceeded")
	ErrNoCryptKey      = errors.New("blob: mode requires a crypt key")
)

// CryptKey is the 32-byte key used for both HMAC-SHA256 signing and
// AES-256-GCM encryption. A single key provider (§6) supplies this to
// every blob operation in a datastore.
type CryptKey [32]byte

func (m Mode) signed() bool {
	return m == ModeSigned || m == ModeSignedZstd
}

func (m Mode) encrypted() bool {
	return m == ModeEncrypted || m == ModeEncryptedZstd
}

func (m Mode) compressed() bool {
	return m == ModeZstd || m == ModeSignedZstd || m == ModeEncryptedZstd
}

// seekableFrameSize is the uncompressed frame size used for the seekable
// zstd stream backing a compressed payload. A blob's payload is bounded by
// MaxPayloadSize and is always decoded in full, but framing it lets a
// caller holding only a byte range (e.g. a partial read of a quarantined
// blob for diagnostics) decompress without materializing the whole thing.
const seekableFrameSize = 256 << 10

var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blob: init zstd decoder: " + err.Error())
	}
}

// Encode frames payload under mode. key is required for ModeSigned,
// ModeSignedZstd, ModeEncrypted, and ModeEncryptedZstd; pass a nil key for
// ModeNone/ModeZstd.
//
// The CRC is always computed last, over everything written after it, so a
// truncated or corrupted write is caught before any signature/decrypt
// attempt is made.
func Encode(payload []byte, mode Mode, key *CryptKey) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrSizeExceeded
	}
	if (mode.signed() || mode.encrypted()) && key == nil {
		return nil, ErrNoCryptKey
	}

	body := payload
	if mode.compressed() {
		compressed, err := compressPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecompressError, err)
		}
		body = compressed
	}

	var buf bytes.Buffer
	magic := magics[mode]
	buf.Write(magic[:])
	buf.Write(make([]byte, crcSize)) // placeholder, filled in below

	switch {
	case mode.encrypted():
		iv := make([]byte, ivSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("blob: generate iv: %w", err)
		}
		sealed, err := gcmSeal(*key, iv, body)
		if err != nil {
			return nil, err
		}
		// sealed = ciphertext || tag (tagSize trailing bytes, per AEAD.Seal).
		if len(sealed) < tagSize {
			return nil, fmt.Errorf("blob: unexpected sealed size")
		}
		buf.Write(iv)
		buf.Write(sealed) // ciphertext followed by the GCM tag
	case mode.signed():
		mac := hmac.New(sha256.New, key[:])
		mac.Write(body)
		buf.Write(mac.Sum(nil))
		buf.Write(body)
	default:
		buf.Write(body)
	}

	out := buf.Bytes()
	crc := crc32IEEE(out[magicSize+crcSize:])
	binary.LittleEndian.PutUint32(out[magicSize:magicSize+crcSize], crc)

	if len(out) > MaxEncodedSize {
		return nil, ErrSizeExceeded
	}
	return out, nil
}

// Decode validates and unframes encoded, returning the plaintext payload.
// Every check (magic, CRC, then HMAC or GCM tag) must pass before
// decompression is attempted or any payload byte is returned; on any
// failure the returned byte slice is nil.
func Decode(encoded []byte, key *CryptKey) ([]byte, Mode, error) {
	if len(encoded) > MaxEncodedSize {
		return nil, 0, ErrSizeExceeded
	}
	if len(encoded) < magicSize+crcSize {
		return nil, 0, ErrBadMagic
	}

	var magic [8]byte
	copy(magic[:], encoded[:magicSize])
	mode, ok := magicToMode[magic]
	if !ok {
		return nil, 0, ErrBadMagic
	}

	rest := encoded[magicSize+crcSize:]
	gotCRC := binary.LittleEndian.Uint32(encoded[magicSize : magicSize+crcSize])
	if crc32IEEE(rest) != gotCRC {
		return nil, mode, ErrCrcMismatch
	}

	if (mode.signed() || mode.encrypted()) && key == nil {
		return nil, mode, ErrNoCryptKey
	}

	var body []byte
	switch {
	case mode.encrypted():
		if len(rest) < ivSize+tagSize {
			return nil, mode, ErrAuthFailure
		}
		iv := rest[:ivSize]
		sealed := rest[ivSize:]
		plain, err := gcmOpen(*key, iv, sealed)
		if err != nil {
			return nil, mode, ErrAuthFailure
		}
		body = plain
	case mode.signed():
		if len(rest) < hmacSize {
			return nil, mode, ErrAuthFailure
		}
		gotMAC := rest[:hmacSize]
		body = rest[hmacSize:]
		mac := hmac.New(sha256.New, key[:])
		mac.Write(body)
		wantMAC := mac.Sum(nil)
		if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
			return nil, mode, ErrAuthFailure
		}
	default:
		body = rest
	}

	if !mode.compressed() {
		if len(body) > MaxPayloadSize {
			return nil, mode, ErrSizeExceeded
		}
		return body, mode, nil
	}

	payload, err := decompressPayload(body)
	if err != nil {
		return nil, mode, fmt.Errorf("%w: %w", ErrDecompressError, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, mode, ErrSizeExceeded
	}
	return payload, mode, nil
}

func gcmSeal(key CryptKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

func gcmOpen(key CryptKey, iv, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, sealed, nil)
}

func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// compressPayload encodes payload as a seekable zstd stream: split into
// fixed-size frames so a partial read can decompress only the frames it
// covers, then the seek table is appended on Close.
func compressPayload(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	var out bytes.Buffer
	sw, err := seekable.NewWriter(&out, enc)
	if err != nil {
		return nil, err
	}
	for off := 0; off < len(payload); off += seekableFrameSize {
		end := min(off+seekableFrameSize, len(payload))
		if _, err := sw.Write(payload[off:end]); err != nil {
			return nil, err
		}
	}
	if len(payload) == 0 {
		// Seekable requires at least one frame write to produce a valid
		// seek table even for an empty payload.
		if _, err := sw.Write(nil); err != nil {
			return nil, err
		}
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompressPayload(compressed []byte) ([]byte, error) {
	section := io.NewSectionReader(bytes.NewReader(compressed), 0, int64(len(compressed)))
	sr, err := seekable.NewReader(section, zstdDecoder)
	if err != nil {
		return nil, err
	}
	defer sr.Close()
	return io.ReadAll(sr)
}
