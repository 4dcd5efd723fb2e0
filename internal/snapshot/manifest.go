// Package snapshot implements the on-disk group/snapshot directory layout,
// advisory locking, and the signed manifest format (spec component C4).
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vaultkeep/internal/blob"
	"vaultkeep/internal/digest"
)

var (
	ErrManifestSignature = errors.New("snapshot: manifest signature invalid")
	ErrOwnerMismatch     = errors.New("snapshot: group owner mismatch")
	ErrTimeNotIncreasing = errors.New("snapshot: backup_time must exceed previous snapshot")
	ErrBadManifestFile   = errors.New("snapshot: malformed manifest file")
)

// FileEntry describes one archive file listed in a manifest.
type FileEntry struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Csum      string `json:"csum"` // hex digest.Digest, the index checksum
	CryptMode string `json:"crypt_mode"`
}

// VerifyState records the outcome of the most recent verify pass.
type VerifyState struct {
	State    string    `json:"state"` // "ok" | "failed" | "none"
	Finished time.Time `json:"finished"`
	UPID     string    `json:"upid,omitempty"` // the verify worker task's UPID
}

// Unprotected carries fields that mutate after the manifest is first
// signed (§4.4): it is stored outside the signed blob's envelope, so
// rewriting it never invalidates the protected region's signature.
type Unprotected struct {
	VerifyState VerifyState `json:"verify_state"`
}

// Protected is the signed payload: everything the manifest format
// lists except unprotected state.
type Protected struct {
	BackupType string      `json:"backup_type"`
	BackupID   string      `json:"backup_id"`
	BackupTime int64       `json:"backup_time"` // unix seconds
	Files      []FileEntry `json:"files"`
}

// Manifest is the full decoded manifest: the signed Protected region plus
// the unsigned Unprotected trailer.
type Manifest struct {
	Protected   Protected
	Unprotected Unprotected
}

// EncodeManifestFile serializes m as index.json.blob's on-disk bytes: a
// signed blob of the protected JSON, followed by the unprotected JSON and
// then its 4-byte little-endian length, so the trailer is located from the
// end of the file. Only the first segment is covered by the HMAC;
// rewriting the trailer (see RewriteUnprotected) never touches those bytes.
func EncodeManifestFile(m Manifest, key *blob.CryptKey) ([]byte, error) {
	protectedJSON, err := json.Marshal(m.Protected)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal protected manifest: %w", err)
	}
	signedBlob, err := blob.Encode(protectedJSON, blob.ModeSigned, key)
	if err != nil {
		return nil, fmt.Errorf("snapshot: sign manifest: %w", err)
	}
	unprotectedJSON, err := json.Marshal(m.Unprotected)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal unprotected manifest: %w", err)
	}
	return assembleManifestFile(signedBlob, unprotectedJSON), nil
}

func assembleManifestFile(signedBlob, unprotectedJSON []byte) []byte {
	out := make([]byte, len(signedBlob)+len(unprotectedJSON)+4)
	copy(out, signedBlob)
	copy(out[len(signedBlob):], unprotectedJSON)
	binary.LittleEndian.PutUint32(out[len(signedBlob)+len(unprotectedJSON):], uint32(len(unprotectedJSON)))
	return out
}

// splitManifestFile separates the unprotected JSON, whose length is stored
// in the file's last 4 bytes, from the leading signed blob, without
// validating either.
func splitManifestFile(data []byte) (signedBlob, unprotectedJSON []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrBadManifestFile
	}
	n := binary.LittleEndian.Uint32(data[len(data)-4:])
	if uint64(n) > uint64(len(data)-4) {
		return nil, nil, ErrBadManifestFile
	}
	split := len(data) - 4 - int(n)
	return data[:split], data[split : split+int(n)], nil
}

// DecodeManifestFile verifies the signed protected region and parses the
// unprotected trailer.
func DecodeManifestFile(data []byte, key *blob.CryptKey) (Manifest, error) {
	signedBlob, unprotectedJSON, err := splitManifestFile(data)
	if err != nil {
		return Manifest{}, err
	}
	payload, mode, err := blob.Decode(signedBlob, key)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrManifestSignature, err)
	}
	if mode != blob.ModeSigned {
		return Manifest{}, fmt.Errorf("snapshot: manifest blob has unexpected mode %d", mode)
	}
	var protected Protected
	if err := json.Unmarshal(payload, &protected); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: unmarshal protected manifest: %w", err)
	}
	var unprotected Unprotected
	if len(unprotectedJSON) > 0 {
		if err := json.Unmarshal(unprotectedJSON, &unprotected); err != nil {
			return Manifest{}, fmt.Errorf("snapshot: unmarshal unprotected manifest: %w", err)
		}
	}
	return Manifest{Protected: protected, Unprotected: unprotected}, nil
}

// RewriteUnprotected replaces only the unprotected trailer of an
// already-encoded manifest file, leaving the signed blob bytes (and thus
// its signature) untouched. This is what a verify pass calls to record
// verify_state without re-signing the manifest.
func RewriteUnprotected(data []byte, u Unprotected) ([]byte, error) {
	signedBlob, _, err := splitManifestFile(data)
	if err != nil {
		return nil, err
	}
	unprotectedJSON, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal unprotected manifest: %w", err)
	}
	return assembleManifestFile(signedBlob, unprotectedJSON), nil
}

// FileChecksum is a convenience wrapper matching FileEntry.Csum's hex
// encoding of an index.Checksum result.
func FileChecksum(d digest.Digest) string {
	return d.String()
}
