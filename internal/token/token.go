// Package token implements opaque bearer tokens: issuance (HMAC-bound
// payload), verifier-side hashing, and persistence with a secondary hash
// index (spec §4.2).
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironfish/clusterd/internal/ierrors"
)

// Prefix is the fixed namespace marker prepended to every displayed token.
// It is not authenticated; a string missing it falls through to treating
// the whole string as raw (spec §4.2).
const Prefix = "iff_"

const randomBytesLen = 32

var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// issue builds a fresh displayed token string and the token_hash that
// indexes it. key is the server's HMAC secret.
//
// The payload is uuid(16) || random(32) || timestamp_le(8) ||
// hmac_sha256(key, preceding bytes)(32), base64url-encoded after the fixed
// prefix. The verifier never decodes this payload; it treats the encoded
// string itself (the part after the prefix) as "raw" and hashes that
// string's bytes directly, so issuance must compute token_hash the same
// way: over the encoded string, not the decoded payload (spec §4.2).
func issue(key []byte) (display string, hash string, err error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", "", ierrors.WithKind(ierrors.Wrap(err, "failed to generate token id"), ierrors.KindStorage)
	}

	random := make([]byte, randomBytesLen)
	if _, err := rand.Read(random); err != nil {
		return "", "", ierrors.WithKind(ierrors.Wrap(err, "failed to read random bytes"), ierrors.KindStorage)
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(time.Now().UnixMilli()))

	payload := make([]byte, 0, 16+randomBytesLen+8)
	payload = append(payload, id[:]...)
	payload = append(payload, random...)
	payload = append(payload, tsBuf[:]...)
	payload = append(payload, hmacSum(key, payload)...)

	raw := b64.EncodeToString(payload)
	display = Prefix + raw
	hash = HashRaw(raw, key)
	return display, hash, nil
}

// Hash computes the verifier-side token_hash for a displayed token string:
// strip the prefix if present (a missing prefix falls through to treating
// the whole string as raw), then HMAC-SHA256 the raw string's bytes with
// key and base64url-no-pad encode the digest (spec §4.2).
func Hash(displayed string, key []byte) string {
	raw := strings.TrimPrefix(displayed, Prefix)
	return HashRaw(raw, key)
}

// HashRaw hashes an already-prefix-stripped token string.
func HashRaw(raw string, key []byte) string {
	return b64.EncodeToString(hmacSum(key, []byte(raw)))
}

func hmacSum(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
