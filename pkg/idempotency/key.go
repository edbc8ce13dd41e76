// Package idempotency derives stable deduplication keys for sync jobs.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/zoff-tech/go-syncengine/schema"
)

// Domain prefixes the hashed material so keys never collide with other
// SHA-256 identifiers. Bump the suffix if the encoding below changes.
const Domain = "go-syncengine/idempotency/v1"

// DeriveKey maps one logical change to a stable key. Retries of the same
// version share a key; a new version of the same entity gets a new one.
func DeriveKey(entityType, entityID string, op schema.Operation, version int64) string {
	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	writeField(h, entityType)
	writeField(h, entityID)
	writeField(h, string(op))

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	h.Write(v[:])

	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so ("ab","c") and ("a","bc") hash differently.
func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
