// Package cas provides content-addressing utilities for the synchronization
// subsystem: BLAKE3 hashing, canonical JSON serialization, and the version id
// and checksum schemes used by change detection and version management.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch. All timestamps
// in the subsystem are millisecond precision.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v interface{}) ([]byte, error) {
	// First marshal to get JSON representation
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Unmarshal into interface{} to process
	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	// Re-marshal with sorted keys
	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Hash computes a BLAKE3-256 hash of the input.
func Hash(data []byte) []byte {
	hash := blake3.Sum256(data)
	return hash[:]
}

// HashHex computes a BLAKE3-256 hash and returns it as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// HashValueHex hashes the canonical JSON form of a value. Structurally equal
// values hash identically regardless of map iteration order.
func HashValueHex(v interface{}) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashHex(data), nil
}

// NewHasher returns a streaming BLAKE3-256 hasher for callers that hash
// content too large to buffer.
func NewHasher() *blake3.Hasher {
	return blake3.New(32, nil)
}

// VersionID allocates the identifier for a version node: the version number,
// a content-hash prefix, and the creation timestamp in base36. IDs are unique
// in practice because a resource never records two versions with the same
// number, hash, and millisecond.
func VersionID(version int, contentHash string, ts int64) string {
	prefix := contentHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if prefix == "" {
		prefix = "empty"
	}
	return fmt.Sprintf("v%d-%s-%s", version, prefix, strconv.FormatInt(ts, 36))
}

// Checksum computes the integrity checksum for a recorded change: a BLAKE3
// hash over the identifying parts joined with newlines. Checksums are for
// traceability, not tamper resistance.
func Checksum(parts ...string) string {
	return HashHex([]byte(strings.Join(parts, "\n")))
}
