// Package checksum computes content digests used to skip redundant writes
// and no-op edits.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumJSON digests a JSON document with insignificant whitespace removed, so
// that two encodings of the same value compare equal. Input that is not
// valid JSON is digested as is.
func SumJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return Sum(data)
	}
	return Sum(buf.Bytes())
}
