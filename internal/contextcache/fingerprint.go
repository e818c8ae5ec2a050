// Package contextcache maps document fingerprints to remote pre-loaded context handles.
package contextcache

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintKey separates document fingerprints from any other BLAKE3 use.
// Changing it invalidates every cache entry.
var fingerprintKey = [32]byte{
	'd', 'o', 'c', 'c', 'h', 'a', 't', '.', 'c', 'o', 'n', 't', 'e', 'x', 't', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0,
}

// Fingerprint returns the hex keyed hash of extracted document text.
func Fingerprint(text string) string {
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("contextcache: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(text))
	return hex.EncodeToString(hasher.Sum(nil))
}
