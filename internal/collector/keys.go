package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyIDLength is how many hash characters identify a key in logs and
// published messages.
const keyIDLength = 12

// KeySet holds the accepted API keys by SHA256 hash. Plaintext keys are not
// retained.
type KeySet struct {
	byHash map[string]string // hash -> key id
}

// NewKeySet hashes the given plaintext keys. Blank entries are ignored.
func NewKeySet(plaintext []string) (*KeySet, error) {
	ks := &KeySet{byHash: make(map[string]string, len(plaintext))}
	for _, key := range plaintext {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		hash := HashKey(key)
		ks.byHash[hash] = hash[:keyIDLength]
	}
	if len(ks.byHash) == 0 {
		return nil, fmt.Errorf("collector: %w", ErrNoAPIKeys)
	}
	return ks, nil
}

// HashKey returns the lowercase hex SHA256 of a plaintext key. Keys are
// high-entropy tokens, so a fast hash is enough for lookup.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the key id for an accepted plaintext key.
func (ks *KeySet) Lookup(plaintext string) (string, bool) {
	id, ok := ks.byHash[HashKey(plaintext)]
	return id, ok
}

// Len returns the number of distinct accepted keys.
func (ks *KeySet) Len() int {
	return len(ks.byHash)
}
