package groups

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash returns a digest of the snapshot that is independent of group
// order and of nil-versus-empty item lists.
func ContentHash(in []Group) (string, error) {
	data, err := json.Marshal(SortByID(Normalize(in)))
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
