package topology

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a stable digest of a descriptor. Two descriptors with
// the same fingerprint describe the same resource; the engine uses this to
// avoid issuing a second creation for unchanged inputs.
//
// Struct fields are encoded in declaration order and map keys are sorted by
// encoding/json, so the digest is deterministic.
func Fingerprint(descriptor any) (string, error) {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to encode descriptor: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
