package config

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash returns a short stable digest of a config document, used to detect
// whether a reload actually changed anything.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
