package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// checksumLen is the truncated hex length used for all fingerprints.
const checksumLen = 16

// Checksum fingerprints a byte slice: SHA-256 truncated to 16 hex chars.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:checksumLen]
}

// ChecksumFile fingerprints a file's contents. A missing file is encoded
// as the empty string; other read errors propagate.
func ChecksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return Checksum(data), nil
}
