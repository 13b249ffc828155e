package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the hex-encoded SHA-256 hash of data. It's used to
// detect changes to migration files after they were applied.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Checksum returns the hex-encoded BLAKE2b-256 checksum of data. It protects
// backup payloads against truncation and corruption.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether checksum matches the checksum of data.
func VerifyChecksum(data []byte, checksum string) bool {
	return Checksum(data) == checksum
}

// RandomData returns a slice of the specified size containing random data.
func RandomData(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("size cannot be negative")
	}

	data := make([]byte, size)
	_, err := rand.Read(data)
	if err != nil {
		return nil, fmt.Errorf("failed generating random data: %w", err)
	}

	return data, nil
}

// ShortHash returns a compact base58 rendering of the first 8 bytes of a
// hex-encoded hash, for display purposes. Invalid input is returned unchanged.
func ShortHash(hexHash string) string {
	b, err := hex.DecodeString(hexHash)
	if err != nil || len(b) == 0 {
		return hexHash
	}
	return base58.Encode(b[:min(8, len(b))])
}
