// Package fingerprint computes the content hash that stands in for document
// bytes on the ledger. Raw content is never stored on chain, only this digest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HexLength is the length of an encoded fingerprint.
const HexLength = sha256.Size * 2

// Compute reads the stream to the end and returns the lowercase hex SHA-256
// digest. Memory use is bounded regardless of input size.
func Compute(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ComputeFile computes the fingerprint of a file on disk.
func ComputeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Compute(f)
}
