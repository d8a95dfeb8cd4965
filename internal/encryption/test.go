package encryption

import (
	"bytes"
	"fmt"
	"slices"
)

// testHeader marks payloads sealed by TestSealer.
var testHeader = []byte("FSENC\x00\x00\x00")

// TestSealer is a deterministic sealer for tests. It prepends a fixed header
// so sealed output differs from plaintext without any cryptography.
type TestSealer struct{}

var _ Sealer = TestSealer{}

func (TestSealer) Seal(plaintext []byte) ([]byte, error) {
	return slices.Concat(testHeader, plaintext), nil
}

func (TestSealer) Open(ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return slices.Clone(ciphertext[len(testHeader):]), nil
}
