package encryption

import (
	"bytes"
	"fmt"

	"beaconkit/internal/engine"
)

// testHeader is prepended to data by TestEncryptor to make encrypted output
// clearly different from plaintext while remaining deterministic and
// reversible.
var testHeader = []byte("BKENC\x00\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for testing. It
// prepends a fixed 8-byte header during encryption and strips it during
// decryption, requiring no crypto.
type TestEncryptor struct {
	setupCalled bool
}

var _ engine.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(data))
	out = append(out, testHeader...)
	return append(out, data...), nil
}

func (e *TestEncryptor) Unlock(passphrase string) (engine.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the test header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ engine.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(data []byte) ([]byte, error) {
	if len(data) < len(testHeader) || !bytes.Equal(data[:len(testHeader)], testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return data[len(testHeader):], nil
}
