package encryption

import (
	"fmt"

	"beaconkit/internal/config"
	"beaconkit/internal/engine"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Type "none" (or empty) disables at-rest encryption entirely.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (engine.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
