package encryption

import (
	"fmt"

	"fieldsync-go/internal/config"
)

// NewSealerFromConfig returns the sealer for cfg, or nil when payloads are
// stored in plaintext. The age type needs the passphrase protecting the key.
func NewSealerFromConfig(cfg config.EncryptionConfig, passphrase string) (Sealer, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		keys := NewAgeKeys(cfg)
		if !keys.IsConfigured() {
			return nil, fmt.Errorf("age keys not found at %s; run 'fieldsync config keys' first", cfg.PublicKeyPath)
		}
		s, err := keys.Unlock(passphrase)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "test":
		return TestSealer{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
