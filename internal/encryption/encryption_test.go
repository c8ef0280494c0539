package encryption_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"beaconkit/internal/config"
	"beaconkit/internal/encryption"
)

func ageConfig(t *testing.T) config.EncryptionConfig {
	t.Helper()
	dir := t.TempDir()
	return config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "beaconkit.pub"),
		PrivateKeyPath: filepath.Join(dir, "beaconkit.key"),
	}
}

func TestAgeEncryptor(t *testing.T) {
	t.Run("setup creates both key files", func(t *testing.T) {
		cfg := ageConfig(t)
		enc := encryption.NewAgeEncryptor(cfg)

		if enc.IsConfigured() {
			t.Error("IsConfigured() = true before setup")
		}

		if err := enc.Setup("correct horse battery staple"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}

		if !enc.IsConfigured() {
			t.Error("IsConfigured() = false after setup")
		}

		pub, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			t.Fatalf("reading public key: %v", err)
		}
		if !bytes.HasPrefix(pub, []byte("age1")) {
			t.Errorf("public key does not look like an age recipient: %s", pub)
		}

		priv, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			t.Fatalf("reading private key: %v", err)
		}
		if bytes.Contains(priv, []byte("AGE-SECRET-KEY-")) {
			t.Error("private key stored in plaintext")
		}
	})

	t.Run("encrypt decrypt round trip", func(t *testing.T) {
		enc := encryption.NewAgeEncryptor(ageConfig(t))
		if err := enc.Setup("passphrase"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}

		plaintext := []byte(`{"accountProximityUUIDs":["7367672374000000ffff0000ffff0003"]}`)
		ciphertext, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Contains(ciphertext, []byte("accountProximityUUIDs")) {
			t.Error("ciphertext contains plaintext")
		}

		decrypt, err := enc.Unlock("passphrase")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		got, err := decrypt.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decrypt() = %s, want %s", got, plaintext)
		}
	})

	t.Run("wrong passphrase fails to unlock", func(t *testing.T) {
		enc := encryption.NewAgeEncryptor(ageConfig(t))
		if err := enc.Setup("right"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}

		if _, err := enc.Unlock("wrong"); err == nil {
			t.Error("Unlock() succeeded with wrong passphrase")
		}
	})
}

func TestTestEncryptor(t *testing.T) {
	enc := encryption.NewTestEncryptor()

	plaintext := []byte("hello")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	decrypt, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got, err := decrypt.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}

	if _, err := decrypt.Decrypt([]byte("no header")); err == nil {
		t.Error("Decrypt() accepted data without the header")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfgType  string
		wantNil  bool
		wantErr  bool
	}{
		{name: "none disables encryption", cfgType: "none", wantNil: true},
		{name: "empty disables encryption", cfgType: "", wantNil: true},
		{name: "age", cfgType: "age"},
		{name: "test", cfgType: "test"},
		{name: "unknown type", cfgType: "rot13", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := encryption.NewEncryptorFromConfig(config.EncryptionConfig{Type: tt.cfgType})
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if (enc == nil) != tt.wantNil {
				t.Errorf("encryptor = %v, wantNil = %v", enc, tt.wantNil)
			}
		})
	}
}
