// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	"axonflow/querygate/connectors/base"
)

const (
	component = "credentials"

	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	currentVersion = "v1"
)

var versionRegex = regexp.MustCompile(`^v[0-9]+\.`)

// Store encrypts and decrypts connection URIs with a single process-wide key.
// A Store is safe for concurrent use; the key is never mutated after creation.
type Store struct {
	aead  cipher.AEAD
	keyID string
}

// NewStore creates a Store from a raw 32-byte key
func NewStore(key []byte) (*Store, error) {
	if len(key) != KeySize {
		return nil, base.NewError(component, "new_store", base.KindConfig, "invalid_key_length",
			"encryption key must be 32 bytes", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, base.NewError(component, "new_store", base.KindConfig, "invalid_key", "create cipher failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, base.NewError(component, "new_store", base.KindConfig, "invalid_key", "create GCM failed", err)
	}

	sum := sha256.Sum256(key)
	return &Store{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID identifies the loaded key without revealing it
func (s *Store) KeyID() string {
	return s.keyID
}

// Encrypt seals plaintext under a fresh random nonce. The result is
// "v1." followed by base64url(nonce || sealed).
func (s *Store) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", base.NewError(component, "encrypt", base.KindConfig, "nonce_unavailable", "generate nonce failed", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return currentVersion + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Failures are DecryptionError
// with an opaque reason code; no part of the input is echoed back.
func (s *Store) Decrypt(ciphertext string) (string, error) {
	ciphertext = strings.TrimSpace(ciphertext)
	if !strings.HasPrefix(ciphertext, currentVersion+".") {
		if versionRegex.MatchString(ciphertext) {
			return "", decryptError("unsupported_version", "ciphertext version is not supported")
		}
		return "", decryptError("malformed_ciphertext", "ciphertext is not in a recognized format")
	}

	raw, err := base64.RawURLEncoding.DecodeString(ciphertext[len(currentVersion)+1:])
	if err != nil {
		return "", decryptError("malformed_ciphertext", "ciphertext is not valid base64")
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", decryptError("malformed_ciphertext", "ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", decryptError("authentication_failed", "ciphertext failed authentication; wrong key or corrupted value")
	}
	return string(plaintext), nil
}

// Fingerprint returns a short stable digest of a ciphertext. The registry
// compares fingerprints to notice credential rotation.
func Fingerprint(ciphertext string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ciphertext)))
	return hex.EncodeToString(sum[:8])
}

func decryptError(code, message string) error {
	return base.NewError(component, "decrypt", base.KindDecryption, code, message, nil)
}
