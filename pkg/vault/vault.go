// Package vault encrypts small secrets under a password-derived key.
//
// Every Encrypt call draws a fresh salt and IV, so two encryptions of the
// same plaintext under the same password never share key material. Key
// derivation is deliberately slow; callers must keep it off request paths.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 16
	IVSize     = 12
	KeySize    = 32
	TagSize    = 16
	Iterations = 600_000
)

// ErrDecryption covers every way a blob can fail to open: wrong password,
// tampered ciphertext, or a malformed structure.
var ErrDecryption = errors.New("vault: blob cannot be decrypted")

// Blob is the persisted form of one encryption.
type Blob struct {
	Salt       []byte
	IV         []byte
	Ciphertext []byte // sealed payload with the GCM tag appended
}

type Vault struct {
	Iterations int
	Rand       io.Reader
}

func New() *Vault {
	return &Vault{Iterations: Iterations, Rand: rand.Reader}
}

func (v *Vault) iterations() int {
	if v == nil || v.Iterations <= 0 {
		return Iterations
	}
	return v.Iterations
}

func (v *Vault) random() io.Reader {
	if v == nil || v.Rand == nil {
		return rand.Reader
	}
	return v.Rand
}

func (v *Vault) Encrypt(plaintext, password []byte) (Blob, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(v.random(), salt); err != nil {
		return Blob{}, fmt.Errorf("vault: read salt: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(v.random(), iv); err != nil {
		return Blob{}, fmt.Errorf("vault: read iv: %w", err)
	}
	gcm, err := v.aead(password, salt)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Salt:       salt,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
	}, nil
}

func (v *Vault) Decrypt(blob Blob, password []byte) ([]byte, error) {
	if len(blob.Salt) != SaltSize || len(blob.IV) != IVSize || len(blob.Ciphertext) < TagSize {
		return nil, ErrDecryption
	}
	gcm, err := v.aead(password, blob.Salt)
	if err != nil {
		return nil, ErrDecryption
	}
	plain, err := gcm.Open(nil, blob.IV, blob.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

func (v *Vault) aead(password, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, v.iterations(), KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return gcm, nil
}

// Encode returns base64(salt || iv || ciphertext || tag).
func (b Blob) Encode() string {
	raw := make([]byte, 0, len(b.Salt)+len(b.IV)+len(b.Ciphertext))
	raw = append(raw, b.Salt...)
	raw = append(raw, b.IV...)
	raw = append(raw, b.Ciphertext...)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeBlob(encoded string) (Blob, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Blob{}, ErrDecryption
	}
	if len(raw) < SaltSize+IVSize+TagSize {
		return Blob{}, ErrDecryption
	}
	return Blob{
		Salt:       raw[:SaltSize],
		IV:         raw[SaltSize : SaltSize+IVSize],
		Ciphertext: raw[SaltSize+IVSize:],
	}, nil
}
